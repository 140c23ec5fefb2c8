// Package docker 封装 Docker API 客户端
//
// 使用官方 github.com/moby/moby/client 库。harness 在每次执行前
// 通过它确认本机 Docker daemon 可用。
package docker

import (
	"context"
	"fmt"

	"github.com/moby/moby/client"
)

// Client Docker客户端封装
type Client struct {
	cli *client.Client
}

// NewClient 创建Docker客户端（读取 DOCKER_HOST 等环境变量）
func NewClient() (*Client, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping 检查Docker连接
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx, client.PingOptions{})
	return err
}
