// Package redis Redis Streams 队列实现
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"bench-runner/internal/shared/queue"
)

// Store Redis 队列存储
type Store struct {
	client *redis.Client
	prefix string
}

// NewStoreFromURL 从 URL 创建 Redis 队列实例
func NewStoreFromURL(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Queue] Connected to %s", opts.Addr)
	return &Store{client: client}, nil
}

// NewStoreFromClient 从现有 Redis 客户端创建队列实例
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// WithKeyPrefix 为所有 key 加前缀（多套部署共用一个 Redis 时隔离）
func (s *Store) WithKeyPrefix(prefix string) *Store {
	return &Store{client: s.client, prefix: prefix}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// Client 返回底层 Redis 客户端
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) streamKey() string {
	return s.prefix + queue.KeyRunsPending
}

func (s *Store) retryKey() string {
	return s.prefix + queue.KeyRunsRetry
}

var _ queue.Queue = (*Store)(nil)
