// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"bench-runner/internal/shared/eventbus"
	eventbusredis "bench-runner/internal/shared/eventbus/redis"
	"bench-runner/internal/shared/queue"
	queueredis "bench-runner/internal/shared/queue/redis"
)

// RedisInfra Redis 基础设施
//
// EventBus 与 Queue 共用一个连接，Close 只需调用一次。
type RedisInfra struct {
	eventBusStore *eventbusredis.Store
	queueStore    *queueredis.Store

	client *redis.Client
}

// NewRedisInfra 从 URL 创建 Redis 基础设施
func NewRedisInfra(redisURL string) (*RedisInfra, error) {
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

	log.Printf("[Redis/Infra] Connected to %s", opts.Addr)

	return &RedisInfra{
		client:        client,
		eventBusStore: eventbusredis.NewStoreFromClient(client),
		queueStore:    queueredis.NewStoreFromClient(client),
	}, nil
}

// EventBus 返回事件总线组件
func (r *RedisInfra) EventBus() eventbus.EventBus {
	return sharedEventBus{r.eventBusStore}
}

// Queue 返回消息队列组件
func (r *RedisInfra) Queue() queue.Queue {
	return sharedQueue{r.queueStore}
}

// Client 返回底层 Redis 客户端
func (r *RedisInfra) Client() *redis.Client {
	return r.client
}

// Close 关闭 Redis 连接
func (r *RedisInfra) Close() error {
	return r.client.Close()
}

// sharedEventBus / sharedQueue 的 Close 不关闭共享连接，由 RedisInfra 统一关闭
type sharedEventBus struct{ *eventbusredis.Store }

func (sharedEventBus) Close() error { return nil }

type sharedQueue struct{ *queueredis.Store }

func (sharedQueue) Close() error { return nil }
