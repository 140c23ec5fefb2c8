// Package eventbus 事件总线抽象接口
//
// 提供 Job 生命周期事件的发布/订阅能力，当前由 Redis Streams 实现。
// 事件只用于观测，发布失败不影响 Run/Job 状态。
package eventbus

import (
	"context"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// JobEventPublisher 发布 Job 事件（Worker / Reconciler 使用）
type JobEventPublisher interface {
	PublishJobEvent(ctx context.Context, event *JobEvent) error
}

// JobEventReader 读取 Job 事件（API 使用）
type JobEventReader interface {
	GetJobEvents(ctx context.Context, jobID string, fromID string, count int64) ([]*JobEvent, error)
	GetJobEventCount(ctx context.Context, jobID string) (int64, error)
	SubscribeJobEvents(ctx context.Context, jobID string) (<-chan *JobEvent, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// EventBus 事件总线组合接口
type EventBus interface {
	JobEventPublisher
	JobEventReader
	DeleteJobEvents(ctx context.Context, jobID string) error
	Close() error
}
