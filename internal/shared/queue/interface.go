// Package queue 消息队列抽象接口
//
// 提供 Run 工作项的分发和消费能力，当前由 Redis Streams 实现，
// 测试与单机模式使用 MemoryQueue。
package queue

import (
	"context"
	"time"
)

// ============================================================================
// 队列接口定义
// ============================================================================

// RunEnqueuer 投递 Run 工作项（Dispatcher 使用）
type RunEnqueuer interface {
	// EnqueueRun 投递一个工作项，返回消息 ID
	EnqueueRun(ctx context.Context, msg *RunMessage) (string, error)
}

// RunConsumer 消费 Run 工作项（Worker 使用）
type RunConsumer interface {
	CreateConsumerGroup(ctx context.Context) error
	// ConsumeRuns 最多阻塞 blockTimeout，无消息时返回 (nil, nil)
	ConsumeRuns(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*RunMessage, error)
	// AckRun 确认消息已处理（状态提交之后调用）
	AckRun(ctx context.Context, messageID string) error
	// ReclaimStale 认领空闲超过 minIdle 的未确认消息，原持有者已退出或放弃
	ReclaimStale(ctx context.Context, consumerID string, minIdle time.Duration, count int64) ([]*RunMessage, error)
	// Touch 重置消息的空闲时间，执行期间定期调用以免被其他消费者认领
	Touch(ctx context.Context, consumerID, messageID string) error
}

// RetryScheduler 延迟重试
type RetryScheduler interface {
	// ScheduleRetry 在 at 之后重新投递 msg
	ScheduleRetry(ctx context.Context, msg *RunMessage, at time.Time) error
	// PromoteDueRetries 将到期的重试移回工作队列，返回移动的数量
	//
	// 多个 worker 并发调用时，每个到期项只会被移动一次。
	PromoteDueRetries(ctx context.Context, now time.Time) (int, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// Queue 消息队列组合接口
type Queue interface {
	RunEnqueuer
	RunConsumer
	RetryScheduler
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
