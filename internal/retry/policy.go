// Package retry 决定失败的执行尝试是否重新排队
//
// 只有 KindTransient 的失败会重试，其余类别视为确定性失败。
// MaxRetries 是首次执行之外的重试次数，默认 3 即最多执行 4 次。
// 延迟固定（backoff.ConstantBackOff），不随尝试次数增长。
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"bench-runner/internal/config"
	"bench-runner/internal/shared/apperr"
)

const (
	DefaultMaxRetries = 3
	DefaultDelay      = 60 * time.Second
)

// Policy 重试策略
type Policy struct {
	MaxRetries int
	backoff    backoff.BackOff
}

// Decision 重试决策
type Decision struct {
	Retry bool
	Delay time.Duration
	Kind  apperr.Kind
}

// NewPolicy 创建固定间隔的重试策略，非正参数使用默认值
func NewPolicy(maxRetries int, delay time.Duration) *Policy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Policy{
		MaxRetries: maxRetries,
		backoff:    backoff.NewConstantBackOff(delay),
	}
}

// FromConfig 从 worker 配置创建重试策略
func FromConfig(cfg config.WorkerConfig) *Policy {
	return NewPolicy(cfg.MaxRetries, cfg.RetryDelay)
}

// Decide 根据失败类别与刚失败的尝试序号（从 1 开始）做出决策
//
// 尝试序号不超过 MaxRetries 时还有重试额度。
func (p *Policy) Decide(kind apperr.Kind, attempt int) Decision {
	d := Decision{Kind: kind}
	if kind != apperr.KindTransient || attempt > p.MaxRetries {
		return d
	}
	d.Retry = true
	d.Delay = p.backoff.NextBackOff()
	return d
}

// DecideErr 对错误分类后做出决策
func (p *Policy) DecideErr(err error, attempt int) Decision {
	return p.Decide(apperr.KindOf(err), attempt)
}

// Delay 返回重试间隔（也用于领取失败时重新排队同一次尝试）
func (p *Policy) Delay() time.Duration {
	return p.backoff.NextBackOff()
}
