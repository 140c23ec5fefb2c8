// Package queue 内存队列实现
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrClosed 队列已关闭
var ErrClosed = errors.New("queue closed")

// ============================================================================
// MemoryQueue - 进程内 Queue 实现（用于测试和单机模式）
// ============================================================================

// MemoryQueue 是 Queue 的进程内实现
//
// 语义与 Redis 实现一致：消费后进入 pending，Ack 后移除；
// 空闲过久的 pending 可被 ReclaimStale 重新认领；
// 延迟重试在 PromoteDueRetries 时回到工作队列。
type MemoryQueue struct {
	mu        sync.Mutex
	seq       int64
	delivered int64
	ready     []*RunMessage
	pending   map[string]*pendingRun
	delayed   []delayedRun
	consumers map[string]struct{}
	notify    chan struct{}
	closed    bool
}

// pendingRun 已投递未确认的消息
type pendingRun struct {
	msg       *RunMessage
	seq       int64
	deliverAt time.Time
}

type delayedRun struct {
	at  time.Time
	msg *RunMessage
}

// NewMemoryQueue 创建 MemoryQueue 实例
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending:   make(map[string]*pendingRun),
		consumers: make(map[string]struct{}),
		notify:    make(chan struct{}, 1),
	}
}

// Close 关闭队列
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *MemoryQueue) EnqueueRun(ctx context.Context, msg *RunMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	return q.pushLocked(msg), nil
}

func (q *MemoryQueue) pushLocked(msg *RunMessage) string {
	q.seq++
	m := *msg
	m.ID = fmt.Sprintf("%d-0", q.seq)
	m.Consumer = ""
	q.ready = append(q.ready, &m)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return m.ID
}

func (q *MemoryQueue) CreateConsumerGroup(ctx context.Context) error {
	return nil
}

func (q *MemoryQueue) ConsumeRuns(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*RunMessage, error) {
	if count <= 0 {
		count = 1
	}
	deadline := time.NewTimer(blockTimeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.consumers[consumerID] = struct{}{}
		if len(q.ready) > 0 {
			n := int(count)
			if n > len(q.ready) {
				n = len(q.ready)
			}
			batch := q.ready[:n]
			q.ready = q.ready[n:]
			out := make([]*RunMessage, 0, n)
			now := time.Now()
			for _, m := range batch {
				m.Consumer = consumerID
				q.delivered++
				q.pending[m.ID] = &pendingRun{msg: m, seq: q.delivered, deliverAt: now}
				cp := *m
				out = append(out, &cp)
			}
			// 仍有剩余时唤醒其他消费者
			if len(q.ready) > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return out, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) AckRun(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, messageID)
	return nil
}

// ReclaimStale 按投递顺序认领空闲超过 minIdle 的 pending 消息
func (q *MemoryQueue) ReclaimStale(ctx context.Context, consumerID string, minIdle time.Duration, count int64) ([]*RunMessage, error) {
	if count <= 0 {
		count = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	q.consumers[consumerID] = struct{}{}

	now := time.Now()
	stale := make([]*pendingRun, 0)
	for _, p := range q.pending {
		if now.Sub(p.deliverAt) >= minIdle {
			stale = append(stale, p)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].seq < stale[j].seq })
	if int64(len(stale)) > count {
		stale = stale[:count]
	}

	out := make([]*RunMessage, 0, len(stale))
	for _, p := range stale {
		p.deliverAt = now
		p.msg.Consumer = consumerID
		cp := *p.msg
		out = append(out, &cp)
	}
	return out, nil
}

// Touch 重置 pending 消息的空闲时间
func (q *MemoryQueue) Touch(ctx context.Context, consumerID, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.pending[messageID]; ok {
		p.deliverAt = time.Now()
		p.msg.Consumer = consumerID
	}
	return nil
}

func (q *MemoryQueue) ScheduleRetry(ctx context.Context, msg *RunMessage, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	m := *msg
	m.ID = ""
	m.Consumer = ""
	q.delayed = append(q.delayed, delayedRun{at: at, msg: &m})
	sort.SliceStable(q.delayed, func(i, j int) bool { return q.delayed[i].at.Before(q.delayed[j].at) })
	return nil
}

func (q *MemoryQueue) PromoteDueRetries(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for len(q.delayed) > 0 && !q.delayed[0].at.After(now) {
		q.pushLocked(q.delayed[0].msg)
		q.delayed = q.delayed[1:]
		n++
	}
	return n, nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &Stats{
		Length:    int64(len(q.ready)),
		Pending:   int64(len(q.pending)),
		Delayed:   int64(len(q.delayed)),
		Consumers: int64(len(q.consumers)),
	}, nil
}

// 确保 MemoryQueue 实现了 Queue 接口
var _ Queue = (*MemoryQueue)(nil)
