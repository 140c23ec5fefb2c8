// Package eventbus 事件总线 mock 实现
package eventbus

import (
	"context"
	"fmt"
	"sync"
)

// ============================================================================
// NoOpEventBus - 空操作的 EventBus 实现（未配置 Redis 时使用）
// ============================================================================

// NoOpEventBus 是一个不做任何操作的 EventBus 实现
type NoOpEventBus struct{}

// NewNoOpEventBus 创建 NoOpEventBus 实例
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// Close 关闭事件总线
func (e *NoOpEventBus) Close() error {
	return nil
}

func (e *NoOpEventBus) PublishJobEvent(ctx context.Context, event *JobEvent) error {
	return nil
}
func (e *NoOpEventBus) GetJobEvents(ctx context.Context, jobID string, fromID string, count int64) ([]*JobEvent, error) {
	return []*JobEvent{}, nil
}
func (e *NoOpEventBus) GetJobEventCount(ctx context.Context, jobID string) (int64, error) {
	return 0, nil
}
func (e *NoOpEventBus) SubscribeJobEvents(ctx context.Context, jobID string) (<-chan *JobEvent, error) {
	ch := make(chan *JobEvent)
	close(ch)
	return ch, nil
}
func (e *NoOpEventBus) DeleteJobEvents(ctx context.Context, jobID string) error {
	return nil
}

// 确保 NoOpEventBus 实现了 EventBus 接口
var _ EventBus = (*NoOpEventBus)(nil)

// ============================================================================
// MemoryEventBus - 进程内记录事件（测试与单机模式）
// ============================================================================

// MemoryEventBus 在内存中按 Job 保存事件，不支持实时订阅
type MemoryEventBus struct {
	mu     sync.Mutex
	events map[string][]*JobEvent
}

// NewMemoryEventBus 创建 MemoryEventBus 实例
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{events: make(map[string][]*JobEvent)}
}

func (e *MemoryEventBus) Close() error { return nil }

func (e *MemoryEventBus) PublishJobEvent(ctx context.Context, event *JobEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	stored := *event
	list := e.events[event.JobID]
	stored.Seq = len(list) + 1
	stored.ID = fmt.Sprintf("%d-0", stored.Seq)
	e.events[event.JobID] = append(list, &stored)
	return nil
}

func (e *MemoryEventBus) GetJobEvents(ctx context.Context, jobID string, fromID string, count int64) ([]*JobEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*JobEvent, 0, len(e.events[jobID]))
	for _, ev := range e.events[jobID] {
		cp := *ev
		out = append(out, &cp)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (e *MemoryEventBus) GetJobEventCount(ctx context.Context, jobID string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.events[jobID])), nil
}

func (e *MemoryEventBus) SubscribeJobEvents(ctx context.Context, jobID string) (<-chan *JobEvent, error) {
	ch := make(chan *JobEvent)
	close(ch)
	return ch, nil
}

func (e *MemoryEventBus) DeleteJobEvents(ctx context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.events, jobID)
	return nil
}

// Types 返回某个 Job 的事件类型序列
func (e *MemoryEventBus) Types(jobID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var types []string
	for _, ev := range e.events[jobID] {
		types = append(types, ev.Type)
	}
	return types
}

var _ EventBus = (*MemoryEventBus)(nil)
