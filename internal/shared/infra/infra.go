// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Storage：持久化存储（PostgreSQL / SQLite）
//   - EventBus：事件总线（Redis Streams）
//   - Queue：Run 工作队列（Redis Streams，单机模式为内存队列）
package infra

import (
	"bench-runner/internal/shared/eventbus"
	"bench-runner/internal/shared/queue"
	"bench-runner/internal/shared/storage"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Storage 持久化存储
	Storage storage.PersistentStore

	// EventBus 事件总线
	EventBus eventbus.EventBus

	// Queue Run 工作队列
	Queue queue.Queue
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var lastErr error

	if i.Storage != nil {
		if err := i.Storage.Close(); err != nil {
			lastErr = err
		}
	}

	if i.EventBus != nil {
		if err := i.EventBus.Close(); err != nil {
			lastErr = err
		}
	}

	if i.Queue != nil {
		if err := i.Queue.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// NewMemoryInfrastructure 创建进程内基础设施（用于测试与单机模式）
func NewMemoryInfrastructure(store storage.PersistentStore) *Infrastructure {
	return &Infrastructure{
		Storage:  store,
		EventBus: eventbus.NewMemoryEventBus(),
		Queue:    queue.NewMemoryQueue(),
	}
}
