// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在 repository/，方言与连接在 driver/
//   - 初始化时通过依赖注入传入实现
package storage

import (
	"context"
	"time"

	"bench-runner/internal/shared/model"
)

// ============================================================================
// Job 存储
// ============================================================================

// JobStore Job 存储接口
type JobStore interface {
	// CreateJob 在同一事务中创建 Job 及其全部 Run
	CreateJob(ctx context.Context, job *model.Job, runs []*model.Run) error
	// GetJob 不存在时返回 (nil, nil)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// ListJobs 按创建时间倒序分页
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, error)
	// UpdateJobStatus 以 expected 为条件更新状态（compare-and-set）
	//
	// 进入终止状态时 completedAt 必须非空。
	// 当前状态不等于 expected 时：当前为终止状态返回 ErrInvalidTransition，否则返回 ErrConflict。
	UpdateJobStatus(ctx context.Context, id string, expected, next model.JobStatus, completedAt *time.Time) error
}

// ============================================================================
// Run 存储
// ============================================================================

// RunStore Run 存储接口
type RunStore interface {
	// GetRun 不存在时返回 (nil, nil)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	// ListRunsByJob 按 run_number 升序
	ListRunsByJob(ctx context.Context, jobID string) ([]*model.Run, error)
	// StartRun 领取 Run：pending → running，或重试时 failed → running
	StartRun(ctx context.Context, id string, start model.RunStart) error
	// FinishRun 写入终止结果：running → completed / failed
	FinishRun(ctx context.Context, id string, result model.RunResult) error
}

// ============================================================================
// 组合接口
// ============================================================================

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	JobStore
	RunStore
	Close() error
}
