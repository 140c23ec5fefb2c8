// Package model 定义核心数据模型
//
// status.go 包含 Job / Run 的状态枚举与状态机：
//   - JobStatus / RunStatus：状态枚举
//   - runTransitions：Run 合法迁移表
//   - ValidateRunTransition / ValidateJobTransition：迁移校验
package model

import (
	"fmt"

	"bench-runner/internal/shared/apperr"
)

// ============================================================================
// RunStatus - Run 状态
// ============================================================================

// RunStatus 表示单次执行（Run）的状态
//
// 生命周期严格单调：
//
//	pending → running → completed / failed
//
// 唯一的例外是重试：已记录为 failed 且排定了重试的 Run，
// 可以由下一次执行尝试重新领取为 running（见 RunStart）。
type RunStatus string

const (
	// RunStatusPending 已创建，等待 worker 领取
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning 某个 worker 正在执行
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted 得到了有效结果（total > 0）
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed 执行失败
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal 是否为终止状态
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Valid 是否为已知状态
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// ============================================================================
// JobStatus - Job 状态
// ============================================================================

// JobStatus 表示一次提交（Job）的整体状态
//
// Job 只由 Reconciler 推进。注意 completed 的含义是"全部 Run 已结束"，
// 而不是"全部 Run 成功"：即使所有 Run 都失败，Job 也记为 completed。
// JobStatusFailed 保留给提交阶段之外的失败场景，Reconciler 不会写入它。
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal 是否为终止状态
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ============================================================================
// 状态机
// ============================================================================

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed},
	// 终止状态没有出边；failed → running 只在重试领取时由存储层单独校验
	RunStatusCompleted: {},
	RunStatusFailed:    {},
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusRunning, JobStatusCompleted, JobStatusFailed},
	JobStatusRunning:   {JobStatusCompleted, JobStatusFailed},
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// ValidateRunTransition 校验 Run 状态迁移
func ValidateRunTransition(from, to RunStatus) error {
	for _, next := range runTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: run %s -> %s", apperr.ErrInvalidTransition, from, to)
}

// ValidateJobTransition 校验 Job 状态迁移
func ValidateJobTransition(from, to JobStatus) error {
	for _, next := range jobTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: job %s -> %s", apperr.ErrInvalidTransition, from, to)
}
