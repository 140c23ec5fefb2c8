// Package model 定义核心数据模型
//
// run.go 包含执行相关的数据模型定义：
//   - Run：Job 的单次隔离执行
//   - Episode：agent 交互记录
//   - RunStart / RunResult：按迁移划分的类型化部分更新
package model

import (
	"time"

	"bench-runner/internal/shared/apperr"
)

// ============================================================================
// Run - 执行实例
// ============================================================================

// Run 表示 Job 的一次隔离执行
//
// 一个 Job 拥有 1..N 个 Run，RunNumber 在 Job 内唯一。
// Run 由 Dispatcher 以 pending 创建，之后只由领取它的 worker 修改。
//
// 字段说明：
//   - Attempt：已开始的执行尝试次数，首次领取前为 0
//   - TestsPassed / TestsTotal：同时存在时 passed ≤ total
//   - Logs：有界日志文本，超长部分写入辅助文件
//   - RetryAt：failed 且已排定重试时非空，重试领取后清空
type Run struct {
	ID          string     `json:"id" db:"id"`
	JobID       string     `json:"job_id" db:"job_id"`
	RunNumber   int        `json:"run_number" db:"run_number"`
	Status      RunStatus  `json:"status" db:"status"`
	Attempt     int        `json:"attempt" db:"attempt"`
	TestsPassed *int       `json:"tests_passed,omitempty" db:"tests_passed"`
	TestsTotal  *int       `json:"tests_total,omitempty" db:"tests_total"`
	Logs        *string    `json:"logs,omitempty" db:"logs"`
	Episodes    []Episode  `json:"episodes,omitempty" db:"episodes"`
	ResultPath  *string    `json:"result_path,omitempty" db:"result_path"`
	Error       *string    `json:"error,omitempty" db:"error"`
	RetryAt     *time.Time `json:"retry_at,omitempty" db:"retry_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal 判断 Run 是否处于终止状态
func (r *Run) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// IsSettled 判断 Run 是否已最终结束
//
// failed 但已排定重试的 Run 还会再执行一次，不算结束。
func (r *Run) IsSettled() bool {
	return r.Status.IsTerminal() && r.RetryAt == nil
}

// AwaitingRetry 判断 Run 是否在等待重试
func (r *Run) AwaitingRetry() bool {
	return r.Status == RunStatusFailed && r.RetryAt != nil
}

// Episode 一轮 agent 交互
type Episode struct {
	Index      int      `json:"index"`
	Transcript string   `json:"transcript,omitempty"`
	Analysis   string   `json:"analysis,omitempty"`
	Commands   []string `json:"commands,omitempty"`
}

// ============================================================================
// 类型化部分更新
// ============================================================================

// RunStart 领取 Run 时允许写入的字段
//
// Attempt 必须等于当前 attempt+1：首次领取要求 pending，
// 重试领取要求 failed 且 RetryAt 非空。
type RunStart struct {
	Attempt   int
	StartedAt time.Time
}

// RunResult Run 进入终止状态时允许写入的字段
type RunResult struct {
	Status      RunStatus
	TestsPassed *int
	TestsTotal  *int
	Logs        *string
	Episodes    []Episode
	ResultPath  *string
	Error       *string
	CompletedAt time.Time
	// RetryAt 仅在 failed 时可设置，表示已排定下一次执行尝试
	RetryAt *time.Time
}

// Validate 校验结果的内部一致性
func (r *RunResult) Validate() error {
	if !r.Status.IsTerminal() {
		return apperr.Validation("run.result", "status %q is not terminal", r.Status)
	}
	if r.RetryAt != nil && r.Status != RunStatusFailed {
		return apperr.Validation("run.result", "retry_at requires failed status")
	}
	if r.TestsPassed != nil && *r.TestsPassed < 0 {
		return apperr.Validation("run.result", "tests_passed is negative")
	}
	if r.TestsTotal != nil && *r.TestsTotal < 0 {
		return apperr.Validation("run.result", "tests_total is negative")
	}
	if r.TestsPassed != nil && r.TestsTotal != nil && *r.TestsPassed > *r.TestsTotal {
		return apperr.Validation("run.result", "tests_passed %d exceeds tests_total %d", *r.TestsPassed, *r.TestsTotal)
	}
	return nil
}
