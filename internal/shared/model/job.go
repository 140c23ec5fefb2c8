package model

import "time"

// Harness 评测工具选择
type Harness string

const (
	HarnessHarbor   Harness = "harbor"
	HarnessTerminus Harness = "terminus"
)

// Valid 是否为已知的 harness
func (h Harness) Valid() bool {
	return h == HarnessHarbor || h == HarnessTerminus
}

// Job 一次用户提交，包含同一任务/harness/模型的 N 次独立执行
//
// CompletedAt 非空当且仅当 Status 为终止状态。
// Job 创建后只由 Reconciler 修改状态与完成时间。
type Job struct {
	ID          string     `json:"id" db:"id"`
	TaskName    string     `json:"task_name" db:"task_name"`
	TaskPath    string     `json:"task_path" db:"task_path"`
	Harness     Harness    `json:"harness" db:"harness"`
	Model       string     `json:"model" db:"model"`
	RunCount    int        `json:"run_count" db:"run_count"`
	Status      JobStatus  `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// IsTerminal 判断 Job 是否处于终止状态
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// JobSummary Job 及其全部 Run（查询接口使用）
type JobSummary struct {
	*Job
	Runs []*Run `json:"runs"`
}
