package model

import (
	"time"

	"bench-runner/internal/shared/apperr"
)

// ResultFormat 结果产物的编码格式
type ResultFormat string

const (
	// FormatStructured verifier/ctrf.json 结构化测试报告
	FormatStructured ResultFormat = "structured"
	// FormatReward verifier/reward.txt 单值奖励
	FormatReward ResultFormat = "reward"
	// FormatNone 没有可用结果
	FormatNone ResultFormat = "none"
)

// TestDetail 单个测试用例的结果
type TestDetail struct {
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Duration float64 `json:"duration,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// Outcome 一次执行尝试的归一化结果（不持久化）
//
// Error 仅在 Failed 时出现；ErrorKind 供重试策略使用。
type Outcome struct {
	Status     RunStatus    `json:"status"`
	Passed     int          `json:"passed"`
	Total      int          `json:"total"`
	Failed     int          `json:"failed"`
	Details    []TestDetail `json:"details,omitempty"`
	Format     ResultFormat `json:"format"`
	Logs       string       `json:"logs,omitempty"`
	Episodes   []Episode    `json:"episodes,omitempty"`
	ResultPath string       `json:"result_path,omitempty"`
	Error      string       `json:"error,omitempty"`
	ErrorKind  apperr.Kind  `json:"error_kind,omitempty"`
}

// Result 将 Outcome 转换为终止状态更新
func (o *Outcome) Result(completedAt time.Time) RunResult {
	passed, total := o.Passed, o.Total
	res := RunResult{
		Status:      o.Status,
		TestsPassed: &passed,
		TestsTotal:  &total,
		Episodes:    o.Episodes,
		CompletedAt: completedAt,
	}
	if o.Logs != "" {
		logs := o.Logs
		res.Logs = &logs
	}
	if o.ResultPath != "" {
		p := o.ResultPath
		res.ResultPath = &p
	}
	if o.Error != "" {
		e := o.Error
		res.Error = &e
	}
	return res
}
