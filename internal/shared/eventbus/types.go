// Package eventbus 事件总线类型定义
package eventbus

import (
	"time"
)

// ============================================================================
// 事件类型
// ============================================================================

// 事件类型常量
const (
	EventRunStarted        = "run.started"
	EventRunCompleted      = "run.completed"
	EventRunFailed         = "run.failed"
	EventRunRetryScheduled = "run.retry_scheduled"
	EventJobCompleted      = "job.completed"
)

// JobEvent Job 生命周期事件
type JobEvent struct {
	ID        string                 `json:"id"`
	JobID     string                 `json:"job_id"`
	RunID     string                 `json:"run_id,omitempty"`
	Seq       int                    `json:"seq"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewJobEvent 构造事件，时间戳取当前时间
func NewJobEvent(jobID, runID, eventType string, data map[string]interface{}) *JobEvent {
	return &JobEvent{
		JobID:     jobID,
		RunID:     runID,
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// KeyJobEvents Job 事件流前缀
	KeyJobEvents = "job_events:"

	// MaxStreamLength 单个事件流近似最大长度
	MaxStreamLength = 1000
)
