// Package queue 消息队列类型定义
package queue

import (
	"time"
)

// ============================================================================
// 消息类型
// ============================================================================

// RunMessage Run 工作项
//
// 包含执行所需的全部输入，worker 无需回查 Job。
// Credential 只在队列中传递，不写入数据库。
type RunMessage struct {
	ID         string    `json:"-"` // 队列消息 ID，仅消费时有值
	Consumer   string    `json:"-"` // 持有该消息的消费者，仅消费时有值
	RunID      string    `json:"run_id"`
	JobID      string    `json:"job_id"`
	RunNumber  int       `json:"run_number"`
	Attempt    int       `json:"attempt"`
	TaskPath   string    `json:"task_path"`
	OutputDir  string    `json:"output_dir"`
	Harness    string    `json:"harness"`
	Model      string    `json:"model"`
	Credential string    `json:"credential"`
	CreatedAt  time.Time `json:"created_at"`
}

// NextAttempt 返回下一次执行尝试的消息副本
func (m *RunMessage) NextAttempt() *RunMessage {
	next := *m
	next.ID = ""
	next.Consumer = ""
	next.Attempt = m.Attempt + 1
	next.CreatedAt = time.Now()
	return &next
}

// Stats 队列统计
type Stats struct {
	Length    int64 `json:"length"`    // 工作流中的消息数
	Pending   int64 `json:"pending"`   // 已投递未确认的消息数
	Delayed   int64 `json:"delayed"`   // 等待重试的消息数
	Consumers int64 `json:"consumers"` // 消费者组内的消费者数
}

// Backlog 尚未完成的工作项数量
func (s *Stats) Backlog() int64 {
	return s.Length + s.Delayed
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// KeyRunsPending 工作流 - 存放待执行的 Run
	KeyRunsPending = "runs:pending"

	// KeyRunsRetry 延迟重试集合（按到期时间排序）
	KeyRunsRetry = "runs:retry"

	// WorkerConsumerGroup 消费者组
	WorkerConsumerGroup = "workers"

	// MaxStreamLength 工作流近似最大长度
	MaxStreamLength = 10000
)
