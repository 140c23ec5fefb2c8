// Package dispatcher 接收提交请求，创建 Job 与 N 个 Run 并投递工作项
//
// 顺序固定：先在一个事务中持久化 Job 和全部 Run，提交成功后才投递队列消息。
// 投递失败不做补偿，由调用方根据 PartialDispatchError 决定如何处理。
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"bench-runner/internal/config"
	"bench-runner/internal/shared/apperr"
	"bench-runner/internal/shared/model"
	"bench-runner/internal/shared/queue"
	"bench-runner/pkg/logging"
)

const (
	MinRunCount = 1
	MaxRunCount = 100
)

// JobCreator Dispatcher 需要的存储能力
type JobCreator interface {
	CreateJob(ctx context.Context, job *model.Job, runs []*model.Run) error
}

// SubmitRequest 提交请求
type SubmitRequest struct {
	TaskPath   string
	Harness    string
	Model      string
	Credential string
	RunCount   int
}

// PartialDispatchError Job 已持久化，但部分 Run 未能投递
type PartialDispatchError struct {
	JobID    string
	Enqueued int
	Failed   []int // 未投递的 run_number
	Err      error // 第一个投递错误
}

func (e *PartialDispatchError) Error() string {
	return fmt.Sprintf("job %s: %d runs enqueued, %d failed (%v): %v",
		e.JobID, e.Enqueued, len(e.Failed), e.Failed, e.Err)
}

func (e *PartialDispatchError) Unwrap() error {
	return e.Err
}

// Dispatcher 提交入口
type Dispatcher struct {
	store             JobCreator
	queue             queue.RunEnqueuer
	jobsDir           string
	defaultCredential string
	log               *logging.Logger
	now               func() time.Time
}

// New 创建 Dispatcher
func New(store JobCreator, q queue.RunEnqueuer, cfg *config.Config, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		store:             store,
		queue:             q,
		jobsDir:           cfg.Storage.JobsDir,
		defaultCredential: cfg.Harness.DefaultCredential,
		log:               log,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Submit 校验请求、持久化 Job 与 Run，然后投递 N 个工作项
//
// 校验失败返回 apperr.KindValidation，此时没有任何副作用。
// 投递阶段失败时同时返回 Job 和 *PartialDispatchError。
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	credential, err := d.validate(&req)
	if err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	jobDir, err := filepath.Abs(filepath.Join(d.jobsDir, jobID))
	if err != nil {
		return nil, fmt.Errorf("resolve job dir: %w", err)
	}

	taskName := TaskName(req.TaskPath)
	taskDir := filepath.Join(jobDir, "task")
	if err := copyTask(req.TaskPath, taskDir); err != nil {
		os.RemoveAll(jobDir)
		return nil, apperr.New(apperr.KindTransient, "dispatch.copy_task", err)
	}

	now := d.now()
	job := &model.Job{
		ID:        jobID,
		TaskName:  taskName,
		TaskPath:  taskDir,
		Harness:   model.Harness(req.Harness),
		Model:     req.Model,
		RunCount:  req.RunCount,
		Status:    model.JobStatusPending,
		CreatedAt: now,
	}
	runs := make([]*model.Run, req.RunCount)
	for i := range runs {
		runs[i] = &model.Run{
			ID:        uuid.NewString(),
			JobID:     jobID,
			RunNumber: i + 1,
			Status:    model.RunStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if err := d.store.CreateJob(ctx, job, runs); err != nil {
		os.RemoveAll(jobDir)
		return nil, fmt.Errorf("create job: %w", err)
	}

	log := d.log.WithJobID(jobID)
	log.Info("[dispatch.job_created]", "task", taskName, "harness", req.Harness, "model", req.Model, "runs", req.RunCount)

	var partial *PartialDispatchError
	for _, run := range runs {
		msg := &queue.RunMessage{
			RunID:      run.ID,
			JobID:      jobID,
			RunNumber:  run.RunNumber,
			Attempt:    1,
			TaskPath:   taskDir,
			OutputDir:  filepath.Join(jobDir, fmt.Sprintf("run_%d", run.RunNumber)),
			Harness:    req.Harness,
			Model:      req.Model,
			Credential: credential,
			CreatedAt:  now,
		}
		if _, err := d.queue.EnqueueRun(ctx, msg); err != nil {
			log.WithError(err).Error("[dispatch.enqueue_failed]", "run_number", run.RunNumber)
			if partial == nil {
				partial = &PartialDispatchError{JobID: jobID, Err: err}
			}
			partial.Failed = append(partial.Failed, run.RunNumber)
		}
	}

	if partial != nil {
		partial.Enqueued = req.RunCount - len(partial.Failed)
		return job, partial
	}
	return job, nil
}

// validate 校验请求并返回实际使用的凭据
func (d *Dispatcher) validate(req *SubmitRequest) (string, error) {
	const op = "dispatch.validate"

	if req.RunCount < MinRunCount || req.RunCount > MaxRunCount {
		return "", apperr.Validation(op, "n_runs must be between %d and %d, got %d", MinRunCount, MaxRunCount, req.RunCount)
	}
	if !model.Harness(req.Harness).Valid() {
		return "", apperr.Validation(op, "unknown harness %q", req.Harness)
	}
	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" {
		return "", apperr.Validation(op, "model is required")
	}

	credential := req.Credential
	if credential == "" {
		credential = d.defaultCredential
	}
	if credential == "" {
		return "", apperr.Validation(op, "api_key is required when no default credential is configured")
	}

	if req.TaskPath == "" {
		return "", apperr.Validation(op, "task_path is required")
	}
	info, err := os.Stat(req.TaskPath)
	if err != nil || !info.IsDir() {
		return "", apperr.Validation(op, "task_path %q is not a directory", req.TaskPath)
	}
	return credential, nil
}

// copyTask 将任务包复制到 Job 目录，执行期间不受原目录变化影响
func copyTask(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.CopyFS(dst, os.DirFS(src))
}
