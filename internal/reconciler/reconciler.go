// Package reconciler 根据 Run 的状态推导 Job 的终止状态
//
// 每当一个 Run 结束，worker 调用 RunFinished。Reconciler 读取 Job 与全部 Run，
// 所有 Run 都已最终结束时以 compare-and-set 将 Job 置为 completed。
// 并发的多个调用中恰好一个写入成功，其余得到 AlreadyTerminal。
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"bench-runner/internal/shared/apperr"
	"bench-runner/internal/shared/model"
	"bench-runner/internal/shared/storage"
	"bench-runner/pkg/logging"
)

// maxTries 冲突或瞬时错误时重新执行读-判-写的次数上限
const maxTries = 3

// Decision 一次调和的结果
type Decision string

const (
	// Completed 本次调用将 Job 置为终止状态
	Completed Decision = "completed"
	// NotReady 仍有 Run 未结束（含等待重试）
	NotReady Decision = "not_ready"
	// AlreadyTerminal Job 已由其他调用终结
	AlreadyTerminal Decision = "already_terminal"
	// GaveUp 多次重试仍失败，留待下一个结束的 Run 或人工处理
	GaveUp Decision = "gave_up"
)

// Store Reconciler 需要的存储能力
type Store interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListRunsByJob(ctx context.Context, jobID string) ([]*model.Run, error)
	UpdateJobStatus(ctx context.Context, id string, expected, next model.JobStatus, completedAt *time.Time) error
}

// Reconciler Job 状态调和器
type Reconciler struct {
	store      Store
	log        *logging.Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// New 创建 Reconciler
func New(store Store, log *logging.Logger) *Reconciler {
	return &Reconciler{
		store: store,
		log:   log,
		now:   time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
}

// RunFinished 在某个 Run 进入终止状态后调用，从不返回错误
func (r *Reconciler) RunFinished(ctx context.Context, jobID string) Decision {
	log := r.log.WithJobID(jobID)

	op := func() (Decision, error) {
		d, err := r.evaluate(ctx, jobID)
		if err == nil {
			return d, nil
		}
		if errors.Is(err, storage.ErrInvalidTransition) {
			return AlreadyTerminal, nil
		}
		if errors.Is(err, storage.ErrConflict) || apperr.IsRetryable(err) {
			log.WithError(err).Debug("[reconcile.retry]")
			return "", err
		}
		return "", backoff.Permanent(err)
	}

	d, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(maxTries),
	)
	if err != nil {
		log.WithError(err).Error("[reconcile.gave_up]")
		return GaveUp
	}
	if d == Completed {
		log.Info("[reconcile.job_completed]")
	}
	return d
}

// evaluate 一次完整的读-判-写
func (r *Reconciler) evaluate(ctx context.Context, jobID string) (Decision, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", fmt.Errorf("job %s: %w", jobID, storage.ErrNotFound)
	}
	if job.IsTerminal() {
		return AlreadyTerminal, nil
	}

	runs, err := r.store.ListRunsByJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return NotReady, nil
	}
	for _, run := range runs {
		if !run.IsSettled() {
			return NotReady, nil
		}
	}

	// 失败的 Run 不影响 Job 的终止状态
	completedAt := r.now()
	if err := r.store.UpdateJobStatus(ctx, jobID, job.Status, model.JobStatusCompleted, &completedAt); err != nil {
		return "", err
	}
	return Completed, nil
}

// RunStarted 在首个 Run 被领取时将 Job 由 pending 置为 running
//
// 尽力而为：已是 running 或已终结时静默返回。
func (r *Reconciler) RunStarted(ctx context.Context, jobID string) {
	err := r.store.UpdateJobStatus(ctx, jobID, model.JobStatusPending, model.JobStatusRunning, nil)
	if err == nil {
		r.log.WithJobID(jobID).Info("[reconcile.job_running]")
		return
	}
	if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrInvalidTransition) {
		return
	}
	r.log.WithJobID(jobID).WithError(err).Warn("[reconcile.job_running_failed]")
}
