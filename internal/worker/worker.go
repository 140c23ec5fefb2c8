// Package worker 消费 Run 工作项并执行
//
// 每条消息分两个阶段处理：
//  1. 领取（StartRun）并执行 harness，执行期间不访问存储
//  2. 提交结果（FinishRun），归档产物，发布事件，调和 Job，最后确认消息
//
// 失败按 apperr.Kind 分类，由重试策略决定是否重新排队。
// 需要重试时先把 Run 记为 failed 并写入 RetryAt，再放入延迟队列。
//
// 结果无法提交时消息保持未确认，空闲超过 ClaimIdle 后被其他 worker 认领。
// 认领到的 Run 若仍停在同一次尝试的 running，记为被中断的瞬时失败。
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"bench-runner/internal/config"
	"bench-runner/internal/harness"
	"bench-runner/internal/reconciler"
	"bench-runner/internal/retry"
	"bench-runner/internal/shared/apperr"
	"bench-runner/internal/shared/eventbus"
	"bench-runner/internal/shared/model"
	"bench-runner/internal/shared/objstore"
	"bench-runner/internal/shared/queue"
	"bench-runner/internal/shared/storage"
	"bench-runner/pkg/logging"
)

// commitTries 提交结果的重试次数
const commitTries = 5

// ============================================================================
// 依赖接口
// ============================================================================

// RunExecutor 执行一次 Run（harness.Executor）
type RunExecutor interface {
	Execute(ctx context.Context, req harness.Request) *model.Outcome
}

// RunStore Worker 需要的存储能力
type RunStore interface {
	GetRun(ctx context.Context, id string) (*model.Run, error)
	StartRun(ctx context.Context, id string, start model.RunStart) error
	FinishRun(ctx context.Context, id string, result model.RunResult) error
}

// JobReconciler Job 状态调和（reconciler.Reconciler）
type JobReconciler interface {
	RunStarted(ctx context.Context, jobID string)
	RunFinished(ctx context.Context, jobID string) reconciler.Decision
}

// Options Worker 运行参数
type Options struct {
	ConsumerID      string
	Concurrency     int
	ReadTimeout     time.Duration
	PromoteInterval time.Duration
	StatsInterval   time.Duration
	ClaimIdle       time.Duration
}

// OptionsFromConfig 从配置构建运行参数
func OptionsFromConfig(cfg config.WorkerConfig) Options {
	return Options{
		ConsumerID:      cfg.ConsumerID,
		Concurrency:     cfg.Concurrency,
		ReadTimeout:     cfg.ReadTimeout,
		PromoteInterval: cfg.PromoteInterval,
		StatsInterval:   cfg.StatsInterval,
		ClaimIdle:       cfg.ClaimIdle,
	}
}

// Deps Worker 依赖
type Deps struct {
	Store      RunStore
	Queue      queue.Queue
	Executor   RunExecutor
	Reconciler JobReconciler
	Policy     *retry.Policy
	Events     eventbus.JobEventPublisher // 可为 nil
	Uploader   objstore.ArtifactUploader  // 可为 nil，表示不归档
	Metrics    *Metrics                   // 可为 nil
	Logger     *logging.Logger
}

// Worker Run 消费者
type Worker struct {
	opts       Options
	store      RunStore
	queue      queue.Queue
	executor   RunExecutor
	reconciler JobReconciler
	policy     *retry.Policy
	events     eventbus.JobEventPublisher
	uploader   objstore.ArtifactUploader
	metrics    *Metrics
	log        *logging.Logger

	now           func() time.Time
	commitBackOff func() backoff.BackOff
}

// New 创建 Worker
func New(deps Deps, opts Options) *Worker {
	if opts.ConsumerID == "" {
		host, _ := os.Hostname()
		opts.ConsumerID = fmt.Sprintf("worker-%s-%d", host, os.Getpid())
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = 5 * time.Second
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 15 * time.Second
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = 10 * time.Minute
	}
	policy := deps.Policy
	if policy == nil {
		policy = retry.NewPolicy(0, 0)
	}
	events := deps.Events
	if events == nil {
		events = eventbus.NewNoOpEventBus()
	}
	log := deps.Logger
	if log == nil {
		log = logging.Default("worker")
	}

	return &Worker{
		opts:       opts,
		store:      deps.Store,
		queue:      deps.Queue,
		executor:   deps.Executor,
		reconciler: deps.Reconciler,
		policy:     policy,
		events:     events,
		uploader:   deps.Uploader,
		metrics:    deps.Metrics,
		log:        log.WithWorkerID(opts.ConsumerID),
		now:        func() time.Time { return time.Now().UTC() },
		commitBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

// ============================================================================
// 生命周期
// ============================================================================

// Run 启动消费者、重试搬运与队列统计，阻塞直到 ctx 取消且在途的 Run 处理完毕
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.CreateConsumerGroup(ctx); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	w.log.Info("[worker.started]", "concurrency", w.opts.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		consumerID := w.opts.ConsumerID
		if w.opts.Concurrency > 1 {
			consumerID = fmt.Sprintf("%s-%d", w.opts.ConsumerID, i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx, consumerID)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.promoteLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.statsLoop(ctx)
	}()

	wg.Wait()
	w.log.Info("[worker.stopped]")
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, consumerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := w.fetch(ctx, consumerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).Warn("[worker.consume_failed]", "consumer", consumerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			_ = w.HandleMessage(ctx, msg)
		}
	}
}

// fetch 优先接管空闲过久的 pending 消息，没有时再读取新消息
func (w *Worker) fetch(ctx context.Context, consumerID string) ([]*queue.RunMessage, error) {
	msgs, err := w.queue.ReclaimStale(ctx, consumerID, w.opts.ClaimIdle, 1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		w.log.WithError(err).Warn("[worker.reclaim_failed]", "consumer", consumerID)
	} else if len(msgs) > 0 {
		w.log.Info("[worker.reclaimed]", "consumer", consumerID, "run_id", msgs[0].RunID, "attempt", msgs[0].Attempt)
		return msgs, nil
	}
	return w.queue.ConsumeRuns(ctx, consumerID, 1, w.opts.ReadTimeout)
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.PromoteDueRetries(ctx, w.now())
			if err != nil {
				if ctx.Err() == nil {
					w.log.WithError(err).Warn("[worker.promote_failed]")
				}
				continue
			}
			if n > 0 {
				w.log.Info("[worker.retries_promoted]", "count", n)
			}
		}
	}
}

func (w *Worker) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := w.queue.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.log.WithError(err).Warn("[worker.stats_failed]")
				}
				continue
			}
			if w.metrics != nil {
				w.metrics.SetQueueStats(stats)
			}
			w.log.Debug("[worker.queue_stats]",
				"length", stats.Length, "pending", stats.Pending,
				"delayed", stats.Delayed, "consumers", stats.Consumers)
		}
	}
}

// ============================================================================
// 消息处理
// ============================================================================

// HandleMessage 处理一条工作项
//
// 返回 error 表示消息未被确认（Run 状态未能落库），其余情况都已确认。
func (w *Worker) HandleMessage(ctx context.Context, msg *queue.RunMessage) error {
	log := w.log.WithJobID(msg.JobID).WithRunID(msg.RunID)

	// 阶段一：领取
	startedAt := w.now()
	if err := w.store.StartRun(ctx, msg.RunID, model.RunStart{Attempt: msg.Attempt, StartedAt: startedAt}); err != nil {
		return w.handleClaimError(ctx, log, msg, err)
	}
	// 已领取的执行不随 worker 关闭而中断
	execCtx := context.WithoutCancel(ctx)
	defer w.keepClaimed(execCtx, log, msg)()

	w.reconciler.RunStarted(ctx, msg.JobID)
	w.publish(ctx, msg, eventbus.EventRunStarted, map[string]interface{}{
		"attempt":    msg.Attempt,
		"run_number": msg.RunNumber,
	})
	log.RunLog("started", msg.JobID, msg.RunID, msg.Attempt, "run_number", msg.RunNumber)
	if w.metrics != nil {
		w.metrics.RecordRunStart()
	}

	outcome := w.executor.Execute(execCtx, harness.Request{
		RunID:      msg.RunID,
		JobID:      msg.JobID,
		RunNumber:  msg.RunNumber,
		Attempt:    msg.Attempt,
		TaskPath:   msg.TaskPath,
		OutputDir:  msg.OutputDir,
		Harness:    msg.Harness,
		Model:      msg.Model,
		Credential: msg.Credential,
	})

	// 阶段二：提交
	completedAt := w.now()
	result, decision := w.resultFor(outcome, msg.Attempt, completedAt)
	result, err := w.commit(execCtx, log, msg.RunID, result)
	if err != nil {
		log.WithError(err).Error("[worker.commit_failed]", "attempt", msg.Attempt)
		// 退化为不带计数与日志的 failed 再写一次
		outcome = unsettledOutcome(fmt.Sprintf("result could not be committed: %v", err), apperr.KindOf(err), outcome.ResultPath)
		result, decision = w.resultFor(outcome, msg.Attempt, completedAt)
		result.TestsPassed, result.TestsTotal = nil, nil
		if serr := w.store.FinishRun(execCtx, msg.RunID, result); serr != nil {
			log.WithError(serr).Error("[worker.commit_fallback_failed]", "attempt", msg.Attempt)
			if w.metrics != nil {
				w.metrics.RecordRunFinish("commit_failed", completedAt.Sub(startedAt))
			}
			return err
		}
	}

	w.finalize(execCtx, log, msg, outcome, result, decision, completedAt.Sub(startedAt))
	return nil
}

// resultFor 生成要写入的终止结果，失败时按策略决定是否带 RetryAt
func (w *Worker) resultFor(outcome *model.Outcome, attempt int, completedAt time.Time) (model.RunResult, retry.Decision) {
	result := outcome.Result(completedAt)
	var decision retry.Decision
	if outcome.Status == model.RunStatusFailed {
		decision = w.policy.Decide(outcome.ErrorKind, attempt)
		if decision.Retry {
			retryAt := completedAt.Add(decision.Delay)
			result.RetryAt = &retryAt
		}
	}
	return result, decision
}

// unsettledOutcome 执行结果没能落库时使用的 failed 结果
func unsettledOutcome(reason string, kind apperr.Kind, resultPath string) *model.Outcome {
	return &model.Outcome{
		Status:     model.RunStatusFailed,
		Format:     model.FormatNone,
		Error:      reason,
		ErrorKind:  kind,
		ResultPath: resultPath,
	}
}

// finalize 终止结果落库之后：排定重试，归档，发布事件，调和 Job，确认消息
func (w *Worker) finalize(ctx context.Context, log *logging.Logger, msg *queue.RunMessage, outcome *model.Outcome, result model.RunResult, decision retry.Decision, elapsed time.Duration) {
	status := string(result.Status)
	if result.RetryAt == nil {
		decision.Retry = false
	}
	if decision.Retry {
		status = "retry_scheduled"
		if err := w.scheduleRetry(ctx, log, msg, *result.RetryAt); err != nil {
			decision.Retry = false
			status = string(model.RunStatusFailed)
		} else if w.metrics != nil {
			w.metrics.RecordRetry(string(decision.Kind))
		}
	}
	if w.metrics != nil {
		w.metrics.RecordRunFinish(status, elapsed)
	}

	w.archive(ctx, log, msg, outcome)
	w.publishOutcome(ctx, msg, outcome, result, decision)
	log.RunLog(status, msg.JobID, msg.RunID, msg.Attempt,
		"passed", outcome.Passed, "total", outcome.Total, "error_kind", outcome.ErrorKind)

	if !decision.Retry {
		if w.reconciler.RunFinished(ctx, msg.JobID) == reconciler.Completed {
			w.publish(ctx, msg, eventbus.EventJobCompleted, nil)
		}
	}

	w.ack(ctx, log, msg)
}

// handleClaimError 领取失败
//
//   - Run 仍停在本次尝试的 running：上次处理中断，按瞬时失败终结
//   - 其他状态冲突（重复投递）：确认并丢弃
//   - 瞬时故障：重新排队同一次尝试
func (w *Worker) handleClaimError(ctx context.Context, log *logging.Logger, msg *queue.RunMessage, err error) error {
	if errors.Is(err, storage.ErrInvalidTransition) {
		if recovered, rerr := w.recoverInterrupted(ctx, log, msg); recovered {
			return rerr
		}
	}

	if !apperr.IsRetryable(err) {
		log.WithError(err).Warn("[worker.claim_rejected]", "attempt", msg.Attempt)
		w.ack(ctx, log, msg)
		return nil
	}

	at := w.now().Add(w.policy.Delay())
	if serr := w.queue.ScheduleRetry(ctx, msg, at); serr != nil {
		log.WithError(serr).Error("[worker.claim_requeue_failed]", "attempt", msg.Attempt)
		return serr
	}
	log.WithError(err).Warn("[worker.claim_requeued]", "attempt", msg.Attempt, "retry_at", at)
	w.ack(ctx, log, msg)
	return nil
}

// recoverInterrupted 接管一次没有落库就中断的尝试
//
// 只处理 status=running 且 attempt 与消息一致的 Run。返回 false 表示不适用。
// 终结失败时消息保持未确认，等待下次认领。
func (w *Worker) recoverInterrupted(ctx context.Context, log *logging.Logger, msg *queue.RunMessage) (bool, error) {
	run, err := w.store.GetRun(ctx, msg.RunID)
	if err != nil || run == nil {
		return false, nil
	}
	if run.Status != model.RunStatusRunning || run.Attempt != msg.Attempt {
		return false, nil
	}

	execCtx := context.WithoutCancel(ctx)
	now := w.now()
	outcome := unsettledOutcome(
		fmt.Sprintf("attempt %d was interrupted before its result was committed", msg.Attempt),
		apperr.KindTransient, "")
	result, decision := w.resultFor(outcome, msg.Attempt, now)
	result.TestsPassed, result.TestsTotal = nil, nil
	if err := w.store.FinishRun(execCtx, msg.RunID, result); err != nil {
		log.WithError(err).Error("[worker.recover_failed]", "attempt", msg.Attempt)
		return true, err
	}
	log.Warn("[worker.attempt_recovered]", "attempt", msg.Attempt, "retry", decision.Retry)

	elapsed := time.Duration(0)
	if run.StartedAt != nil {
		elapsed = now.Sub(*run.StartedAt)
	}
	if w.metrics != nil {
		w.metrics.RecordRunStart()
	}
	w.finalize(execCtx, log, msg, outcome, result, decision, elapsed)
	return true, nil
}

// keepClaimed 执行期间定期刷新消息的空闲时间，返回停止函数
func (w *Worker) keepClaimed(ctx context.Context, log *logging.Logger, msg *queue.RunMessage) func() {
	if msg.ID == "" || msg.Consumer == "" {
		return func() {}
	}
	interval := w.opts.ClaimIdle / 3
	if interval <= 0 {
		interval = w.opts.ClaimIdle
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.queue.Touch(ctx, msg.Consumer, msg.ID); err != nil {
					log.WithError(err).Warn("[worker.touch_failed]", "message_id", msg.ID)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// commit 写入终止结果，瞬时错误按指数退避重试，返回实际写入的结果
//
// 结果违反不变量时改为写入 failed，不带测试计数。
func (w *Worker) commit(ctx context.Context, log *logging.Logger, runID string, result model.RunResult) (model.RunResult, error) {
	op := func() (struct{}, error) {
		err := w.store.FinishRun(ctx, runID, result)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, storage.ErrInvalidResult):
			log.WithError(err).Warn("[worker.invalid_result]")
			result = invalidResultFallback(result, err)
			return struct{}{}, err
		case apperr.IsRetryable(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(w.commitBackOff()),
		backoff.WithMaxTries(commitTries),
	)
	return result, err
}

// invalidResultFallback 将不一致的结果降级为不带计数的 failed
func invalidResultFallback(result model.RunResult, cause error) model.RunResult {
	msg := fmt.Sprintf("invalid result: %v", cause)
	return model.RunResult{
		Status:      model.RunStatusFailed,
		Logs:        result.Logs,
		Episodes:    result.Episodes,
		ResultPath:  result.ResultPath,
		Error:       &msg,
		CompletedAt: result.CompletedAt,
	}
}

// scheduleRetry 放入延迟队列
//
// 多次失败时以下一次尝试领取并终结该 Run，避免它永远停在等待重试状态。
func (w *Worker) scheduleRetry(ctx context.Context, log *logging.Logger, msg *queue.RunMessage, at time.Time) error {
	next := msg.NextAttempt()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.queue.ScheduleRetry(ctx, next, at)
	}, backoff.WithBackOff(w.commitBackOff()), backoff.WithMaxTries(commitTries))
	if err == nil {
		log.Info("[worker.retry_scheduled]", "next_attempt", next.Attempt, "retry_at", at)
		return nil
	}

	log.WithError(err).Error("[worker.retry_schedule_failed]", "next_attempt", next.Attempt)
	now := w.now()
	if serr := w.store.StartRun(ctx, msg.RunID, model.RunStart{Attempt: next.Attempt, StartedAt: now}); serr != nil {
		log.WithError(serr).Error("[worker.retry_settle_failed]")
		return err
	}
	reason := fmt.Sprintf("retry could not be scheduled: %v", err)
	if serr := w.store.FinishRun(ctx, msg.RunID, model.RunResult{
		Status:      model.RunStatusFailed,
		Error:       &reason,
		CompletedAt: now,
	}); serr != nil {
		log.WithError(serr).Error("[worker.retry_settle_failed]")
	}
	return err
}

// archive 归档 trial 产物，失败只记录日志
func (w *Worker) archive(ctx context.Context, log *logging.Logger, msg *queue.RunMessage, outcome *model.Outcome) {
	if w.uploader == nil {
		return
	}
	a := objstore.RunArtifacts{
		JobID:     msg.JobID,
		RunNumber: msg.RunNumber,
		TrialDir:  outcome.ResultPath,
	}
	if p := harness.OverflowLogPath(msg.OutputDir, msg.RunNumber); fileExists(p) {
		a.FullLog = p
	}
	keys, err := objstore.ArchiveRun(ctx, w.uploader, a)
	if err != nil {
		log.WithError(err).Warn("[worker.archive_failed]", "uploaded", len(keys))
		return
	}
	if len(keys) > 0 {
		log.Debug("[worker.archived]", "keys", len(keys))
	}
}

func (w *Worker) publishOutcome(ctx context.Context, msg *queue.RunMessage, outcome *model.Outcome, result model.RunResult, decision retry.Decision) {
	data := map[string]interface{}{
		"attempt":    msg.Attempt,
		"run_number": msg.RunNumber,
		"passed":     outcome.Passed,
		"total":      outcome.Total,
		"format":     string(outcome.Format),
	}
	eventType := eventbus.EventRunCompleted
	if result.Status == model.RunStatusFailed {
		eventType = eventbus.EventRunFailed
		if result.Error != nil {
			data["error"] = *result.Error
		}
		data["error_kind"] = string(outcome.ErrorKind)
		if decision.Retry && result.RetryAt != nil {
			eventType = eventbus.EventRunRetryScheduled
			data["retry_at"] = result.RetryAt.Format(time.RFC3339)
		}
	}
	w.publish(ctx, msg, eventType, data)
}

// publish 发布生命周期事件，失败只记录日志
func (w *Worker) publish(ctx context.Context, msg *queue.RunMessage, eventType string, data map[string]interface{}) {
	if err := w.events.PublishJobEvent(ctx, eventbus.NewJobEvent(msg.JobID, msg.RunID, eventType, data)); err != nil {
		w.log.WithJobID(msg.JobID).WithError(err).Warn("[worker.publish_failed]", "type", eventType)
	}
}

func (w *Worker) ack(ctx context.Context, log *logging.Logger, msg *queue.RunMessage) {
	if msg.ID == "" {
		return
	}
	if err := w.queue.AckRun(ctx, msg.ID); err != nil {
		log.WithError(err).Warn("[worker.ack_failed]", "message_id", msg.ID)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
