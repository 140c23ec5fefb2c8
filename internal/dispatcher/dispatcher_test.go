package dispatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bench-runner/internal/config"
	"bench-runner/internal/shared/apperr"
	"bench-runner/internal/shared/model"
	"bench-runner/internal/shared/queue"
	sqlitedriver "bench-runner/internal/shared/storage/driver/sqlite"
	"bench-runner/internal/shared/storage/repository"
	"bench-runner/pkg/logging"
)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// newTaskDir 创建一个最小任务包
func newTaskDir(t *testing.T, manifest string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "hello-world")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tests"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "instruction.md"), []byte("say hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tests", "test.sh"), []byte("#!/bin/sh\n"), 0755))
	if manifest != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "task.toml"), []byte(manifest), 0644))
	}
	return dir
}

func newTestConfig(t *testing.T) *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{JobsDir: t.TempDir()},
		Harness: config.HarnessConfig{DefaultCredential: "sk-default"},
	}
}

// flakyQueue 对指定 run_number 投递失败
type flakyQueue struct {
	*queue.MemoryQueue
	mu     sync.Mutex
	failOn map[int]bool
}

func (q *flakyQueue) EnqueueRun(ctx context.Context, msg *queue.RunMessage) (string, error) {
	q.mu.Lock()
	fail := q.failOn[msg.RunNumber]
	q.mu.Unlock()
	if fail {
		return "", errors.New("redis: connection refused")
	}
	return q.MemoryQueue.EnqueueRun(ctx, msg)
}

func drain(t *testing.T, q queue.RunConsumer) []*queue.RunMessage {
	t.Helper()
	var out []*queue.RunMessage
	for {
		msgs, err := q.ConsumeRuns(context.Background(), "test", 10, 10*time.Millisecond)
		require.NoError(t, err)
		if len(msgs) == 0 {
			return out
		}
		out = append(out, msgs...)
	}
}

// ============================================================================
// 正常提交
// ============================================================================

func TestSubmitCreatesJobRunsAndMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := queue.NewMemoryQueue()
	cfg := newTestConfig(t)
	d := New(store, q, cfg, logging.Discard("dispatcher"))

	task := newTaskDir(t, `name = "hello"`)
	job, err := d.Submit(ctx, SubmitRequest{
		TaskPath: task,
		Harness:  "harbor",
		Model:    "openai/gpt-4o",
		RunCount: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", job.TaskName)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 3, job.RunCount)
	assert.FileExists(t, filepath.Join(job.TaskPath, "instruction.md"))
	assert.FileExists(t, filepath.Join(job.TaskPath, "tests", "test.sh"))

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	runs, err := store.ListRunsByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, r := range runs {
		assert.Equal(t, i+1, r.RunNumber)
		assert.Equal(t, model.RunStatusPending, r.Status)
		assert.Equal(t, 0, r.Attempt)
	}

	msgs := drain(t, q)
	require.Len(t, msgs, 3)
	outputDirs := map[string]bool{}
	for _, m := range msgs {
		assert.Equal(t, job.ID, m.JobID)
		assert.Equal(t, 1, m.Attempt)
		assert.Equal(t, "sk-default", m.Credential)
		assert.Equal(t, job.TaskPath, m.TaskPath)
		assert.Equal(t, filepath.Dir(job.TaskPath), filepath.Dir(m.OutputDir))
		outputDirs[m.OutputDir] = true
	}
	assert.Len(t, outputDirs, 3, "each run gets its own output directory")
}

func TestSubmitRunCountBounds(t *testing.T) {
	store := newTestStore(t)
	d := New(store, queue.NewMemoryQueue(), newTestConfig(t), logging.Discard("dispatcher"))
	task := newTaskDir(t, "")

	for _, n := range []int{1, MaxRunCount} {
		_, err := d.Submit(context.Background(), SubmitRequest{TaskPath: task, Harness: "terminus", Model: "m", RunCount: n})
		assert.NoError(t, err, "n=%d", n)
	}
	for _, n := range []int{0, -1, MaxRunCount + 1} {
		_, err := d.Submit(context.Background(), SubmitRequest{TaskPath: task, Harness: "harbor", Model: "m", RunCount: n})
		require.Error(t, err, "n=%d", n)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	}
}

// ============================================================================
// 校验失败
// ============================================================================

func TestSubmitValidation(t *testing.T) {
	task := newTaskDir(t, "")
	notDir := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0644))

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"unknown harness", SubmitRequest{TaskPath: task, Harness: "other", Model: "m", RunCount: 1}},
		{"empty model", SubmitRequest{TaskPath: task, Harness: "harbor", Model: "  ", RunCount: 1}},
		{"missing task", SubmitRequest{TaskPath: filepath.Join(t.TempDir(), "nope"), Harness: "harbor", Model: "m", RunCount: 1}},
		{"task is a file", SubmitRequest{TaskPath: notDir, Harness: "harbor", Model: "m", RunCount: 1}},
		{"empty task path", SubmitRequest{Harness: "harbor", Model: "m", RunCount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			q := queue.NewMemoryQueue()
			d := New(store, q, newTestConfig(t), logging.Discard("dispatcher"))

			job, err := d.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, job)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

			jobs, err := store.ListJobs(context.Background(), 10, 0)
			require.NoError(t, err)
			assert.Empty(t, jobs)
			assert.Empty(t, drain(t, q))
		})
	}
}

func TestSubmitRequiresCredential(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Harness.DefaultCredential = ""
	d := New(newTestStore(t), queue.NewMemoryQueue(), cfg, logging.Discard("dispatcher"))

	_, err := d.Submit(context.Background(), SubmitRequest{TaskPath: newTaskDir(t, ""), Harness: "harbor", Model: "m", RunCount: 1})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	q := queue.NewMemoryQueue()
	d = New(newTestStore(t), q, cfg, logging.Discard("dispatcher"))
	_, err = d.Submit(context.Background(), SubmitRequest{TaskPath: newTaskDir(t, ""), Harness: "harbor", Model: "m", Credential: "sk-user", RunCount: 1})
	require.NoError(t, err)
	msgs := drain(t, q)
	require.Len(t, msgs, 1)
	assert.Equal(t, "sk-user", msgs[0].Credential)
}

// ============================================================================
// 部分投递
// ============================================================================

func TestSubmitPartialDispatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := &flakyQueue{MemoryQueue: queue.NewMemoryQueue(), failOn: map[int]bool{2: true, 4: true}}
	d := New(store, q, newTestConfig(t), logging.Discard("dispatcher"))

	job, err := d.Submit(ctx, SubmitRequest{TaskPath: newTaskDir(t, ""), Harness: "harbor", Model: "m", RunCount: 5})
	require.Error(t, err)
	require.NotNil(t, job)

	var partial *PartialDispatchError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, job.ID, partial.JobID)
	assert.Equal(t, 3, partial.Enqueued)
	assert.Equal(t, []int{2, 4}, partial.Failed)

	// 已持久化的 Job 与 Run 不回滚
	runs, err := store.ListRunsByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 5)
	assert.Len(t, drain(t, q), 3)
}

// ============================================================================
// 任务名
// ============================================================================

func TestTaskName(t *testing.T) {
	assert.Equal(t, "top", TaskName(newTaskDir(t, "name = \"top\"\n[task]\nname = \"nested\"\n")))
	assert.Equal(t, "nested", TaskName(newTaskDir(t, "version = \"1.0\"\n[task]\nname = \"nested\"\n")))
	assert.Equal(t, "hello-world", TaskName(newTaskDir(t, "")))
	assert.Equal(t, "hello-world", TaskName(newTaskDir(t, "not = [valid toml")))
}
