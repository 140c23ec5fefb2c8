package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bench-runner/internal/shared/queue"
)

func getTestRedisURL() string {
	if u := os.Getenv("TEST_REDIS_URL"); u != "" {
		return u
	}
	return "redis://localhost:6380/1"
}

// setupTestStore 每个测试使用独立 key 前缀
func setupTestStore(t *testing.T) *Store {
	base, err := NewStoreFromURL(getTestRedisURL())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	prefix := fmt.Sprintf("test:%s:%d:", t.Name(), time.Now().UnixNano())
	s := base.WithKeyPrefix(prefix)
	t.Cleanup(func() {
		ctx := context.Background()
		s.client.Del(ctx, s.streamKey(), s.retryKey())
		base.Close()
	})
	return s
}

func TestRedisQueueEnqueueConsumeAck(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConsumerGroup(ctx))
	require.NoError(t, s.CreateConsumerGroup(ctx), "BUSYGROUP must be ignored")

	in := &queue.RunMessage{
		RunID: "run-1", JobID: "job-1", RunNumber: 1, Attempt: 1,
		TaskPath: "/jobs/job-1/task", OutputDir: "/jobs/job-1",
		Harness: "harbor", Model: "openrouter/x", Credential: "sk-test",
	}
	_, err := s.EnqueueRun(ctx, in)
	require.NoError(t, err)

	msgs, err := s.ConsumeRuns(ctx, "w1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	got := msgs[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 1, got.RunNumber)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "sk-test", got.Credential)
	assert.False(t, got.CreatedAt.IsZero())

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	require.NoError(t, s.AckRun(ctx, got.ID))
	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.Length)
}

func TestRedisQueueEmptyConsume(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConsumerGroup(ctx))

	msgs, err := s.ConsumeRuns(ctx, "w1", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisQueuePromoteDueRetriesOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConsumerGroup(ctx))

	now := time.Now()
	require.NoError(t, s.ScheduleRetry(ctx, &queue.RunMessage{RunID: "due", Attempt: 2}, now.Add(-time.Second)))
	require.NoError(t, s.ScheduleRetry(ctx, &queue.RunMessage{RunID: "later", Attempt: 2}, now.Add(time.Hour)))

	// 多个 promoter 并发，到期项只移动一次
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.PromoteDueRetries(ctx, now)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, int64(1), stats.Length)

	msgs, err := s.ConsumeRuns(ctx, "w1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "due", msgs[0].RunID)
	assert.Equal(t, 2, msgs[0].Attempt)
}

func TestRedisQueueStatsWithoutGroup(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Length)

	_, err = s.EnqueueRun(ctx, &queue.RunMessage{RunID: "r"})
	require.NoError(t, err)
	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Length)
}

func TestRedisQueueReclaimStale(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConsumerGroup(ctx))

	_, err := s.EnqueueRun(ctx, &queue.RunMessage{RunID: "run-1", JobID: "job-1", RunNumber: 1, Attempt: 1})
	require.NoError(t, err)
	msgs, err := s.ConsumeRuns(ctx, "w1", 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "w1", msgs[0].Consumer)

	got, err := s.ReclaimStale(ctx, "w2", time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	time.Sleep(50 * time.Millisecond)
	got, err = s.ReclaimStale(ctx, "w2", 20*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msgs[0].ID, got[0].ID)
	assert.Equal(t, "run-1", got[0].RunID)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, "w2", got[0].Consumer)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending, "reclaimed entries stay pending until acked")

	require.NoError(t, s.AckRun(ctx, got[0].ID))
	got, err = s.ReclaimStale(ctx, "w3", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisQueueTouchResetsIdle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConsumerGroup(ctx))

	_, err := s.EnqueueRun(ctx, &queue.RunMessage{RunID: "run-1", JobID: "job-1", RunNumber: 1, Attempt: 1})
	require.NoError(t, err)
	msgs, err := s.ConsumeRuns(ctx, "w1", 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, s.Touch(ctx, "w1", msgs[0].ID))

	got, err := s.ReclaimStale(ctx, "w2", 40*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "a touched entry is not idle")
}
