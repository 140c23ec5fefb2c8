package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueConsumeAndAck(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := q.EnqueueRun(ctx, &RunMessage{RunID: "run-" + string(rune('0'+i)), RunNumber: i, Attempt: 1})
		require.NoError(t, err)
	}

	msgs, err := q.ConsumeRuns(ctx, "w1", 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].RunNumber)
	assert.NotEmpty(t, msgs[0].ID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Length)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Consumers)

	require.NoError(t, q.AckRun(ctx, msgs[0].ID))
	stats, _ = q.Stats(ctx)
	assert.Equal(t, int64(0), stats.Pending)
}

func TestMemoryQueueBlockTimeout(t *testing.T) {
	q := NewMemoryQueue()
	start := time.Now()
	msgs, err := q.ConsumeRuns(context.Background(), "w1", 1, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMemoryQueueWakesBlockedConsumer(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	var wg sync.WaitGroup
	var got []*RunMessage
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, _ = q.ConsumeRuns(ctx, "w1", 1, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := q.EnqueueRun(ctx, &RunMessage{RunID: "run-1"})
	require.NoError(t, err)
	wg.Wait()
	require.Len(t, got, 1)
	assert.Equal(t, "run-1", got[0].RunID)
}

func TestMemoryQueueDelayedRetry(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Now()

	msg := &RunMessage{RunID: "run-1", Attempt: 1}
	require.NoError(t, q.ScheduleRetry(ctx, msg.NextAttempt(), now.Add(time.Minute)))

	n, err := q.PromoteDueRetries(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.PromoteDueRetries(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := q.ConsumeRuns(ctx, "w1", 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].Attempt)
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Close())
	_, err := q.EnqueueRun(context.Background(), &RunMessage{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryQueueReclaimStale(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, err := q.EnqueueRun(ctx, &RunMessage{RunID: "run-1", Attempt: 1})
	require.NoError(t, err)
	msgs, err := q.ConsumeRuns(ctx, "w1", 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "w1", msgs[0].Consumer)

	got, err := q.ReclaimStale(ctx, "w2", time.Hour, 1)
	require.NoError(t, err)
	assert.Empty(t, got, "recently delivered entries stay with their consumer")

	time.Sleep(20 * time.Millisecond)
	got, err = q.ReclaimStale(ctx, "w2", 10*time.Millisecond, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msgs[0].ID, got[0].ID)
	assert.Equal(t, "run-1", got[0].RunID)
	assert.Equal(t, "w2", got[0].Consumer)

	got, err = q.ReclaimStale(ctx, "w3", 10*time.Millisecond, 1)
	require.NoError(t, err)
	assert.Empty(t, got, "reclaiming resets the idle time")

	stats, _ := q.Stats(ctx)
	assert.Equal(t, int64(1), stats.Pending)
	require.NoError(t, q.AckRun(ctx, msgs[0].ID))
	stats, _ = q.Stats(ctx)
	assert.Equal(t, int64(0), stats.Pending)
}

func TestMemoryQueueTouchKeepsClaim(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, err := q.EnqueueRun(ctx, &RunMessage{RunID: "run-1", Attempt: 1})
	require.NoError(t, err)
	msgs, err := q.ConsumeRuns(ctx, "w1", 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, q.Touch(ctx, "w1", msgs[0].ID))

	got, err := q.ReclaimStale(ctx, "w2", 20*time.Millisecond, 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, q.Touch(ctx, "w1", "missing-0"))
}
