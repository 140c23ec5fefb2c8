package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bench-runner/internal/shared/eventbus"
)

func setupTestStore(t *testing.T) *Store {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6380/1"
	}
	s, err := NewStoreFromURL(redisURL)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobEventsPublishAndRead(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	jobID := fmt.Sprintf("test-job-%d", time.Now().UnixNano())
	defer s.DeleteJobEvents(ctx, jobID)

	require.NoError(t, s.PublishJobEvent(ctx, eventbus.NewJobEvent(jobID, "run-1", eventbus.EventRunStarted, map[string]interface{}{"attempt": 1})))
	require.NoError(t, s.PublishJobEvent(ctx, eventbus.NewJobEvent(jobID, "run-1", eventbus.EventRunCompleted, nil)))
	require.NoError(t, s.PublishJobEvent(ctx, eventbus.NewJobEvent(jobID, "", eventbus.EventJobCompleted, nil)))

	count, err := s.GetJobEventCount(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	events, err := s.GetJobEvents(ctx, jobID, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, eventbus.EventRunStarted, events[0].Type)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.Equal(t, float64(1), events[0].Data["attempt"])
	assert.Equal(t, 3, events[2].Seq)
	assert.Equal(t, eventbus.EventJobCompleted, events[2].Type)

	limited, err := s.GetJobEvents(ctx, jobID, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestJobEventsSubscribe(t *testing.T) {
	s := setupTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	jobID := fmt.Sprintf("test-sub-%d", time.Now().UnixNano())
	defer s.DeleteJobEvents(context.Background(), jobID)

	ch, err := s.SubscribeJobEvents(ctx, jobID)
	require.NoError(t, err)

	// 等待订阅方进入阻塞读
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.PublishJobEvent(ctx, eventbus.NewJobEvent(jobID, "run-2", eventbus.EventRunFailed, nil)))

	select {
	case ev := <-ch:
		require.NotNil(t, ev)
		assert.Equal(t, eventbus.EventRunFailed, ev.Type)
		assert.Equal(t, "run-2", ev.RunID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
