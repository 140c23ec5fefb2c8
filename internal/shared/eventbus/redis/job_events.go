// Package redis JobEvents 事件总线操作
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"bench-runner/internal/shared/eventbus"
)

func jobEventsKey(jobID string) string {
	return eventbus.KeyJobEvents + jobID
}

// PublishJobEvent 发布 Job 事件
func (s *Store) PublishJobEvent(ctx context.Context, event *eventbus.JobEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	args := &redis.XAddArgs{
		Stream: jobEventsKey(event.JobID),
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":      event.Type,
			"run_id":    event.RunID,
			"timestamp": ts.Format(time.RFC3339Nano),
			"data":      string(dataJSON),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Printf("[Redis/EventBus] Published event: job=%s seq=%s type=%s", event.JobID, id, event.Type)
	return nil
}

// GetJobEvents 获取 Job 事件列表
func (s *Store) GetJobEvents(ctx context.Context, jobID string, fromID string, count int64) ([]*eventbus.JobEvent, error) {
	if fromID == "" {
		fromID = "-"
	}

	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, jobEventsKey(jobID), fromID, "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, jobEventsKey(jobID), fromID, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	events := make([]*eventbus.JobEvent, 0, len(msgs))
	for i, msg := range msgs {
		event := decodeEvent(jobID, msg)
		event.Seq = i + 1
		events = append(events, event)
	}
	return events, nil
}

// GetJobEventCount 获取事件数量
func (s *Store) GetJobEventCount(ctx context.Context, jobID string) (int64, error) {
	return s.client.XLen(ctx, jobEventsKey(jobID)).Result()
}

// SubscribeJobEvents 订阅 Job 事件
//
// 只推送订阅之后发布的事件，ctx 取消后关闭 channel。
func (s *Store) SubscribeJobEvents(ctx context.Context, jobID string) (<-chan *eventbus.JobEvent, error) {
	key := jobEventsKey(jobID)
	ch := make(chan *eventbus.JobEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() == nil {
					log.Printf("[Redis/EventBus] Event subscription error: %v", err)
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					select {
					case ch <- decodeEvent(jobID, msg):
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// DeleteJobEvents 删除 Job 事件流
func (s *Store) DeleteJobEvents(ctx context.Context, jobID string) error {
	return s.client.Del(ctx, jobEventsKey(jobID)).Err()
}

func decodeEvent(jobID string, msg redis.XMessage) *eventbus.JobEvent {
	event := &eventbus.JobEvent{
		ID:    msg.ID,
		JobID: jobID,
	}
	event.Type, _ = msg.Values["type"].(string)
	event.RunID, _ = msg.Values["run_id"].(string)

	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = t
		}
	}

	if dataStr, ok := msg.Values["data"].(string); ok {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(dataStr), &data); err == nil {
			event.Data = data
		}
	}
	return event
}
