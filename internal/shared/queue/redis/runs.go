// Package redis Run 工作队列操作
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bench-runner/internal/shared/queue"
)

// promoteBatch 每次最多提升的到期重试数
const promoteBatch = 100

// EnqueueRun 将 Run 加入工作流
func (s *Store) EnqueueRun(ctx context.Context, msg *queue.RunMessage) (string, error) {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	args := &redis.XAddArgs{
		Stream: s.streamKey(),
		MaxLen: queue.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"run_id":     msg.RunID,
			"job_id":     msg.JobID,
			"run_number": msg.RunNumber,
			"attempt":    msg.Attempt,
			"task_path":  msg.TaskPath,
			"output_dir": msg.OutputDir,
			"harness":    msg.Harness,
			"model":      msg.Model,
			"credential": msg.Credential,
			"created_at": createdAt.Format(time.RFC3339Nano),
		},
	}

	msgID, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue run %s: %w", msg.RunID, err)
	}

	log.Printf("[Redis/Queue] Enqueued run: job=%s run=%s number=%d attempt=%d msg_id=%s",
		msg.JobID, msg.RunID, msg.RunNumber, msg.Attempt, msgID)
	return msgID, nil
}

// CreateConsumerGroup 创建 worker 消费者组
func (s *Store) CreateConsumerGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.streamKey(), queue.WorkerConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// ConsumeRuns 消费工作流中的 Run
func (s *Store) ConsumeRuns(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.RunMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.WorkerConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{s.streamKey(), ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var messages []*queue.RunMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			m := decodeMessage(msg.Values)
			m.ID = msg.ID
			m.Consumer = consumerID
			messages = append(messages, m)
		}
	}

	return messages, nil
}

// AckRun 确认 Run 消息已处理
func (s *Store) AckRun(ctx context.Context, messageID string) error {
	return s.client.XAck(ctx, s.streamKey(), queue.WorkerConsumerGroup, messageID).Err()
}

// ReclaimStale 用 XAUTOCLAIM 认领空闲超过 minIdle 的 pending 消息
//
// 持有者崩溃或提交失败后留下的消息由此重新投递。条目已被裁剪时直接确认。
func (s *Store) ReclaimStale(ctx context.Context, consumerID string, minIdle time.Duration, count int64) ([]*queue.RunMessage, error) {
	if count <= 0 {
		count = 1
	}
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.streamKey(),
		Group:    queue.WorkerConsumerGroup,
		Consumer: consumerID,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil || isNoSuchKey(err) {
			return nil, nil
		}
		return nil, err
	}

	var messages []*queue.RunMessage
	for _, msg := range msgs {
		m := decodeMessage(msg.Values)
		if m.RunID == "" {
			s.client.XAck(ctx, s.streamKey(), queue.WorkerConsumerGroup, msg.ID)
			continue
		}
		m.ID = msg.ID
		m.Consumer = consumerID
		log.Printf("[Redis/Queue] Reclaimed stale run: job=%s run=%s attempt=%d msg_id=%s consumer=%s",
			m.JobID, m.RunID, m.Attempt, msg.ID, consumerID)
		messages = append(messages, m)
	}
	return messages, nil
}

// Touch 将消息重新认领给当前持有者，重置空闲时间
func (s *Store) Touch(ctx context.Context, consumerID, messageID string) error {
	return s.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   s.streamKey(),
		Group:    queue.WorkerConsumerGroup,
		Consumer: consumerID,
		MinIdle:  0,
		Messages: []string{messageID},
	}).Err()
}

// ScheduleRetry 将重试放入按到期时间排序的集合
func (s *Store) ScheduleRetry(ctx context.Context, msg *queue.RunMessage, at time.Time) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal retry: %w", err)
	}
	err = s.client.ZAdd(ctx, s.retryKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule retry for run %s: %w", msg.RunID, err)
	}
	log.Printf("[Redis/Queue] Scheduled retry: run=%s attempt=%d at=%s", msg.RunID, msg.Attempt, at.Format(time.RFC3339))
	return nil
}

// PromoteDueRetries 将到期的重试移回工作流
//
// 先 ZREM 再 XADD：只有 ZREM 成功的调用方会投递，保证每项只被移动一次。
func (s *Store) PromoteDueRetries(ctx context.Context, now time.Time) (int, error) {
	members, err := s.client.ZRangeByScoreWithScores(ctx, s.retryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, z := range members {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		removed, err := s.client.ZRem(ctx, s.retryKey(), member).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			// 已被其他 worker 提升
			continue
		}

		var msg queue.RunMessage
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			log.Printf("[Redis/Queue] Dropping malformed retry entry: %v", err)
			continue
		}
		if _, err := s.EnqueueRun(ctx, &msg); err != nil {
			// 放回集合，下一轮再试
			s.client.ZAdd(ctx, s.retryKey(), redis.Z{Score: z.Score, Member: member})
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Stats 获取队列统计
func (s *Store) Stats(ctx context.Context) (*queue.Stats, error) {
	stats := &queue.Stats{}

	delayed, err := s.client.ZCard(ctx, s.retryKey()).Result()
	if err != nil {
		return nil, err
	}
	stats.Delayed = delayed

	groups, err := s.client.XInfoGroups(ctx, s.streamKey()).Result()
	if err != nil && !isNoSuchKey(err) {
		return nil, err
	}
	for _, g := range groups {
		if g.Name != queue.WorkerConsumerGroup {
			continue
		}
		stats.Length = g.Lag
		stats.Pending = g.Pending
		stats.Consumers = g.Consumers
		return stats, nil
	}

	// 消费者组尚未创建：全部消息都未投递
	length, err := s.client.XLen(ctx, s.streamKey()).Result()
	if err != nil {
		return nil, err
	}
	stats.Length = length
	return stats, nil
}

func isNoSuchKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}

func decodeMessage(values map[string]interface{}) *queue.RunMessage {
	m := &queue.RunMessage{}
	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}
	m.RunID = str("run_id")
	m.JobID = str("job_id")
	m.TaskPath = str("task_path")
	m.OutputDir = str("output_dir")
	m.Harness = str("harness")
	m.Model = str("model")
	m.Credential = str("credential")
	m.RunNumber, _ = strconv.Atoi(str("run_number"))
	m.Attempt, _ = strconv.Atoi(str("attempt"))
	if t, err := time.Parse(time.RFC3339Nano, str("created_at")); err == nil {
		m.CreatedAt = t
	}
	return m
}
