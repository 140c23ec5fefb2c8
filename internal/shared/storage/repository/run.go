// Package repository Run 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"bench-runner/internal/shared/apperr"
	"bench-runner/internal/shared/model"
	"bench-runner/internal/shared/storage"
)

const runColumns = `id, job_id, run_number, status, attempt, tests_passed, tests_total, logs, episodes,
	result_path, error, retry_at, started_at, completed_at, created_at, updated_at`

// GetRun 获取 Run
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs WHERE id = $1`), id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRunsByJob 列出 Job 的所有 Run，按 run_number 升序
func (s *Store) ListRunsByJob(ctx context.Context, jobID string) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+runColumns+` FROM runs WHERE job_id = $1 ORDER BY run_number ASC`), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// StartRun 领取 Run
//
// 条件：attempt 恰好是上一次的 attempt+1，且
//   - status = pending（首次执行），或
//   - status = failed 且 retry_at 非空（已排定的重试）
//
// 重复投递的同一次尝试会因 attempt 不匹配而得到 ErrInvalidTransition。
func (s *Store) StartRun(ctx context.Context, id string, start model.RunStart) error {
	if start.Attempt < 1 {
		return apperr.Validation("run.start", "attempt must be >= 1, got %d", start.Attempt)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET status = $1, attempt = $2, started_at = $3, updated_at = $4,
			retry_at = NULL, completed_at = NULL, error = NULL
		WHERE id = $5 AND attempt = $6
			AND (status = 'pending' OR (status = 'failed' AND retry_at IS NOT NULL))
	`), model.RunStatusRunning, start.Attempt, start.StartedAt, start.StartedAt, id, start.Attempt-1)
	if err != nil {
		return err
	}
	return s.checkRunUpdate(ctx, res, id, fmt.Sprintf("start attempt %d", start.Attempt))
}

// FinishRun 写入 Run 的终止结果，只允许从 running 迁移
func (s *Store) FinishRun(ctx context.Context, id string, result model.RunResult) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrInvalidResult, err)
	}
	episodes, err := marshalEpisodes(result.Episodes)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET status = $1, tests_passed = $2, tests_total = $3, logs = $4, episodes = $5,
			result_path = $6, error = $7, retry_at = $8, completed_at = $9, updated_at = $10
		WHERE id = $11 AND status = 'running'
	`), result.Status, result.TestsPassed, result.TestsTotal, result.Logs, episodes,
		result.ResultPath, result.Error, result.RetryAt, result.CompletedAt, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return s.checkRunUpdate(ctx, res, id, "finish as "+string(result.Status))
}

// checkRunUpdate 将零行更新解析为 ErrNotFound 或 ErrInvalidTransition
func (s *Store) checkRunUpdate(ctx context.Context, res sql.Result, id, action string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	current, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return storage.ErrNotFound
	}
	return fmt.Errorf("%w: run %s cannot %s from %s (attempt %d)",
		storage.ErrInvalidTransition, id, action, current.Status, current.Attempt)
}

// scanRun 辅助函数
func scanRun(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Run, error) {
	run := &model.Run{}
	var episodes *[]byte
	err := scanner.Scan(
		&run.ID, &run.JobID, &run.RunNumber, &run.Status, &run.Attempt,
		&run.TestsPassed, &run.TestsTotal, &run.Logs, &episodes,
		&run.ResultPath, &run.Error, &run.RetryAt, &run.StartedAt, &run.CompletedAt,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if episodes != nil && len(*episodes) > 0 {
		if err := json.Unmarshal(*episodes, &run.Episodes); err != nil {
			return nil, fmt.Errorf("decode episodes of run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

// scanRuns 批量扫描
func scanRuns(rows *sql.Rows) ([]*model.Run, error) {
	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
