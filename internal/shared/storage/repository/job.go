package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bench-runner/internal/shared/apperr"
	"bench-runner/internal/shared/model"
	"bench-runner/internal/shared/storage"
)

const jobColumns = `id, task_name, task_path, harness, model, run_count, status, created_at, completed_at`

// CreateJob 在同一事务中创建 Job 及其全部 Run
//
// 事务提交前 Run 对任何 worker 都不可见。
func (s *Store) CreateJob(ctx context.Context, job *model.Job, runs []*model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`), job.ID, job.TaskName, job.TaskPath, job.Harness, job.Model, job.RunCount,
		job.Status, job.CreatedAt, job.CompletedAt)
	if err != nil {
		return s.translate(err)
	}

	insertRun := s.rebind(`
		INSERT INTO runs (id, job_id, run_number, status, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	for _, run := range runs {
		if run.JobID != job.ID {
			return apperr.Validation("job.create", "run %s belongs to job %s", run.ID, run.JobID)
		}
		if _, err := tx.ExecContext(ctx, insertRun,
			run.ID, run.JobID, run.RunNumber, run.Status, run.Attempt, run.CreatedAt, run.UpdatedAt); err != nil {
			return s.translate(err)
		}
	}

	return tx.Commit()
}

// GetJob 获取 Job
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`), id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListJobs 按创建时间倒序分页列出 Job
func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus 以当前状态为条件更新 Job 状态（compare-and-set）
func (s *Store) UpdateJobStatus(ctx context.Context, id string, expected, next model.JobStatus, completedAt *time.Time) error {
	if err := model.ValidateJobTransition(expected, next); err != nil {
		return err
	}
	if next.IsTerminal() && completedAt == nil {
		return apperr.Validation("job.update_status", "completed_at is required for %s", next)
	}
	if !next.IsTerminal() {
		completedAt = nil
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET status = $1, completed_at = $2
		WHERE id = $3 AND status = $4
	`), next, completedAt, id, expected)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case current == nil:
		return storage.ErrNotFound
	case current.Status.IsTerminal():
		return fmt.Errorf("%w: job %s already %s", storage.ErrInvalidTransition, id, current.Status)
	default:
		return fmt.Errorf("%w: job %s is %s, expected %s", storage.ErrConflict, id, current.Status, expected)
	}
}

func scanJob(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Job, error) {
	job := &model.Job{}
	err := scanner.Scan(&job.ID, &job.TaskName, &job.TaskPath, &job.Harness, &job.Model,
		&job.RunCount, &job.Status, &job.CreatedAt, &job.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, err
	}
	return job, nil
}
