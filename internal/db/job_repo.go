package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type JobRepo struct {
	db *sql.DB
}

func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db}
}

func (r *JobRepo) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		job.ID = id
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = nowUTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.Status == "" {
		job.Status = "idle"
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (
	id, kind, target_id, target, status, terminal_message,
	total_tasks, completed_tasks, failed_tasks, ok_count, changed_count, failed_count,
	started_at, ended_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, job.ID, job.Kind, job.TargetID, job.Target, job.Status, job.TerminalMessage,
		job.TotalTasks, job.CompletedTasks, job.FailedTasks, job.OkCount, job.ChangedCount, job.FailedCount,
		formatTimestampOrEmpty(job.StartedAt), formatTimestampOrEmpty(job.EndedAt),
		formatTimestamp(job.CreatedAt), formatTimestamp(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

const jobColumns = `id, kind, target_id, target, status, terminal_message,
total_tasks, completed_tasks, failed_tasks, ok_count, changed_count, failed_count,
started_at, ended_at, created_at, updated_at`

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var j Job
	var startedRaw, endedRaw, createdAtRaw, updatedAtRaw string
	err := scan(&j.ID, &j.Kind, &j.TargetID, &j.Target, &j.Status, &j.TerminalMessage,
		&j.TotalTasks, &j.CompletedTasks, &j.FailedTasks, &j.OkCount, &j.ChangedCount, &j.FailedCount,
		&startedRaw, &endedRaw, &createdAtRaw, &updatedAtRaw)
	if err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseTimestampOrZero(startedRaw); err != nil {
		return nil, err
	}
	if j.EndedAt, err = parseTimestampOrZero(endedRaw); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job %q: %w", id, err)
	}
	return job, nil
}

func (r *JobRepo) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var clauses []string
	var args []any
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RecordResult updates a job's lifecycle fields from a monitor snapshot.
func (r *JobRepo) RecordResult(ctx context.Context, job *Job) error {
	job.UpdatedAt = nowUTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, terminal_message = ?,
	total_tasks = ?, completed_tasks = ?, failed_tasks = ?,
	ok_count = ?, changed_count = ?, failed_count = ?,
	started_at = ?, ended_at = ?, updated_at = ?
WHERE id = ?
`, job.Status, job.TerminalMessage,
		job.TotalTasks, job.CompletedTasks, job.FailedTasks,
		job.OkCount, job.ChangedCount, job.FailedCount,
		formatTimestampOrEmpty(job.StartedAt), formatTimestampOrEmpty(job.EndedAt),
		formatTimestamp(job.UpdatedAt), job.ID)
	if err != nil {
		return fmt.Errorf("failed to record job result %q: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check job update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %q not found", job.ID)
	}
	return nil
}

func (r *JobRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check job delete: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %q not found", id)
	}
	return nil
}
