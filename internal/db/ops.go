package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/pgxscan"
)

var (
	ErrInsertFailed           = errors.New("insert operation failed")
	ErrUpdateFailed           = errors.New("update operation failed")
	ErrDeleteFailed           = errors.New("delete operation failed")
	ErrTransactionStartFailed = errors.New("transaction start failed")
	ErrSelectFailed           = errors.New("select operation failed")
)

const jobColumns = `
	id,
	queue,
	name,
	payload,
	status,
	attempts,
	max_attempts,
	priority,
	created_at,
	started_at,
	completed_at,
	error`

func (db *DB) InsertJob(ctx context.Context, job Job) (Job, error) {
	const fn = "DB:InsertJob"
	var created Job
	err := pgxscan.Get(ctx, db.pool, &created, `
		INSERT INTO jobs (
			queue,
			name,
			payload,
			status,
			max_attempts,
			priority,
			created_at
		) VALUES ($1, $2, $3, 'pending', $4, $5, $6)
		RETURNING`+jobColumns,
		job.Queue, job.Name, string(job.Payload), job.MaxAttempts, job.Priority, job.CreatedAt)
	if err != nil {
		return Job{}, fmt.Errorf("%s:%w:%w", fn, ErrInsertFailed, err)
	}
	return created, nil
}

// ListPending returns up to limit claim candidates, highest priority first
// and oldest first within a priority.
func (db *DB) ListPending(ctx context.Context, queue string, limit int) ([]Job, error) {
	const fn = "DB:ListPending"
	var jobs []Job
	err := pgxscan.Select(ctx, db.pool, &jobs, `
		SELECT`+jobColumns+`
		FROM jobs
		WHERE queue = $1
		AND status = 'pending'
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $2
	`, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	return jobs, nil
}

// ClaimJob moves a job from pending to processing. Only one caller can win
// the conditional update; losers get false with a nil error.
func (db *DB) ClaimJob(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	const fn = "DB:ClaimJob"
	tag, err := db.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'processing', started_at = $2
		WHERE id = $1
		AND status = 'pending'
	`, id, startedAt)
	if err != nil {
		return false, fmt.Errorf("%s:%w:%w", fn, ErrUpdateFailed, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (db *DB) CompleteJob(ctx context.Context, id int64, completedAt time.Time) error {
	const fn = "DB:CompleteJob"
	_, err := db.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', completed_at = $2
		WHERE id = $1
		AND status = 'processing'
	`, id, completedAt)
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrUpdateFailed, err)
	}
	return nil
}

// RetryJob records a failed attempt and hands the job back to the pollers.
func (db *DB) RetryJob(ctx context.Context, id int64, attempts int, errMsg string) error {
	const fn = "DB:RetryJob"
	_, err := db.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', attempts = $2, error = $3, started_at = NULL
		WHERE id = $1
		AND status = 'processing'
	`, id, attempts, errMsg)
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrUpdateFailed, err)
	}
	return nil
}

func (db *DB) FailJob(ctx context.Context, id int64, attempts int, errMsg string, failedAt time.Time) error {
	const fn = "DB:FailJob"
	_, err := db.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', attempts = $2, error = $3, completed_at = $4
		WHERE id = $1
		AND status = 'processing'
	`, id, attempts, errMsg, failedAt)
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrUpdateFailed, err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id int64) (Job, error) {
	const fn = "DB:GetJob"
	var job Job
	err := pgxscan.Get(ctx, db.pool, &job, `SELECT`+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		return Job{}, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	return job, nil
}

type statusCount struct {
	Status JobStatus `db:"status"`
	Count  int64     `db:"count"`
}

func (db *DB) CountJobsByStatus(ctx context.Context, queue string) (map[JobStatus]int64, error) {
	const fn = "DB:CountJobsByStatus"
	var rows []statusCount
	err := pgxscan.Select(ctx, db.pool, &rows, `
		SELECT status, COUNT(*) AS count
		FROM jobs
		WHERE queue = $1
		GROUP BY status
	`, queue)
	if err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	counts := make(map[JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// DeleteTerminalJobs removes completed and failed jobs that finished before
// the cutoff. An empty queue matches every queue. Pending and processing jobs
// are never touched.
func (db *DB) DeleteTerminalJobs(ctx context.Context, queue string, before time.Time) (int64, error) {
	const fn = "DB:DeleteTerminalJobs"
	tag, err := db.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed')
		AND COALESCE(completed_at, created_at) < $1
		AND ($2 = '' OR queue = $2)
	`, before, queue)
	if err != nil {
		return 0, fmt.Errorf("%s:%w:%w", fn, ErrDeleteFailed, err)
	}
	return tag.RowsAffected(), nil
}
