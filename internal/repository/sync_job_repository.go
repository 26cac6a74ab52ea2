package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hivemail/syncd/internal/models"
)

const jobColumns = `id, tenant_id, account_id, provider, priority, sync_mode,
	       dedup_key, status, since, attempts, max_attempts, run_at,
	       last_error, enqueued_at, started_at, finished_at`

// SyncJobRepository persists queue jobs with hand-written SQL. The partial
// unique index on dedup_key makes Insert the atomic dedup check: two
// concurrent inserts for the same (account, mode) cannot both land.
type SyncJobRepository struct {
	db *sql.DB
}

func NewSyncJobRepository(db *sql.DB) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

// Insert conditionally inserts a job. Returns false without side effects
// when an outstanding job with the same dedup key already exists.
func (r *SyncJobRepository) Insert(ctx context.Context, job models.SyncJob) (bool, error) {
	query := `
		INSERT INTO sync_job (
			id, tenant_id, account_id, provider, priority, sync_mode,
			dedup_key, status, since, attempts, max_attempts, run_at, enqueued_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (dedup_key) WHERE status IN ('waiting', 'active', 'delayed')
		DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		job.ID, job.TenantID, job.AccountID, job.Provider, job.Priority,
		job.SyncMode, job.DedupKey, job.Status, job.Since, job.Attempts,
		job.MaxAttempts, job.RunAt, job.EnqueuedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ClaimNext atomically claims the oldest runnable job in a lane, moving it
// to active and counting the attempt. Delayed jobs become runnable once
// their run_at backoff passes. Returns nil when the lane is empty.
func (r *SyncJobRepository) ClaimNext(ctx context.Context, lane models.JobPriority, now time.Time) (*models.SyncJob, error) {
	query := `
		UPDATE sync_job
		SET status = 'active', attempts = attempts + 1, started_at = $1
		WHERE id = (
			SELECT id FROM sync_job
			WHERE priority = $2 AND status IN ('waiting', 'delayed') AND run_at <= $1
			ORDER BY run_at ASC, enqueued_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	row := r.db.QueryRowContext(ctx, query, now, lane)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// MarkCompleted moves an active job to its terminal completed state
func (r *SyncJobRepository) MarkCompleted(ctx context.Context, jobID string) error {
	query := `
		UPDATE sync_job
		SET status = 'completed', finished_at = $1, last_error = NULL
		WHERE id = $2
	`
	if _, err := r.db.ExecContext(ctx, query, time.Now(), jobID); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}

// MarkDelayed parks a failed job for a backoff retry at runAt
func (r *SyncJobRepository) MarkDelayed(ctx context.Context, jobID string, runAt time.Time, lastError string) error {
	query := `
		UPDATE sync_job
		SET status = 'delayed', run_at = $1, last_error = $2, started_at = NULL
		WHERE id = $3
	`
	if _, err := r.db.ExecContext(ctx, query, runAt, lastError, jobID); err != nil {
		return fmt.Errorf("failed to delay job: %w", err)
	}
	return nil
}

// MarkFailed moves a job to its terminal failed state with the last error
func (r *SyncJobRepository) MarkFailed(ctx context.Context, jobID string, lastError string) error {
	query := `
		UPDATE sync_job
		SET status = 'failed', finished_at = $1, last_error = $2
		WHERE id = $3
	`
	if _, err := r.db.ExecContext(ctx, query, time.Now(), lastError, jobID); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// DeleteQueuedByAccount removes waiting/delayed jobs for an account.
// Active jobs are left to finish; there is no mid-flight cancellation.
func (r *SyncJobRepository) DeleteQueuedByAccount(ctx context.Context, accountID string) (int64, error) {
	query := `
		DELETE FROM sync_job
		WHERE account_id = $1 AND status IN ('waiting', 'delayed')
	`
	result, err := r.db.ExecContext(ctx, query, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete queued jobs: %w", err)
	}
	return result.RowsAffected()
}

// DeleteQueuedByTenant removes waiting/delayed jobs across a whole tenant
func (r *SyncJobRepository) DeleteQueuedByTenant(ctx context.Context, tenantID string) (int64, error) {
	query := `
		DELETE FROM sync_job
		WHERE tenant_id = $1 AND status IN ('waiting', 'delayed')
	`
	result, err := r.db.ExecContext(ctx, query, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tenant jobs: %w", err)
	}
	return result.RowsAffected()
}

// PurgeLane removes every job in a lane regardless of status
func (r *SyncJobRepository) PurgeLane(ctx context.Context, lane models.JobPriority) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sync_job WHERE priority = $1`, lane)
	if err != nil {
		return 0, fmt.Errorf("failed to purge lane: %w", err)
	}
	return result.RowsAffected()
}

// DeleteFinishedBefore prunes completed/failed jobs older than the cutoff
func (r *SyncJobRepository) DeleteFinishedBefore(ctx context.Context, lane models.JobPriority, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM sync_job
		WHERE priority = $1 AND status IN ('completed', 'failed') AND finished_at < $2
	`
	result, err := r.db.ExecContext(ctx, query, lane, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune finished jobs: %w", err)
	}
	return result.RowsAffected()
}

// LaneCounts holds the per-status job totals of a single lane
type LaneCounts struct {
	Waiting   int64
	Active    int64
	Delayed   int64
	Completed int64
	Failed    int64
}

// StatusCounts returns per-lane job totals grouped by status
func (r *SyncJobRepository) StatusCounts(ctx context.Context) (map[models.JobPriority]LaneCounts, error) {
	query := `
		SELECT priority, status, COUNT(*)
		FROM sync_job
		GROUP BY priority, status
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobPriority]LaneCounts)
	for rows.Next() {
		var lane models.JobPriority
		var status models.JobStatus
		var n int64
		if err := rows.Scan(&lane, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan counts: %w", err)
		}

		c := counts[lane]
		switch status {
		case models.JobStatusWaiting:
			c.Waiting = n
		case models.JobStatusActive:
			c.Active = n
		case models.JobStatusDelayed:
			c.Delayed = n
		case models.JobStatusCompleted:
			c.Completed = n
		case models.JobStatusFailed:
			c.Failed = n
		}
		counts[lane] = c
	}

	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.SyncJob, error) {
	var job models.SyncJob
	err := row.Scan(
		&job.ID, &job.TenantID, &job.AccountID, &job.Provider, &job.Priority,
		&job.SyncMode, &job.DedupKey, &job.Status, &job.Since, &job.Attempts,
		&job.MaxAttempts, &job.RunAt, &job.LastError, &job.EnqueuedAt,
		&job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
