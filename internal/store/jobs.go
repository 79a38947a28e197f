package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"permit-pipeline/internal/models"
)

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var lastErr, leasedBy pgtype.Text
	var completedAt pgtype.Timestamptz
	err := row.Scan(&j.ID, &j.ApplicationID, &j.Priority, &j.Status, &j.Attempts,
		&j.MaxAttempts, &j.NextRunAt, &lastErr, &leasedBy, &j.CreatedAt, &j.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job not found: %w", err)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	j.LastError = textPtr(lastErr)
	j.LeasedBy = textPtr(leasedBy)
	j.CompletedAt = tsPtr(completedAt)
	return j, nil
}

const jobColumns = `id, application_id, priority, status, attempts, max_attempts, next_run_at, last_error, leased_by, created_at, updated_at, completed_at`

// GetJob fetches a durable job row by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// MarkJobLeased records which worker holds the job's lease.
func (s *Store) MarkJobLeased(ctx context.Context, id, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, leased_by = $3, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobLeased, workerID)
	return err
}

// MarkJobCompleted finalizes a successful job.
func (s *Store) MarkJobCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, completed_at = NOW(), last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobCompleted)
	return err
}

// MarkJobRetry re-queues the durable row for a deferred retry.
func (s *Store) MarkJobRetry(ctx context.Context, id string, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, next_run_at = $3, last_error = $4, leased_by = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobQueued, nextRun, lastErr)
	return err
}

// MarkJobFailed finalizes a job whose retries are exhausted.
func (s *Store) MarkJobFailed(ctx context.Context, id, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, last_error = $3, leased_by = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobFailed, lastErr)
	return err
}

// JobStats summarizes queue health for the admin surface.
type JobStats struct {
	Queued    int64 `json:"queued"`
	Leased    int64 `json:"leased"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Stats counts durable job rows by status.
func (s *Store) Stats(ctx context.Context) (JobStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM generation_jobs GROUP BY status`)
	if err != nil {
		return JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	var st JobStats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return JobStats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case models.JobQueued:
			st.Queued = n
		case models.JobLeased:
			st.Leased = n
		case models.JobCompleted:
			st.Completed = n
		case models.JobFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

// StuckApplication identifies a crash-orphaned processing row.
type StuckApplication struct {
	ID     int64
	JobID  string
	Status string
}

// ListStuckProcessing finds applications still marked processing whose
// attempt started before the lease window; their worker died mid-flight.
func (s *Store) ListStuckProcessing(ctx context.Context, lease time.Duration, limit int) ([]StuckApplication, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(queue_job_id, ''), status
		FROM applications
		WHERE queue_status = $1 AND queue_started_at < NOW() - $2::interval
		ORDER BY queue_started_at
		LIMIT $3
	`, models.QueueStatusProcessing, fmt.Sprintf("%f seconds", lease.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck processing: %w", err)
	}
	defer rows.Close()

	var out []StuckApplication
	for rows.Next() {
		var sa StuckApplication
		if err := rows.Scan(&sa.ID, &sa.JobID, &sa.Status); err != nil {
			return nil, fmt.Errorf("scan stuck row: %w", err)
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

// ResetStuckProcessing flips one orphaned row back to queued so the sweep
// can re-enqueue it. Guarded on queue_status so a finished attempt racing
// the sweep is left alone.
func (s *Store) ResetStuckProcessing(ctx context.Context, appID int64, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications
		SET status = $2, queue_status = $3, queue_started_at = NULL, queue_job_id = $4, updated_at = NOW()
		WHERE id = $1 AND queue_status = $5
	`, appID, models.StatusInQueue, models.QueueStatusQueued, jobID, models.QueueStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("reset stuck processing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListExpiredPermits returns PERMIT_READY rows whose validity elapsed.
func (s *Store) ListExpiredPermits(ctx context.Context, limit int) ([]int64, error) {
	return s.listIDs(ctx, `
		SELECT id FROM applications
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < NOW()
		ORDER BY expires_at LIMIT $2
	`, models.StatusPermitReady, limit)
}

// ListVoucherPending returns applications waiting on a cash voucher.
func (s *Store) ListVoucherPending(ctx context.Context, limit int) ([]int64, error) {
	return s.listIDs(ctx, `
		SELECT id FROM applications
		WHERE status = $1
		ORDER BY updated_at LIMIT $2
	`, models.StatusAwaitingOxxoPayment, limit)
}

func (s *Store) listIDs(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
