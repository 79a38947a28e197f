package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"permit-pipeline/internal/models"
)

// ErrStatusConflict is returned when a guarded transition finds the row in a
// status outside the expected set. Callers treat this as a benign race, not
// a failure.
var ErrStatusConflict = errors.New("application status conflict")

// ErrNotFound is returned when an application id does not exist.
var ErrNotFound = errors.New("application not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const applicationColumns = `
	id, status,
	queue_status, queue_position, queue_entered_at, queue_started_at, queue_completed_at,
	queue_duration_ms, queue_job_id, queue_error,
	error_message, error_category, error_at, screenshot_path, retry_count,
	payment_order_id, payment_reference, amount_cents,
	permit_path, receipt_path, certificate_path, plate_path, folio, issued_at, expires_at,
	resolution_notes, resolved_by, resolved_at,
	renewed_from_id, renewal_count,
	created_at, updated_at`

func scanApplication(row pgx.Row) (models.Application, error) {
	var a models.Application
	var (
		queueStatus, queueJobID, queueError                  pgtype.Text
		errMsg, errCat, screenshot                           pgtype.Text
		orderID, payRef                                      pgtype.Text
		permit, receipt, cert, plate, folio                  pgtype.Text
		resNotes, resBy                                      pgtype.Text
		queuePos                                             pgtype.Int4
		queueDur                                             pgtype.Int8
		renewedFrom                                          pgtype.Int8
		enteredAt, startedAt, completedAt, errAt             pgtype.Timestamptz
		issuedAt, expiresAt, resolvedAt                      pgtype.Timestamptz
	)

	err := row.Scan(
		&a.ID, &a.Status,
		&queueStatus, &queuePos, &enteredAt, &startedAt, &completedAt,
		&queueDur, &queueJobID, &queueError,
		&errMsg, &errCat, &errAt, &screenshot, &a.RetryCount,
		&orderID, &payRef, &a.AmountCents,
		&permit, &receipt, &cert, &plate, &folio, &issuedAt, &expiresAt,
		&resNotes, &resBy, &resolvedAt,
		&renewedFrom, &a.RenewalCount,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Application{}, ErrNotFound
		}
		return models.Application{}, fmt.Errorf("scan application: %w", err)
	}

	a.QueueStatus = textPtr(queueStatus)
	a.QueuePosition = int4Ptr(queuePos)
	a.QueueEnteredAt = tsPtr(enteredAt)
	a.QueueStartedAt = tsPtr(startedAt)
	a.QueueCompletedAt = tsPtr(completedAt)
	a.QueueDurationMS = int8Ptr(queueDur)
	a.QueueJobID = textPtr(queueJobID)
	a.QueueError = textPtr(queueError)
	a.ErrorMessage = textPtr(errMsg)
	a.ErrorCategory = textPtr(errCat)
	a.ErrorAt = tsPtr(errAt)
	a.ScreenshotPath = textPtr(screenshot)
	a.PaymentOrderID = textPtr(orderID)
	a.PaymentReference = textPtr(payRef)
	a.PermitPath = textPtr(permit)
	a.ReceiptPath = textPtr(receipt)
	a.CertificatePath = textPtr(cert)
	a.PlatePath = textPtr(plate)
	a.Folio = textPtr(folio)
	a.IssuedAt = tsPtr(issuedAt)
	a.ExpiresAt = tsPtr(expiresAt)
	a.ResolutionNotes = textPtr(resNotes)
	a.ResolvedBy = textPtr(resBy)
	a.ResolvedAt = tsPtr(resolvedAt)
	a.RenewedFromID = int8Ptr(renewedFrom)
	return a, nil
}

// CreateApplicationParams collects inputs for a new submission.
type CreateApplicationParams struct {
	AmountCents    int64
	PaymentOrderID string
	RenewedFromID  *int64
	RenewalCount   int
}

// CreateApplication inserts a new row in AWAITING_PAYMENT.
func (s *Store) CreateApplication(ctx context.Context, p CreateApplicationParams) (models.Application, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO applications (status, amount_cents, payment_order_id, renewed_from_id, renewal_count, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NOW(), NOW())
		RETURNING `+applicationColumns,
		models.StatusAwaitingPayment, p.AmountCents, p.PaymentOrderID, p.RenewedFromID, p.RenewalCount)
	return scanApplication(row)
}

// GetApplication fetches an application by id.
func (s *Store) GetApplication(ctx context.Context, id int64) (models.Application, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	return scanApplication(row)
}

// FindByOrderID locates the application linked to a processor order.
func (s *Store) FindByOrderID(ctx context.Context, orderID string) (models.Application, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE payment_order_id = $1`, orderID)
	return scanApplication(row)
}

// TransitionPatch carries the side-effect fields a transition may write.
// Each transition uses a named, fixed-shape patch instead of a generic
// field bag so the guard and the field set stay co-located.
type TransitionPatch struct {
	PaymentOrderID   string
	PaymentReference string
	QueueError       string
}

// TransitionStatus performs the compare-expected-status-and-swap guard: the
// update applies only when the row's current status is in the expected set.
// Zero rows affected means another actor won the race; ErrStatusConflict is
// returned and the row is left untouched.
func (s *Store) TransitionStatus(ctx context.Context, id int64, expected []string, next string, patch TransitionPatch) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications
		SET status = $3,
		    payment_order_id = COALESCE(NULLIF($4, ''), payment_order_id),
		    payment_reference = COALESCE(NULLIF($5, ''), payment_reference),
		    queue_error = COALESCE(NULLIF($6, ''), queue_error),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, id, expected, next, patch.PaymentOrderID, patch.PaymentReference, patch.QueueError)
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// EnqueueGeneration transitions an application into IN_QUEUE and inserts its
// durable job row in one transaction, so either both happen or neither. The
// caller pushes the returned job id to the runtime queue afterwards and
// reverts via RevertEnqueue if that push fails.
func (s *Store) EnqueueGeneration(ctx context.Context, appID int64, expected []string, jobID string, priority, maxAttempts int, runAt time.Time) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE applications
		SET status = $3, queue_status = $4, queue_entered_at = NOW(),
		    queue_started_at = NULL, queue_completed_at = NULL,
		    queue_position = (SELECT COUNT(*) + 1 FROM generation_jobs WHERE status = $6),
		    queue_job_id = $5, queue_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, appID, expected, models.StatusInQueue, models.QueueStatusQueued, jobID, models.JobQueued)
	if err != nil {
		return models.Job{}, fmt.Errorf("mark in queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, ErrStatusConflict
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO generation_jobs (id, application_id, priority, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
	`, jobID, appID, priority, models.JobQueued, maxAttempts, runAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert generation job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit enqueue: %w", err)
	}

	return models.Job{
		ID:            jobID,
		ApplicationID: appID,
		Priority:      priority,
		Status:        models.JobQueued,
		MaxAttempts:   maxAttempts,
		NextRunAt:     runAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// RevertEnqueue compensates a failed runtime-queue push: the job row is
// removed and the application returns to the pre-enqueue status.
func (s *Store) RevertEnqueue(ctx context.Context, appID int64, jobID, previousStatus, reason string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM generation_jobs WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE applications
		SET status = $2, queue_status = NULL, queue_entered_at = NULL,
		    queue_position = NULL, queue_job_id = NULL, queue_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, appID, previousStatus, reason, models.StatusInQueue)
	if err != nil {
		return fmt.Errorf("revert enqueue: %w", err)
	}
	return tx.Commit(ctx)
}

// ClaimForGeneration acquires exclusive worker-side ownership of the row.
// The claim is a compare-and-swap update, not a blocking lock: zero rows
// affected means another actor holds the row or the application moved to a
// status the worker must not touch, and the attempt is abandoned cleanly.
// Retry attempts re-claim rows left in ERROR_GENERATING_PERMIT/failed.
func (s *Store) ClaimForGeneration(ctx context.Context, appID int64, jobID string) (models.Application, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE applications
		SET status = $3, queue_status = $4, queue_started_at = NOW(),
		    queue_position = NULL, queue_job_id = $2, updated_at = NOW()
		WHERE id = $1
		  AND status = ANY($5)
		  AND queue_status = ANY($6)
		RETURNING `+applicationColumns,
		appID, jobID,
		models.StatusProcessingDocuments, models.QueueStatusProcessing,
		[]string{models.StatusInQueue, models.StatusErrorGenerating},
		[]string{models.QueueStatusQueued, models.QueueStatusFailed},
	)
	app, err := scanApplication(row)
	if errors.Is(err, ErrNotFound) {
		return models.Application{}, false, nil
	}
	if err != nil {
		return models.Application{}, false, err
	}
	if !models.QueueStateValid(app.Status, app.QueueStatus) {
		return models.Application{}, false, fmt.Errorf("claimed app %d in invalid queue state %s", appID, app.Status)
	}
	return app, true, nil
}

// CompleteGeneration writes the successful outcome in a single atomic
// update: artifacts, folio, validity window, terminal status, and queue
// bookkeeping together, so partial results are never observable.
func (s *Store) CompleteGeneration(ctx context.Context, appID int64, out models.GenerationOutput) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications
		SET status = $2, queue_status = $3, queue_completed_at = NOW(),
		    queue_duration_ms = (EXTRACT(EPOCH FROM (NOW() - queue_started_at)) * 1000)::bigint,
		    permit_path = $4, receipt_path = $5, certificate_path = $6, plate_path = $7,
		    folio = $8, issued_at = $9, expires_at = $10,
		    error_message = NULL, error_category = NULL, error_at = NULL, queue_error = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = $11
	`, appID, models.StatusPermitReady, models.QueueStatusCompleted,
		out.PermitPath, out.ReceiptPath, out.CertificatePath, out.PlatePath,
		out.Folio, out.IssuedAt, out.ExpiresAt,
		models.StatusProcessingDocuments)
	if err != nil {
		return fmt.Errorf("complete generation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// FailGeneration records a categorized failure in a single atomic update and
// bumps retry_count. The job queue's retry policy decides what happens next.
func (s *Store) FailGeneration(ctx context.Context, appID int64, f models.GenerationFailure) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications
		SET status = $2, queue_status = $3,
		    error_message = $4, error_category = $5, error_at = NOW(),
		    screenshot_path = COALESCE(NULLIF($6, ''), screenshot_path),
		    retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = $7
	`, appID, models.StatusErrorGenerating, models.QueueStatusFailed,
		f.Message, f.Category, f.ScreenshotPath,
		models.StatusProcessingDocuments)
	if err != nil {
		return fmt.Errorf("fail generation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ResolveApplication records manual admin handling of a failed generation.
// The application leaves triage as PERMIT_READY with resolution metadata;
// the permit itself was produced outside the pipeline.
func (s *Store) ResolveApplication(ctx context.Context, appID int64, notes, resolvedBy string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications
		SET status = $2, queue_status = $3, resolution_notes = $4, resolved_by = $5,
		    resolved_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, appID, models.StatusPermitReady, models.QueueStatusCompleted,
		notes, resolvedBy, models.StatusErrorGenerating)
	if err != nil {
		return fmt.Errorf("resolve application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// CreateRenewal spawns a fresh AWAITING_PAYMENT row linked to an existing
// permit. Renewal never re-enters the old row into the queue.
func (s *Store) CreateRenewal(ctx context.Context, fromID int64, amountCents int64) (models.Application, error) {
	prev, err := s.GetApplication(ctx, fromID)
	if err != nil {
		return models.Application{}, err
	}
	if prev.Status != models.StatusPermitReady && prev.Status != models.StatusExpired {
		return models.Application{}, ErrStatusConflict
	}
	return s.CreateApplication(ctx, CreateApplicationParams{
		AmountCents:   amountCents,
		RenewedFromID: &fromID,
		RenewalCount:  prev.RenewalCount + 1,
	})
}

// QueuePosition counts queued jobs ahead of the application's job, ordered
// by priority then age. Returns 0 when the application is not queued.
func (s *Store) QueuePosition(ctx context.Context, appID int64) (int, error) {
	var priority int
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT priority, created_at FROM generation_jobs
		WHERE application_id = $1 AND status = $2
		ORDER BY created_at DESC LIMIT 1
	`, appID, models.JobQueued).Scan(&priority, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}

	var ahead int
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM generation_jobs
		WHERE status = $1 AND (priority > $2 OR (priority = $2 AND created_at < $3))
	`, models.JobQueued, priority, createdAt).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return ahead + 1, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func int4Ptr(v pgtype.Int4) *int {
	if v.Valid {
		n := int(v.Int32)
		return &n
	}
	return nil
}

func int8Ptr(v pgtype.Int8) *int64 {
	if v.Valid {
		return &v.Int64
	}
	return nil
}

func tsPtr(v pgtype.Timestamptz) *time.Time {
	if v.Valid {
		t := v.Time
		return &t
	}
	return nil
}
