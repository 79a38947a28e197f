package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"permit-pipeline/internal/models"
)

// InsertWebhookReceipt records a processor event id with insert-if-absent
// semantics. It returns false when the id was already present, meaning the
// event's side effects were applied before and must not run again.
func (s *Store) InsertWebhookReceipt(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_receipts (event_id, received_at)
		VALUES ($1, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID)
	if err != nil {
		return false, fmt.Errorf("insert webhook receipt: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendPaymentEvent writes one immutable processor event row.
func (s *Store) AppendPaymentEvent(ctx context.Context, e models.PaymentEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO payment_events (application_id, order_id, event_id, event_type, amount_cents, voucher_reference, voucher_expires_at, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, NOW())
	`, e.ApplicationID, e.OrderID, e.EventID, e.EventType, e.AmountCents,
		deref(e.VoucherReference), e.VoucherExpiresAt, payload)
	if err != nil {
		return fmt.Errorf("append payment event: %w", err)
	}
	return nil
}

// LatestVoucherExpiry returns the most recent voucher expiry recorded for an
// application, if any. Voucher metadata lives only in the event ledger.
func (s *Store) LatestVoucherExpiry(ctx context.Context, appID int64) (*time.Time, error) {
	var exp pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT voucher_expires_at FROM payment_events
		WHERE application_id = $1 AND voucher_expires_at IS NOT NULL
		ORDER BY created_at DESC LIMIT 1
	`, appID).Scan(&exp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest voucher expiry: %w", err)
	}
	return tsPtr(exp), nil
}

// UpsertRecoveryAttempt bumps the attempt counter for one
// (application, payment order) pair atomically via ON CONFLICT, so
// concurrent sweeps increment rather than overwrite. Returns the row after
// the increment.
func (s *Store) UpsertRecoveryAttempt(ctx context.Context, appID int64, orderID string) (models.RecoveryAttempt, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO recovery_attempts (application_id, payment_order_id, attempt_count, last_attempt_at, status)
		VALUES ($1, $2, 1, NOW(), $3)
		ON CONFLICT (application_id, payment_order_id) DO UPDATE
		SET attempt_count = recovery_attempts.attempt_count + 1,
		    last_attempt_at = NOW(),
		    status = $4
		RETURNING application_id, payment_order_id, attempt_count, last_attempt_at, last_error, status
	`, appID, orderID, models.RecoveryPending, models.RecoveryRecovering)
	return scanRecovery(row)
}

// FinishRecoveryAttempt records the outcome of one recovery attempt.
func (s *Store) FinishRecoveryAttempt(ctx context.Context, appID int64, orderID, status string, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE recovery_attempts
		SET status = $3, last_error = $4
		WHERE application_id = $1 AND payment_order_id = $2
	`, appID, orderID, status, lastError)
	if err != nil {
		return fmt.Errorf("finish recovery attempt: %w", err)
	}
	return nil
}

// ListStaleRecoveries returns pending/recovering rows whose last attempt is
// older than staleAfter and which have not hit maxAttempts.
func (s *Store) ListStaleRecoveries(ctx context.Context, staleAfter time.Duration, maxAttempts, limit int) ([]models.RecoveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT application_id, payment_order_id, attempt_count, last_attempt_at, last_error, status
		FROM recovery_attempts
		WHERE status = ANY($1)
		  AND attempt_count < $2
		  AND (last_attempt_at IS NULL OR last_attempt_at < NOW() - $3::interval)
		ORDER BY last_attempt_at NULLS FIRST
		LIMIT $4
	`, []string{models.RecoveryPending, models.RecoveryRecovering},
		maxAttempts, fmt.Sprintf("%f seconds", staleAfter.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale recoveries: %w", err)
	}
	defer rows.Close()

	var out []models.RecoveryAttempt
	for rows.Next() {
		ra, err := scanRecovery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ra)
	}
	return out, rows.Err()
}

// MarkRecoveryExhausted flags rows that reached the attempt ceiling so they
// stop being swept and surface for triage.
func (s *Store) MarkRecoveryExhausted(ctx context.Context, maxAttempts int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recovery_attempts
		SET status = $1
		WHERE status = ANY($2) AND attempt_count >= $3
	`, models.RecoveryMaxAttempts,
		[]string{models.RecoveryPending, models.RecoveryRecovering}, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("mark recovery exhausted: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RegisterRecovery seeds a pending recovery row without bumping the counter,
// called whenever an application gains a payment order id and a webhook is
// expected. last_attempt_at starts at NOW() so the sweep re-queries the
// processor only after the stale window elapses without a webhook.
func (s *Store) RegisterRecovery(ctx context.Context, appID int64, orderID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recovery_attempts (application_id, payment_order_id, attempt_count, last_attempt_at, status)
		VALUES ($1, $2, 0, NOW(), $3)
		ON CONFLICT (application_id, payment_order_id) DO NOTHING
	`, appID, orderID, models.RecoveryPending)
	if err != nil {
		return fmt.Errorf("register recovery: %w", err)
	}
	return nil
}

func scanRecovery(row pgx.Row) (models.RecoveryAttempt, error) {
	var ra models.RecoveryAttempt
	var lastAt pgtype.Timestamptz
	var lastErr pgtype.Text
	if err := row.Scan(&ra.ApplicationID, &ra.PaymentOrderID, &ra.AttemptCount, &lastAt, &lastErr, &ra.Status); err != nil {
		return models.RecoveryAttempt{}, fmt.Errorf("scan recovery attempt: %w", err)
	}
	ra.LastAttemptAt = tsPtr(lastAt)
	ra.LastError = textPtr(lastErr)
	return ra, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
