package models

import (
	"time"
)

// ApplicationStatus enumerates the business lifecycle persisted in Postgres.
// These values are part of the on-disk contract read by reporting and the
// admin UI; do not rename without a migration.
const (
	StatusAwaitingPayment     = "AWAITING_PAYMENT"
	StatusPaymentProcessing   = "PAYMENT_PROCESSING"
	StatusAwaitingOxxoPayment = "AWAITING_OXXO_PAYMENT"
	StatusPaymentReceived     = "PAYMENT_RECEIVED"
	StatusInQueue             = "IN_QUEUE"
	StatusProcessingDocuments = "PROCESSING_DOCUMENTS"
	StatusPermitReady         = "PERMIT_READY"
	StatusErrorGenerating     = "ERROR_GENERATING_PERMIT"
	StatusPaymentFailed       = "PAYMENT_FAILED"
	StatusExpired             = "EXPIRED"
	StatusCancelled           = "CANCELLED"
)

// QueueStatus tracks the execution lifecycle, independent of the business
// status above. A nil queue status means the application never entered the
// generation queue.
const (
	QueueStatusQueued     = "queued"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
)

// Error categories attached to failed generation attempts.
const (
	ErrCategoryTimeout         = "TIMEOUT"
	ErrCategoryAuth            = "AUTH_FAILURE"
	ErrCategoryUpstreamChanged = "UPSTREAM_CHANGED"
	ErrCategoryUnknown         = "UNKNOWN"
)

// TerminalStatuses never re-enter the queue without an explicit admin
// retry or a renewal that creates a fresh application row.
var TerminalStatuses = map[string]bool{
	StatusPermitReady: true,
	StatusExpired:     true,
	StatusCancelled:   true,
}

// QueueStateValid reports whether a (status, queue_status) pair is part of
// the documented cross-product. The claim path checks the pair it produced
// so a drifted row is surfaced instead of processed.
func QueueStateValid(status string, queueStatus *string) bool {
	if queueStatus == nil {
		switch status {
		case StatusInQueue, StatusProcessingDocuments:
			return false
		}
		return true
	}
	switch *queueStatus {
	case QueueStatusQueued:
		return status == StatusInQueue || status == StatusErrorGenerating
	case QueueStatusProcessing:
		return status == StatusProcessingDocuments
	case QueueStatusCompleted:
		return status == StatusPermitReady || status == StatusExpired
	case QueueStatusFailed:
		return status == StatusErrorGenerating || status == StatusCancelled
	}
	return false
}

// Application is one user's permit request and its full lifecycle record.
type Application struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`

	QueueStatus *string `json:"queue_status,omitempty"`
	// QueuePosition is a snapshot taken at enqueue time; the live position
	// is computed on demand.
	QueuePosition    *int       `json:"queue_position,omitempty"`
	QueueEnteredAt   *time.Time `json:"queue_entered_at,omitempty"`
	QueueStartedAt   *time.Time `json:"queue_started_at,omitempty"`
	QueueCompletedAt *time.Time `json:"queue_completed_at,omitempty"`
	QueueDurationMS  *int64     `json:"queue_duration_ms,omitempty"`
	QueueJobID       *string    `json:"queue_job_id,omitempty"`
	QueueError       *string    `json:"queue_error,omitempty"`

	ErrorMessage   *string    `json:"error_message,omitempty"`
	ErrorCategory  *string    `json:"error_category,omitempty"`
	ErrorAt        *time.Time `json:"error_at,omitempty"`
	ScreenshotPath *string    `json:"screenshot_path,omitempty"`
	RetryCount     int        `json:"retry_count"`

	PaymentOrderID   *string `json:"payment_order_id,omitempty"`
	PaymentReference *string `json:"payment_reference,omitempty"`
	AmountCents      int64   `json:"amount_cents"`

	PermitPath      *string    `json:"permit_path,omitempty"`
	ReceiptPath     *string    `json:"receipt_path,omitempty"`
	CertificatePath *string    `json:"certificate_path,omitempty"`
	PlatePath       *string    `json:"plate_path,omitempty"`
	Folio           *string    `json:"folio,omitempty"`
	IssuedAt        *time.Time `json:"issued_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`

	ResolutionNotes *string    `json:"resolution_notes,omitempty"`
	ResolvedBy      *string    `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`

	RenewedFromID *int64 `json:"renewed_from_id,omitempty"`
	RenewalCount  int    `json:"renewal_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentEvent is an immutable fact: the processor reported an event for an
// order at a point in time. Rows are never updated after insert; voucher
// reference and expiry are promoted to columns so the expiration sweep can
// query them without unpacking payloads.
type PaymentEvent struct {
	ID               int64          `json:"id"`
	ApplicationID    int64          `json:"application_id"`
	OrderID          string         `json:"order_id"`
	EventID          string         `json:"event_id"`
	EventType        string         `json:"event_type"`
	AmountCents      int64          `json:"amount_cents"`
	VoucherReference *string        `json:"voucher_reference,omitempty"`
	VoucherExpiresAt *time.Time     `json:"voucher_expires_at,omitempty"`
	Payload          map[string]any `json:"payload"`
	CreatedAt        time.Time      `json:"created_at"`
}

// RecoveryStatus values for RecoveryAttempt rows.
const (
	RecoveryPending     = "pending"
	RecoveryRecovering  = "recovering"
	RecoverySucceeded   = "succeeded"
	RecoveryFailed      = "failed"
	RecoveryMaxAttempts = "max_attempts_reached"
)

// RecoveryAttempt keeps bounded-retry bookkeeping for one
// (application, payment order) pair outside the webhook path, so it survives
// even when the main transition fails.
type RecoveryAttempt struct {
	ApplicationID  int64      `json:"application_id"`
	PaymentOrderID string     `json:"payment_order_id"`
	AttemptCount   int        `json:"attempt_count"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	Status         string     `json:"status"`
}

// GenerationOutput is the successful result of one generation attempt,
// written to the application row in a single atomic update.
type GenerationOutput struct {
	PermitPath      string
	ReceiptPath     string
	CertificatePath string
	PlatePath       string
	Folio           string
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// GenerationFailure is the categorized outcome of a failed attempt.
type GenerationFailure struct {
	Category       string
	Message        string
	ScreenshotPath string
}
