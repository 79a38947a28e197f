package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"permit-pipeline/internal/config"
	"permit-pipeline/internal/models"
	"permit-pipeline/internal/payments"
	"permit-pipeline/internal/store"
	"permit-pipeline/internal/telemetry"
)

const sweepBatchSize = 100

// Store is the slice of the Postgres store the sweeps operate on.
type Store interface {
	ListStuckProcessing(ctx context.Context, lease time.Duration, limit int) ([]store.StuckApplication, error)
	ResetStuckProcessing(ctx context.Context, appID int64, jobID string) (bool, error)
	MarkJobRetry(ctx context.Context, id string, nextRun time.Time, lastErr string) error

	ListStaleRecoveries(ctx context.Context, staleAfter time.Duration, maxAttempts, limit int) ([]models.RecoveryAttempt, error)
	UpsertRecoveryAttempt(ctx context.Context, appID int64, orderID string) (models.RecoveryAttempt, error)
	FinishRecoveryAttempt(ctx context.Context, appID int64, orderID, status string, lastError *string) error
	MarkRecoveryExhausted(ctx context.Context, maxAttempts int) (int64, error)
	AppendPaymentEvent(ctx context.Context, e models.PaymentEvent) error
	TransitionStatus(ctx context.Context, id int64, expected []string, next string, patch store.TransitionPatch) error

	ListExpiredPermits(ctx context.Context, limit int) ([]int64, error)
	ListVoucherPending(ctx context.Context, limit int) ([]int64, error)
	LatestVoucherExpiry(ctx context.Context, appID int64) (*time.Time, error)
}

// Queue is the runtime-queue slice used to re-enqueue reclaimed jobs.
type Queue interface {
	Remove(ctx context.Context, jobID string) error
	Enqueue(ctx context.Context, jobID string, priority int, runAt time.Time) error
}

// ProcessorClient re-queries the payment processor directly, bypassing
// webhooks.
type ProcessorClient interface {
	GetOrder(ctx context.Context, orderID string) (payments.Order, error)
}

// Dispatcher enqueues generation once a recovered payment is confirmed.
type Dispatcher interface {
	Dispatch(ctx context.Context, appID int64, expected []string, previousStatus string, priority int, runAt time.Time) (models.Job, error)
}

// Scheduler runs the three reconciliation sweeps on a fixed interval,
// independent of request traffic. Each row is processed in isolation; one
// row's error never aborts the batch.
type Scheduler struct {
	cfg        config.Config
	store      Store
	queue      Queue
	processor  ProcessorClient
	dispatcher Dispatcher
}

func NewScheduler(cfg config.Config, st Store, q Queue, pc ProcessorClient, d Dispatcher) *Scheduler {
	return &Scheduler{cfg: cfg, store: st, queue: q, processor: pc, dispatcher: d}
}

// Run executes sweeps until context cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		s.RunOnce(ctx)
	}
}

// RunOnce performs a single sweep cycle.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.sweepStuck(ctx)
	s.sweepPayments(ctx)
	s.sweepExpirations(ctx)
}

// leaseWindow is how long a processing row may sit before the sweep treats
// it as orphaned. Workers extend their Redis lease past the visibility
// timeout when the generation budget demands it, so the window must cover
// the generation budget too or the sweep would reset a live attempt.
func (s *Scheduler) leaseWindow() time.Duration {
	window := s.cfg.VisibilityTimeout
	if g := s.cfg.GenerationTimeout + time.Minute; g > window {
		window = g
	}
	return window
}

// sweepStuck reclaims crash-orphaned applications: rows still marked
// processing whose attempt started before the lease window. Each is reset to
// queued and re-enqueued at retry priority, at most once per cycle.
func (s *Scheduler) sweepStuck(ctx context.Context) {
	rows, err := s.store.ListStuckProcessing(ctx, s.leaseWindow(), sweepBatchSize)
	if err != nil {
		log.Printf("recovery: list stuck: %v", err)
		return
	}
	for _, row := range rows {
		reset, err := s.store.ResetStuckProcessing(ctx, row.ID, row.JobID)
		if err != nil {
			log.Printf("recovery: reset stuck app=%d: %v", row.ID, err)
			continue
		}
		if !reset {
			// A live worker finished the attempt between list and reset.
			continue
		}
		if row.JobID != "" {
			_ = s.store.MarkJobRetry(ctx, row.JobID, time.Now(), "worker lease expired")
			_ = s.queue.Remove(ctx, row.JobID)
			if err := s.queue.Enqueue(ctx, row.JobID, models.PriorityRetry, time.Now()); err != nil {
				log.Printf("recovery: re-enqueue app=%d job=%s: %v", row.ID, row.JobID, err)
				continue
			}
		}
		telemetry.SweepReclaimed.Inc()
		log.Printf("recovery: reclaimed orphaned app=%d job=%s", row.ID, row.JobID)
	}
}

// sweepPayments reconciles applications whose payment state may have drifted
// from the processor's view: the webhook never arrived or was lost.
func (s *Scheduler) sweepPayments(ctx context.Context) {
	rows, err := s.store.ListStaleRecoveries(ctx, s.cfg.RecoveryStaleAfter, s.cfg.RecoveryMaxAttempts, sweepBatchSize)
	if err != nil {
		log.Printf("recovery: list stale recoveries: %v", err)
		return
	}
	for _, row := range rows {
		s.recoverPayment(ctx, row)
	}
	if n, err := s.store.MarkRecoveryExhausted(ctx, s.cfg.RecoveryMaxAttempts); err != nil {
		log.Printf("recovery: mark exhausted: %v", err)
	} else if n > 0 {
		log.Printf("recovery: %d recovery attempts reached the ceiling", n)
	}
}

func (s *Scheduler) recoverPayment(ctx context.Context, row models.RecoveryAttempt) {
	attempt, err := s.store.UpsertRecoveryAttempt(ctx, row.ApplicationID, row.PaymentOrderID)
	if err != nil {
		log.Printf("recovery: upsert attempt app=%d: %v", row.ApplicationID, err)
		return
	}
	telemetry.RecoveryAttempts.Inc()

	order, err := s.processor.GetOrder(ctx, row.PaymentOrderID)
	if err != nil {
		msg := err.Error()
		_ = s.store.FinishRecoveryAttempt(ctx, row.ApplicationID, row.PaymentOrderID, models.RecoveryPending, &msg)
		log.Printf("recovery: query processor app=%d order=%s: %v", row.ApplicationID, row.PaymentOrderID, err)
		return
	}

	switch order.Status {
	case payments.OrderPaid:
		s.applyRecoveredPayment(ctx, row, attempt, order)
	case payments.OrderDeclined, payments.OrderExpired:
		err := s.store.TransitionStatus(ctx, row.ApplicationID,
			[]string{models.StatusAwaitingPayment, models.StatusPaymentProcessing, models.StatusAwaitingOxxoPayment},
			models.StatusPaymentFailed,
			store.TransitionPatch{PaymentOrderID: order.ID})
		s.finishRecovery(ctx, row, err)
	default:
		// Still pending on the processor side; the attempt was consumed,
		// the row goes back to pending for the next stale window.
		_ = s.store.FinishRecoveryAttempt(ctx, row.ApplicationID, row.PaymentOrderID, models.RecoveryPending, nil)
	}
}

func (s *Scheduler) applyRecoveredPayment(ctx context.Context, row models.RecoveryAttempt, attempt models.RecoveryAttempt, order payments.Order) {
	err := s.store.TransitionStatus(ctx, row.ApplicationID,
		[]string{models.StatusAwaitingPayment, models.StatusPaymentProcessing, models.StatusAwaitingOxxoPayment},
		models.StatusPaymentReceived,
		store.TransitionPatch{PaymentOrderID: order.ID})
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		s.finishRecovery(ctx, row, err)
		return
	}

	if err == nil {
		_ = s.store.AppendPaymentEvent(ctx, models.PaymentEvent{
			ApplicationID: row.ApplicationID,
			OrderID:       order.ID,
			EventID:       fmt.Sprintf("recovery:%s:%d", order.ID, attempt.AttemptCount),
			EventType:     "recovery.order_paid",
			AmountCents:   order.AmountCents,
			Payload:       map[string]any{"source": "recovery_sweep", "status": order.Status},
		})
	}

	// Dispatch regardless of who applied the payment: a transition conflict
	// can also mean the webhook arrived but its enqueue failed, leaving the
	// row parked in PAYMENT_RECEIVED. A dispatch conflict in turn means the
	// application is already queued or beyond, which settles the row.
	_, dispatchErr := s.dispatcher.Dispatch(ctx, row.ApplicationID,
		[]string{models.StatusPaymentReceived},
		models.StatusPaymentReceived,
		models.PriorityRetry, time.Now())
	s.finishRecovery(ctx, row, dispatchErr)
}

func (s *Scheduler) finishRecovery(ctx context.Context, row models.RecoveryAttempt, err error) {
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		msg := err.Error()
		_ = s.store.FinishRecoveryAttempt(ctx, row.ApplicationID, row.PaymentOrderID, models.RecoveryPending, &msg)
		log.Printf("recovery: app=%d order=%s: %v", row.ApplicationID, row.PaymentOrderID, err)
		return
	}
	_ = s.store.FinishRecoveryAttempt(ctx, row.ApplicationID, row.PaymentOrderID, models.RecoverySucceeded, nil)
}

// sweepExpirations retires permits past their validity window and fails
// voucher waits past the voucher's own expiry. Neither path touches the
// worker pool.
func (s *Scheduler) sweepExpirations(ctx context.Context) {
	ids, err := s.store.ListExpiredPermits(ctx, sweepBatchSize)
	if err != nil {
		log.Printf("recovery: list expired permits: %v", err)
	} else {
		for _, id := range ids {
			err := s.store.TransitionStatus(ctx, id,
				[]string{models.StatusPermitReady}, models.StatusExpired, store.TransitionPatch{})
			if err != nil && !errors.Is(err, store.ErrStatusConflict) {
				log.Printf("recovery: expire app=%d: %v", id, err)
				continue
			}
			if err == nil {
				telemetry.SweepExpired.Inc()
			}
		}
	}

	pending, err := s.store.ListVoucherPending(ctx, sweepBatchSize)
	if err != nil {
		log.Printf("recovery: list voucher pending: %v", err)
		return
	}
	now := time.Now()
	for _, id := range pending {
		expiry, err := s.store.LatestVoucherExpiry(ctx, id)
		if err != nil {
			log.Printf("recovery: voucher expiry app=%d: %v", id, err)
			continue
		}
		if expiry == nil || expiry.After(now) {
			continue
		}
		err = s.store.TransitionStatus(ctx, id,
			[]string{models.StatusAwaitingOxxoPayment}, models.StatusPaymentFailed,
			store.TransitionPatch{QueueError: "cash voucher expired unpaid"})
		if err != nil && !errors.Is(err, store.ErrStatusConflict) {
			log.Printf("recovery: expire voucher app=%d: %v", id, err)
			continue
		}
		if err == nil {
			telemetry.SweepExpired.Inc()
		}
	}
}
