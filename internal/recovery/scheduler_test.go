package recovery

import (
	"context"
	"strconv"
	"testing"
	"time"

	"permit-pipeline/internal/config"
	"permit-pipeline/internal/models"
	"permit-pipeline/internal/payments"
	"permit-pipeline/internal/store"
)

type fakeRecoveryStore struct {
	apps map[int64]*models.Application

	stuck      []store.StuckApplication
	recoveries map[string]*models.RecoveryAttempt

	expiredPermits []int64
	voucherPending []int64
	voucherExpiry  map[int64]time.Time

	jobRetries  []string
	events      []models.PaymentEvent
	finished    map[string]string
	stuckWindow time.Duration
}

func newFakeRecoveryStore() *fakeRecoveryStore {
	return &fakeRecoveryStore{
		apps:          make(map[int64]*models.Application),
		recoveries:    make(map[string]*models.RecoveryAttempt),
		voucherExpiry: make(map[int64]time.Time),
		finished:      make(map[string]string),
	}
}

func (f *fakeRecoveryStore) ListStuckProcessing(_ context.Context, lease time.Duration, _ int) ([]store.StuckApplication, error) {
	f.stuckWindow = lease
	return f.stuck, nil
}

func (f *fakeRecoveryStore) ResetStuckProcessing(_ context.Context, appID int64, jobID string) (bool, error) {
	app, ok := f.apps[appID]
	if !ok || app.QueueStatus == nil || *app.QueueStatus != models.QueueStatusProcessing {
		return false, nil
	}
	app.Status = models.StatusInQueue
	qs := models.QueueStatusQueued
	app.QueueStatus = &qs
	app.QueueStartedAt = nil
	// The row is no longer stuck; the next sweep cycle sees nothing.
	f.stuck = nil
	return true, nil
}

func (f *fakeRecoveryStore) MarkJobRetry(_ context.Context, id string, _ time.Time, _ string) error {
	f.jobRetries = append(f.jobRetries, id)
	return nil
}

func (f *fakeRecoveryStore) ListStaleRecoveries(_ context.Context, _ time.Duration, _, _ int) ([]models.RecoveryAttempt, error) {
	var out []models.RecoveryAttempt
	for _, ra := range f.recoveries {
		if ra.Status == models.RecoveryPending || ra.Status == models.RecoveryRecovering {
			out = append(out, *ra)
		}
	}
	return out, nil
}

func (f *fakeRecoveryStore) UpsertRecoveryAttempt(_ context.Context, appID int64, orderID string) (models.RecoveryAttempt, error) {
	key := recoveryKey(appID, orderID)
	ra, ok := f.recoveries[key]
	if !ok {
		ra = &models.RecoveryAttempt{ApplicationID: appID, PaymentOrderID: orderID}
		f.recoveries[key] = ra
	}
	ra.AttemptCount++
	ra.Status = models.RecoveryRecovering
	now := time.Now()
	ra.LastAttemptAt = &now
	return *ra, nil
}

func (f *fakeRecoveryStore) FinishRecoveryAttempt(_ context.Context, appID int64, orderID, status string, lastError *string) error {
	key := recoveryKey(appID, orderID)
	if ra, ok := f.recoveries[key]; ok {
		ra.Status = status
		ra.LastError = lastError
	}
	f.finished[key] = status
	return nil
}

func (f *fakeRecoveryStore) MarkRecoveryExhausted(_ context.Context, _ int) (int64, error) {
	return 0, nil
}

func (f *fakeRecoveryStore) AppendPaymentEvent(_ context.Context, e models.PaymentEvent) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeRecoveryStore) TransitionStatus(_ context.Context, id int64, expected []string, next string, _ store.TransitionPatch) error {
	app, ok := f.apps[id]
	if !ok {
		return store.ErrNotFound
	}
	for _, e := range expected {
		if app.Status == e {
			app.Status = next
			return nil
		}
	}
	return store.ErrStatusConflict
}

func (f *fakeRecoveryStore) ListExpiredPermits(_ context.Context, _ int) ([]int64, error) {
	return f.expiredPermits, nil
}

func (f *fakeRecoveryStore) ListVoucherPending(_ context.Context, _ int) ([]int64, error) {
	return f.voucherPending, nil
}

func (f *fakeRecoveryStore) LatestVoucherExpiry(_ context.Context, appID int64) (*time.Time, error) {
	if exp, ok := f.voucherExpiry[appID]; ok {
		return &exp, nil
	}
	return nil, nil
}

func recoveryKey(appID int64, orderID string) string {
	return orderID + "/" + strconv.FormatInt(appID, 10)
}

type fakeQueue struct {
	removed  []string
	enqueued []string
}

func (f *fakeQueue) Remove(_ context.Context, jobID string) error {
	f.removed = append(f.removed, jobID)
	return nil
}

func (f *fakeQueue) Enqueue(_ context.Context, jobID string, _ int, _ time.Time) error {
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

type fakeProcessor struct {
	orders map[string]payments.Order
}

func (f *fakeProcessor) GetOrder(_ context.Context, orderID string) (payments.Order, error) {
	return f.orders[orderID], nil
}

type fakeDispatch struct {
	calls []int64
}

func (f *fakeDispatch) Dispatch(_ context.Context, appID int64, _ []string, _ string, _ int, _ time.Time) (models.Job, error) {
	f.calls = append(f.calls, appID)
	return models.Job{ID: "job-recovered", ApplicationID: appID}, nil
}

func testScheduler(st *fakeRecoveryStore, q *fakeQueue, pc *fakeProcessor, d *fakeDispatch) *Scheduler {
	cfg := config.Config{
		VisibilityTimeout:   6 * time.Minute,
		RecoveryInterval:    time.Minute,
		RecoveryStaleAfter:  10 * time.Minute,
		RecoveryMaxAttempts: 5,
	}
	return NewScheduler(cfg, st, q, pc, d)
}

func TestStuckSweepReclaimsOrphanOnce(t *testing.T) {
	st := newFakeRecoveryStore()
	qs := models.QueueStatusProcessing
	st.apps[1] = &models.Application{ID: 1, Status: models.StatusProcessingDocuments, QueueStatus: &qs}
	st.stuck = []store.StuckApplication{{ID: 1, JobID: "job-1", Status: models.StatusProcessingDocuments}}

	q := &fakeQueue{}
	s := testScheduler(st, q, &fakeProcessor{orders: map[string]payments.Order{}}, &fakeDispatch{})

	s.RunOnce(context.Background())

	if st.apps[1].Status != models.StatusInQueue {
		t.Fatalf("status = %s, want IN_QUEUE", st.apps[1].Status)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != "job-1" {
		t.Fatalf("enqueued = %v, want [job-1]", q.enqueued)
	}

	// Second cycle: the row is already queued, nothing to reclaim.
	s.RunOnce(context.Background())
	if len(q.enqueued) != 1 {
		t.Fatalf("orphan reclaimed twice: %v", q.enqueued)
	}
}

func TestPaymentRecoveryAppliesPaidOrder(t *testing.T) {
	st := newFakeRecoveryStore()
	st.apps[2] = &models.Application{ID: 2, Status: models.StatusAwaitingPayment}
	st.recoveries[recoveryKey(2, "ord_2")] = &models.RecoveryAttempt{
		ApplicationID: 2, PaymentOrderID: "ord_2", Status: models.RecoveryPending,
	}

	pc := &fakeProcessor{orders: map[string]payments.Order{
		"ord_2": {ID: "ord_2", Status: payments.OrderPaid, AmountCents: 19900},
	}}
	d := &fakeDispatch{}
	s := testScheduler(st, &fakeQueue{}, pc, d)

	s.RunOnce(context.Background())

	if st.apps[2].Status != models.StatusPaymentReceived {
		t.Fatalf("status = %s, want PAYMENT_RECEIVED", st.apps[2].Status)
	}
	if len(d.calls) != 1 || d.calls[0] != 2 {
		t.Fatalf("dispatch calls = %v, want [2]", d.calls)
	}
	if len(st.events) != 1 {
		t.Fatalf("payment events = %d, want 1", len(st.events))
	}
	if got := st.finished[recoveryKey(2, "ord_2")]; got != models.RecoverySucceeded {
		t.Fatalf("recovery status = %s, want succeeded", got)
	}
}

func TestPaymentRecoveryDispatchesWhenEnqueueWasLost(t *testing.T) {
	st := newFakeRecoveryStore()
	// The webhook applied the payment but its enqueue failed, leaving the
	// row parked in PAYMENT_RECEIVED with a pending recovery entry.
	st.apps[7] = &models.Application{ID: 7, Status: models.StatusPaymentReceived}
	st.recoveries[recoveryKey(7, "ord_7")] = &models.RecoveryAttempt{
		ApplicationID: 7, PaymentOrderID: "ord_7", Status: models.RecoveryPending,
	}

	pc := &fakeProcessor{orders: map[string]payments.Order{
		"ord_7": {ID: "ord_7", Status: payments.OrderPaid, AmountCents: 19900},
	}}
	d := &fakeDispatch{}
	s := testScheduler(st, &fakeQueue{}, pc, d)

	s.RunOnce(context.Background())

	if len(d.calls) != 1 || d.calls[0] != 7 {
		t.Fatalf("dispatch calls = %v, want [7]", d.calls)
	}
	// The payment was already recorded by the webhook path; the sweep must
	// not duplicate the event.
	if len(st.events) != 0 {
		t.Fatalf("payment events = %d, want 0", len(st.events))
	}
	if got := st.finished[recoveryKey(7, "ord_7")]; got != models.RecoverySucceeded {
		t.Fatalf("recovery status = %s, want succeeded", got)
	}
}

func TestStuckSweepWindowCoversGenerationBudget(t *testing.T) {
	st := newFakeRecoveryStore()
	cfg := config.Config{
		VisibilityTimeout:   6 * time.Minute,
		GenerationTimeout:   10 * time.Minute,
		RecoveryInterval:    time.Minute,
		RecoveryStaleAfter:  10 * time.Minute,
		RecoveryMaxAttempts: 5,
	}
	s := NewScheduler(cfg, st, &fakeQueue{}, &fakeProcessor{orders: map[string]payments.Order{}}, &fakeDispatch{})

	s.RunOnce(context.Background())

	// A worker extends its lease up to the generation budget, so a row is
	// orphaned only once that budget has also elapsed.
	if st.stuckWindow <= cfg.GenerationTimeout {
		t.Fatalf("stuck window = %s, must exceed the generation budget %s", st.stuckWindow, cfg.GenerationTimeout)
	}
}

func TestPaymentRecoveryDeclinedOrder(t *testing.T) {
	st := newFakeRecoveryStore()
	st.apps[3] = &models.Application{ID: 3, Status: models.StatusAwaitingOxxoPayment}
	st.recoveries[recoveryKey(3, "ord_3")] = &models.RecoveryAttempt{
		ApplicationID: 3, PaymentOrderID: "ord_3", Status: models.RecoveryPending,
	}

	pc := &fakeProcessor{orders: map[string]payments.Order{
		"ord_3": {ID: "ord_3", Status: payments.OrderDeclined},
	}}
	d := &fakeDispatch{}
	s := testScheduler(st, &fakeQueue{}, pc, d)

	s.RunOnce(context.Background())

	if st.apps[3].Status != models.StatusPaymentFailed {
		t.Fatalf("status = %s, want PAYMENT_FAILED", st.apps[3].Status)
	}
	if len(d.calls) != 0 {
		t.Fatalf("declined order must not dispatch")
	}
}

func TestExpirationSweep(t *testing.T) {
	st := newFakeRecoveryStore()
	st.apps[4] = &models.Application{ID: 4, Status: models.StatusPermitReady}
	st.expiredPermits = []int64{4}

	st.apps[5] = &models.Application{ID: 5, Status: models.StatusAwaitingOxxoPayment}
	st.voucherPending = []int64{5}
	st.voucherExpiry[5] = time.Now().Add(-time.Hour)

	st.apps[6] = &models.Application{ID: 6, Status: models.StatusAwaitingOxxoPayment}
	st.voucherPending = append(st.voucherPending, 6)
	st.voucherExpiry[6] = time.Now().Add(time.Hour)

	s := testScheduler(st, &fakeQueue{}, &fakeProcessor{orders: map[string]payments.Order{}}, &fakeDispatch{})
	s.RunOnce(context.Background())

	if st.apps[4].Status != models.StatusExpired {
		t.Fatalf("permit status = %s, want EXPIRED", st.apps[4].Status)
	}
	if st.apps[5].Status != models.StatusPaymentFailed {
		t.Fatalf("expired voucher status = %s, want PAYMENT_FAILED", st.apps[5].Status)
	}
	if st.apps[6].Status != models.StatusAwaitingOxxoPayment {
		t.Fatalf("live voucher was expired: %s", st.apps[6].Status)
	}
}
