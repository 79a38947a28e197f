package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"permit-pipeline/internal/models"
	"permit-pipeline/internal/store"
)

const testSecret = "shhh"

type fakeLedger struct {
	mu         sync.Mutex
	receipts   map[string]bool
	events     []models.PaymentEvent
	apps       map[int64]*models.Application
	recoveries []string
	settled    map[string]string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		receipts: make(map[string]bool),
		apps:     make(map[int64]*models.Application),
		settled:  make(map[string]string),
	}
}

func (f *fakeLedger) InsertWebhookReceipt(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipts[eventID] {
		return false, nil
	}
	f.receipts[eventID] = true
	return true, nil
}

func (f *fakeLedger) AppendPaymentEvent(_ context.Context, e models.PaymentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeLedger) TransitionStatus(_ context.Context, id int64, expected []string, next string, _ store.TransitionPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeLedger) GetApplication(_ context.Context, id int64) (models.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[id]
	if !ok {
		return models.Application{}, store.ErrNotFound
	}
	return *app, nil
}

func (f *fakeLedger) FindByOrderID(_ context.Context, orderID string) (models.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, app := range f.apps {
		if app.PaymentOrderID != nil && *app.PaymentOrderID == orderID {
			return *app, nil
		}
	}
	return models.Application{}, store.ErrNotFound
}

func (f *fakeLedger) RegisterRecovery(_ context.Context, appID int64, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveries = append(f.recoveries, orderID)
	return nil
}

func (f *fakeLedger) FinishRecoveryAttempt(_ context.Context, appID int64, orderID, status string, _ *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled[orderID] = status
	return nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, appID int64, _ []string, _ string, _ int, _ time.Time) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Job{}, f.err
	}
	f.calls = append(f.calls, appID)
	return models.Job{ID: "job-test", ApplicationID: appID}, nil
}

func signedBody(t *testing.T, env Envelope) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body, Sign(testSecret, body)
}

func paidEnvelope(eventID string, appID int64) Envelope {
	return Envelope{
		EventID: eventID,
		Type:    EventOrderPaid,
		Data: EventData{
			OrderID:     "ord_123",
			AmountCents: 19900,
			Status:      "paid",
			Metadata:    Metadata{ApplicationID: appID},
		},
	}
}

func TestInvalidSignatureRejectedWithoutSideEffects(t *testing.T) {
	ledger := newFakeLedger()
	d := &fakeDispatcher{}
	h := NewHandler(testSecret, ledger, d)

	body, _ := signedBody(t, paidEnvelope("evt_1", 1))
	err := h.Process(context.Background(), body, "deadbeef")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if len(ledger.receipts) != 0 || len(ledger.events) != 0 || len(d.calls) != 0 {
		t.Fatalf("side effects after invalid signature")
	}
}

func TestPaymentSucceededTransitionsAndEnqueues(t *testing.T) {
	ledger := newFakeLedger()
	ledger.apps[1] = &models.Application{ID: 1, Status: models.StatusAwaitingPayment}
	d := &fakeDispatcher{}
	h := NewHandler(testSecret, ledger, d)

	body, sig := signedBody(t, paidEnvelope("evt_1", 1))
	if err := h.Process(context.Background(), body, sig); err != nil {
		t.Fatalf("process: %v", err)
	}

	if ledger.apps[1].Status != models.StatusPaymentReceived {
		t.Fatalf("status = %s, want PAYMENT_RECEIVED", ledger.apps[1].Status)
	}
	if len(ledger.events) != 1 {
		t.Fatalf("payment events = %d, want 1", len(ledger.events))
	}
	if len(d.calls) != 1 || d.calls[0] != 1 {
		t.Fatalf("dispatch calls = %v, want [1]", d.calls)
	}
	if got := ledger.settled["ord_123"]; got != models.RecoverySucceeded {
		t.Fatalf("recovery row not settled after applied payment: %q", got)
	}
}

func TestEnqueueFailureRegistersRecovery(t *testing.T) {
	ledger := newFakeLedger()
	ledger.apps[1] = &models.Application{ID: 1, Status: models.StatusAwaitingPayment}
	d := &fakeDispatcher{err: errors.New("redis connection refused")}
	h := NewHandler(testSecret, ledger, d)

	body, sig := signedBody(t, paidEnvelope("evt_1", 1))
	if err := h.Process(context.Background(), body, sig); err != nil {
		t.Fatalf("enqueue failure must still ack the delivery, got %v", err)
	}

	if ledger.apps[1].Status != models.StatusPaymentReceived {
		t.Fatalf("status = %s, want PAYMENT_RECEIVED", ledger.apps[1].Status)
	}
	if len(ledger.recoveries) != 1 || ledger.recoveries[0] != "ord_123" {
		t.Fatalf("recovery row not registered for the sweep: %v", ledger.recoveries)
	}
	if _, ok := ledger.settled["ord_123"]; ok {
		t.Fatalf("recovery row must stay pending when the enqueue failed")
	}
}

func TestDuplicateDeliveryAppliedOnce(t *testing.T) {
	ledger := newFakeLedger()
	ledger.apps[1] = &models.Application{ID: 1, Status: models.StatusAwaitingPayment}
	d := &fakeDispatcher{}
	h := NewHandler(testSecret, ledger, d)

	body, sig := signedBody(t, paidEnvelope("evt_123", 1))
	for i := 0; i < 5; i++ {
		if err := h.Process(context.Background(), body, sig); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if len(ledger.events) != 1 {
		t.Fatalf("payment events = %d, want exactly 1", len(ledger.events))
	}
	if len(d.calls) != 1 {
		t.Fatalf("enqueues = %d, want exactly 1", len(d.calls))
	}
}

func TestConcurrentDuplicatesAppliedOnce(t *testing.T) {
	ledger := newFakeLedger()
	ledger.apps[1] = &models.Application{ID: 1, Status: models.StatusAwaitingPayment}
	d := &fakeDispatcher{}
	h := NewHandler(testSecret, ledger, d)

	body, sig := signedBody(t, paidEnvelope("evt_123", 1))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Process(context.Background(), body, sig)
		}()
	}
	wg.Wait()

	if len(ledger.events) != 1 {
		t.Fatalf("payment events = %d, want exactly 1", len(ledger.events))
	}
	if len(d.calls) != 1 {
		t.Fatalf("enqueues = %d, want exactly 1", len(d.calls))
	}
}

func TestPaymentFailedNoEnqueue(t *testing.T) {
	ledger := newFakeLedger()
	ledger.apps[2] = &models.Application{ID: 2, Status: models.StatusPaymentProcessing}
	d := &fakeDispatcher{}
	h := NewHandler(testSecret, ledger, d)

	env := paidEnvelope("evt_2", 2)
	env.Type = EventPaymentFailed
	body, sig := signedBody(t, env)
	if err := h.Process(context.Background(), body, sig); err != nil {
		t.Fatalf("process: %v", err)
	}

	if ledger.apps[2].Status != models.StatusPaymentFailed {
		t.Fatalf("status = %s, want PAYMENT_FAILED", ledger.apps[2].Status)
	}
	if len(d.calls) != 0 {
		t.Fatalf("failed payment must not enqueue, got %v", d.calls)
	}
	if got := ledger.settled["ord_123"]; got != models.RecoverySucceeded {
		t.Fatalf("failed payment must settle the recovery row, got %q", got)
	}
}

func TestVoucherCreatedRecordsExpiry(t *testing.T) {
	ledger := newFakeLedger()
	ledger.apps[3] = &models.Application{ID: 3, Status: models.StatusAwaitingPayment}
	d := &fakeDispatcher{}
	h := NewHandler(testSecret, ledger, d)

	expiry := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)
	env := Envelope{
		EventID: "evt_oxxo",
		Type:    EventOxxoCreated,
		Data: EventData{
			OrderID: "ord_789",
			Metadata: Metadata{ApplicationID: 3},
			PaymentMethodDetails: PaymentMethodDetails{
				Reference: "93000012345678901234",
				ExpiresAt: &expiry,
			},
		},
	}
	body, sig := signedBody(t, env)
	if err := h.Process(context.Background(), body, sig); err != nil {
		t.Fatalf("process: %v", err)
	}

	if ledger.apps[3].Status != models.StatusAwaitingOxxoPayment {
		t.Fatalf("status = %s, want AWAITING_OXXO_PAYMENT", ledger.apps[3].Status)
	}
	if len(ledger.events) != 1 {
		t.Fatalf("payment events = %d, want 1", len(ledger.events))
	}
	ev := ledger.events[0]
	if ev.VoucherReference == nil || *ev.VoucherReference != "93000012345678901234" {
		t.Fatalf("voucher reference not recorded: %+v", ev)
	}
	if ev.VoucherExpiresAt == nil || !ev.VoucherExpiresAt.Equal(expiry) {
		t.Fatalf("voucher expiry not recorded: %+v", ev)
	}
	if len(d.calls) != 0 {
		t.Fatalf("voucher creation must not enqueue")
	}
	if len(ledger.recoveries) != 1 || ledger.recoveries[0] != "ord_789" {
		t.Fatalf("voucher creation must register a recovery row, got %v", ledger.recoveries)
	}
}

func TestStaleDeliveryIsSwallowed(t *testing.T) {
	ledger := newFakeLedger()
	// Application already moved past payment; a delayed delivery arrives.
	ledger.apps[4] = &models.Application{ID: 4, Status: models.StatusPermitReady}
	d := &fakeDispatcher{}
	h := NewHandler(testSecret, ledger, d)

	body, sig := signedBody(t, paidEnvelope("evt_late", 4))
	if err := h.Process(context.Background(), body, sig); err != nil {
		t.Fatalf("stale delivery must return success, got %v", err)
	}
	if ledger.apps[4].Status != models.StatusPermitReady {
		t.Fatalf("stale delivery mutated status: %s", ledger.apps[4].Status)
	}
	if len(d.calls) != 0 {
		t.Fatalf("stale delivery must not enqueue")
	}
}

func TestUnknownApplicationAcknowledged(t *testing.T) {
	ledger := newFakeLedger()
	d := &fakeDispatcher{}
	h := NewHandler(testSecret, ledger, d)

	body, sig := signedBody(t, paidEnvelope("evt_unknown", 999))
	if err := h.Process(context.Background(), body, sig); err != nil {
		t.Fatalf("unknown application must still ack, got %v", err)
	}
}
