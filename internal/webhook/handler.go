package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"permit-pipeline/internal/models"
	"permit-pipeline/internal/store"
	"permit-pipeline/internal/telemetry"
)

// Processor event types this pipeline understands. Charge-level and
// order-level confirmations are treated identically.
const (
	EventOrderPaid     = "order.paid"
	EventChargePaid    = "charge.paid"
	EventPaymentFailed = "order.payment_failed"
	EventChargeDecline = "charge.declined"
	EventOxxoCreated   = "charge.oxxo_created"
)

// ErrInvalidSignature rejects a delivery before any state is touched.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Envelope is the processor's signed notification payload.
type Envelope struct {
	EventID string    `json:"eventId"`
	Type    string    `json:"type"`
	Data    EventData `json:"data"`
}

// EventData carries the order snapshot inside an envelope.
type EventData struct {
	OrderID              string               `json:"orderId"`
	AmountCents          int64                `json:"amount"`
	Status               string               `json:"status"`
	PaymentMethodDetails PaymentMethodDetails `json:"paymentMethodDetails"`
	Metadata             Metadata             `json:"metadata"`
}

// PaymentMethodDetails holds voucher fields for cash payments. These exist
// only in the event payload; the processor does not persist them elsewhere.
type PaymentMethodDetails struct {
	Reference  string     `json:"reference,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	BarcodeURL string     `json:"barcodeUrl,omitempty"`
}

// Metadata links the processor order back to our application row.
type Metadata struct {
	ApplicationID int64 `json:"applicationId"`
}

// Ledger is the slice of the store the handler mutates.
type Ledger interface {
	InsertWebhookReceipt(ctx context.Context, eventID string) (bool, error)
	AppendPaymentEvent(ctx context.Context, e models.PaymentEvent) error
	TransitionStatus(ctx context.Context, id int64, expected []string, next string, patch store.TransitionPatch) error
	GetApplication(ctx context.Context, id int64) (models.Application, error)
	FindByOrderID(ctx context.Context, orderID string) (models.Application, error)
	RegisterRecovery(ctx context.Context, appID int64, orderID string) error
	FinishRecoveryAttempt(ctx context.Context, appID int64, orderID, status string, lastError *string) error
}

// Dispatcher enqueues generation work once payment is confirmed.
type Dispatcher interface {
	Dispatch(ctx context.Context, appID int64, expected []string, previousStatus string, priority int, runAt time.Time) (models.Job, error)
}

// Handler verifies, deduplicates, and applies payment-processor events.
type Handler struct {
	secret     string
	ledger     Ledger
	dispatcher Dispatcher
}

func NewHandler(secret string, ledger Ledger, dispatcher Dispatcher) *Handler {
	return &Handler{secret: secret, ledger: ledger, dispatcher: dispatcher}
}

// Process applies one signed delivery. The returned error is transport- or
// validation-level only: state conflicts and unknown applications are logged
// and swallowed so the sender never retries over an application-level race.
func (h *Handler) Process(ctx context.Context, body []byte, signature string) error {
	if !VerifySignature(h.secret, body, signature) {
		telemetry.WebhooksRejected.Inc()
		return ErrInvalidSignature
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" {
		return errors.New("envelope missing eventId")
	}

	created, err := h.ledger.InsertWebhookReceipt(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("record receipt: %w", err)
	}
	if !created {
		// Already applied; at-least-once delivery becomes effectively-once.
		telemetry.WebhooksDuplicate.Inc()
		return nil
	}
	telemetry.WebhooksReceived.Inc()

	app, err := h.resolveApplication(ctx, env)
	if err != nil {
		log.Printf("webhook: event=%s type=%s: %v", env.EventID, env.Type, err)
		return nil
	}

	switch env.Type {
	case EventOrderPaid, EventChargePaid:
		h.applyPaymentSucceeded(ctx, app, env)
	case EventPaymentFailed, EventChargeDecline:
		h.applyPaymentFailed(ctx, app, env)
	case EventOxxoCreated:
		h.applyVoucherCreated(ctx, app, env)
	default:
		log.Printf("webhook: event=%s unhandled type=%s", env.EventID, env.Type)
	}
	return nil
}

func (h *Handler) resolveApplication(ctx context.Context, env Envelope) (models.Application, error) {
	if env.Data.Metadata.ApplicationID != 0 {
		app, err := h.ledger.GetApplication(ctx, env.Data.Metadata.ApplicationID)
		if err == nil {
			return app, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return models.Application{}, err
		}
	}
	if env.Data.OrderID != "" {
		return h.ledger.FindByOrderID(ctx, env.Data.OrderID)
	}
	return models.Application{}, store.ErrNotFound
}

func (h *Handler) applyPaymentSucceeded(ctx context.Context, app models.Application, env Envelope) {
	err := h.ledger.TransitionStatus(ctx, app.ID,
		[]string{models.StatusAwaitingPayment, models.StatusPaymentProcessing, models.StatusAwaitingOxxoPayment},
		models.StatusPaymentReceived,
		store.TransitionPatch{PaymentOrderID: env.Data.OrderID})
	if err != nil {
		h.logConflict(app.ID, env, err)
		return
	}

	h.appendEvent(ctx, app.ID, env)

	if _, err := h.dispatcher.Dispatch(ctx, app.ID,
		[]string{models.StatusPaymentReceived},
		models.StatusPaymentReceived,
		models.PriorityNormal, time.Now()); err != nil {
		// The application stays in PAYMENT_RECEIVED. A pending recovery row
		// keeps it visible to the payment sweep, which re-dispatches once
		// the stale window elapses.
		if regErr := h.ledger.RegisterRecovery(ctx, app.ID, env.Data.OrderID); regErr != nil {
			log.Printf("webhook: register recovery app=%d event=%s: %v", app.ID, env.EventID, regErr)
		}
		log.Printf("webhook: enqueue app=%d event=%s: %v", app.ID, env.EventID, err)
		return
	}

	// Payment applied and queued; any recovery row opened at application
	// create or voucher issue is settled.
	_ = h.ledger.FinishRecoveryAttempt(ctx, app.ID, env.Data.OrderID, models.RecoverySucceeded, nil)
}

func (h *Handler) applyPaymentFailed(ctx context.Context, app models.Application, env Envelope) {
	err := h.ledger.TransitionStatus(ctx, app.ID,
		[]string{models.StatusAwaitingPayment, models.StatusPaymentProcessing, models.StatusAwaitingOxxoPayment},
		models.StatusPaymentFailed,
		store.TransitionPatch{PaymentOrderID: env.Data.OrderID})
	if err != nil {
		h.logConflict(app.ID, env, err)
		return
	}
	h.appendEvent(ctx, app.ID, env)
	_ = h.ledger.FinishRecoveryAttempt(ctx, app.ID, env.Data.OrderID, models.RecoverySucceeded, nil)
}

func (h *Handler) applyVoucherCreated(ctx context.Context, app models.Application, env Envelope) {
	err := h.ledger.TransitionStatus(ctx, app.ID,
		[]string{models.StatusAwaitingPayment, models.StatusPaymentProcessing},
		models.StatusAwaitingOxxoPayment,
		store.TransitionPatch{
			PaymentOrderID:   env.Data.OrderID,
			PaymentReference: env.Data.PaymentMethodDetails.Reference,
		})
	if err != nil {
		h.logConflict(app.ID, env, err)
		return
	}
	h.appendEvent(ctx, app.ID, env)

	// The voucher may be paid at a cashier without the paid webhook ever
	// arriving; a pending recovery row lets the sweep reconcile directly
	// against the processor.
	if env.Data.OrderID != "" {
		if err := h.ledger.RegisterRecovery(ctx, app.ID, env.Data.OrderID); err != nil {
			log.Printf("webhook: register recovery app=%d event=%s: %v", app.ID, env.EventID, err)
		}
	}
}

func (h *Handler) appendEvent(ctx context.Context, appID int64, env Envelope) {
	var voucherRef *string
	if r := env.Data.PaymentMethodDetails.Reference; r != "" {
		voucherRef = &r
	}
	payload := map[string]any{
		"type":   env.Type,
		"status": env.Data.Status,
	}
	if u := env.Data.PaymentMethodDetails.BarcodeURL; u != "" {
		payload["barcodeUrl"] = u
	}
	err := h.ledger.AppendPaymentEvent(ctx, models.PaymentEvent{
		ApplicationID:    appID,
		OrderID:          env.Data.OrderID,
		EventID:          env.EventID,
		EventType:        env.Type,
		AmountCents:      env.Data.AmountCents,
		VoucherReference: voucherRef,
		VoucherExpiresAt: env.Data.PaymentMethodDetails.ExpiresAt,
		Payload:          payload,
	})
	if err != nil {
		log.Printf("webhook: append event app=%d event=%s: %v", appID, env.EventID, err)
	}
}

func (h *Handler) logConflict(appID int64, env Envelope, err error) {
	if errors.Is(err, store.ErrStatusConflict) {
		// Benign race: a delayed delivery after the application moved on.
		telemetry.StatusConflicts.Inc()
		log.Printf("webhook: stale delivery app=%d event=%s type=%s", appID, env.EventID, env.Type)
		return
	}
	log.Printf("webhook: transition app=%d event=%s: %v", appID, env.EventID, err)
}
