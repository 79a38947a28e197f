package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"permit-pipeline/internal/config"
	"permit-pipeline/internal/dispatch"
	"permit-pipeline/internal/models"
	"permit-pipeline/internal/queue"
	"permit-pipeline/internal/ratelimit"
	"permit-pipeline/internal/store"
	"permit-pipeline/internal/telemetry"
	"permit-pipeline/internal/webhook"
)

// Server wires HTTP handlers for webhook ingestion, queue status, and admin
// operations.
type Server struct {
	cfg        config.Config
	store      *store.Store
	queue      *queue.RedisQueue
	webhooks   *webhook.Handler
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, wh *webhook.Handler, d *dispatch.Dispatcher, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		queue:      q,
		webhooks:   wh,
		dispatcher: d,
		limiter:    limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/payments", s.handleWebhook)

	r.Post("/applications", s.handleCreateApplication)
	r.Get("/applications/{id}/queue-status", s.handleQueueStatus)
	r.Post("/applications/{id}/renew", s.handleRenew)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/applications/{id}/retry", s.handleAdminRetry)
		r.Post("/applications/{id}/resolve", s.handleAdminResolve)
		r.Post("/queue/pause", s.handleQueuePause)
		r.Post("/queue/resume", s.handleQueueResume)
		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/queue/dlq", s.handleDLQ)
	})

	return r
}

// handleWebhook ingests one processor delivery. Once the signature check has
// run, the response is 200 regardless of downstream outcome so the sender
// only retries on transport failure.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:webhooks:"+sourceHost(r))
		if err == nil && !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	err = s.webhooks.Process(r.Context(), body, r.Header.Get("X-Processor-Signature"))
	if errors.Is(err, webhook.ErrInvalidSignature) {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

type createApplicationRequest struct {
	AmountCents    int64  `json:"amount_cents"`
	PaymentOrderID string `json:"payment_order_id"`
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.AmountCents <= 0 {
		http.Error(w, "amount_cents must be positive", http.StatusBadRequest)
		return
	}
	app, err := s.store.CreateApplication(r.Context(), store.CreateApplicationParams{
		AmountCents:    req.AmountCents,
		PaymentOrderID: req.PaymentOrderID,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// A payment order is now outstanding; seed the reconciliation row so
	// the sweep re-queries the processor if the webhook never arrives.
	if req.PaymentOrderID != "" {
		if err := s.store.RegisterRecovery(r.Context(), app.ID, req.PaymentOrderID); err != nil {
			log.Printf("api: register recovery app=%d: %v", app.ID, err)
		}
	}
	writeJSON(w, http.StatusCreated, app)
}

type queueStatusResponse struct {
	InQueue           bool   `json:"inQueue"`
	Position          int    `json:"position,omitempty"`
	EstimatedWaitSecs int    `json:"estimatedWaitTime,omitempty"`
	Status            string `json:"status,omitempty"`
	Progress          int    `json:"progress,omitempty"`
	RetryCount        int    `json:"retryCount,omitempty"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	id, err := appID(r)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	app, err := s.store.GetApplication(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := queueStatusResponse{
		Status:     app.Status,
		Progress:   progressFor(app.Status),
		RetryCount: app.RetryCount,
	}
	switch app.Status {
	case models.StatusInQueue:
		resp.InQueue = true
		if pos, err := s.store.QueuePosition(r.Context(), app.ID); err == nil {
			resp.Position = pos
			resp.EstimatedWaitSecs = pos * int(s.cfg.AvgGenerationTime.Seconds())
		}
	case models.StatusProcessingDocuments:
		resp.InQueue = true
		resp.EstimatedWaitSecs = int(s.cfg.AvgGenerationTime.Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// progressFor maps a status to a coarse user-facing percentage.
func progressFor(status string) int {
	switch status {
	case models.StatusAwaitingPayment, models.StatusAwaitingOxxoPayment:
		return 10
	case models.StatusPaymentProcessing:
		return 25
	case models.StatusPaymentReceived:
		return 40
	case models.StatusInQueue:
		return 55
	case models.StatusProcessingDocuments:
		return 80
	case models.StatusPermitReady:
		return 100
	default:
		return 0
	}
}

type renewRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	id, err := appID(r)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	app, err := s.store.CreateRenewal(r.Context(), id, req.AmountCents)
	if errors.Is(err, store.ErrStatusConflict) {
		http.Error(w, "application not renewable", http.StatusConflict)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

// handleAdminRetry re-enqueues a failed generation at admin priority. Only
// applications with a recorded failed attempt are eligible.
func (s *Server) handleAdminRetry(w http.ResponseWriter, r *http.Request) {
	id, err := appID(r)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	job, err := s.dispatcher.Dispatch(r.Context(), id,
		[]string{models.StatusErrorGenerating},
		models.StatusErrorGenerating,
		models.PriorityAdmin, time.Now())
	if errors.Is(err, store.ErrStatusConflict) {
		http.Error(w, "no failed generation attempt to retry", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "requeued", "job_id": job.ID})
}

type resolveRequest struct {
	Notes      string `json:"notes"`
	ResolvedBy string `json:"resolved_by"`
}

// handleAdminResolve marks a failed application as manually handled without
// going through the worker.
func (s *Server) handleAdminResolve(w http.ResponseWriter, r *http.Request) {
	id, err := appID(r)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Notes == "" {
		http.Error(w, "notes are required", http.StatusBadRequest)
		return
	}
	err = s.store.ResolveApplication(r.Context(), id, req.Notes, req.ResolvedBy)
	if errors.Is(err, store.ErrStatusConflict) {
		http.Error(w, "application is not awaiting resolution", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Pause(r.Context()); err != nil {
		http.Error(w, "failed to pause queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Resume(r.Context()); err != nil {
		http.Error(w, "failed to resume queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	depths, err := s.queue.StatsDepths(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	paused, _ := s.queue.Paused(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":    jobs,
		"runtime": depths,
		"paused":  paused,
	})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func appID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// sourceHost buckets rate limiting by sender address, so one misbehaving
// source cannot starve deliveries from the others.
func sourceHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
