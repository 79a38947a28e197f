package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhooksReceived   = prometheus.NewCounter(prometheus.CounterOpts{Name: "permits_webhooks_received_total", Help: "Webhook deliveries accepted after signature check"})
	WebhooksDuplicate  = prometheus.NewCounter(prometheus.CounterOpts{Name: "permits_webhooks_duplicate_total", Help: "Webhook deliveries skipped by the receipt ledger"})
	WebhooksRejected   = prometheus.NewCounter(prometheus.CounterOpts{Name: "permits_webhooks_rejected_total", Help: "Webhook deliveries with invalid signatures"})
	StatusConflicts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "permits_status_conflicts_total", Help: "Transitions rejected by the expected-status guard"})
	GenerationSuccess  = prometheus.NewCounter(prometheus.CounterOpts{Name: "permits_generation_success_total", Help: "Generation attempts that produced a permit"})
	GenerationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "permits_generation_failures_total", Help: "Failed generation attempts by category"}, []string{"category"})
	JobsExhausted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "permits_jobs_exhausted_total", Help: "Jobs whose retries were exhausted"})
	SweepReclaimed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "permits_sweep_reclaimed_total", Help: "Crash-orphaned applications re-enqueued by the recovery sweep"})
	SweepExpired       = prometheus.NewCounter(prometheus.CounterOpts{Name: "permits_sweep_expired_total", Help: "Applications expired by the recovery sweep"})
	RecoveryAttempts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "permits_recovery_attempts_total", Help: "Direct processor re-queries performed by the payment-recovery sweep"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "permits_rate_limit_rejects_total", Help: "Webhook deliveries rejected by the rate limiter"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "permits_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "permits_inflight", Help: "Generation jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WebhooksReceived,
			WebhooksDuplicate,
			WebhooksRejected,
			StatusConflicts,
			GenerationSuccess,
			GenerationFailures,
			JobsExhausted,
			SweepReclaimed,
			SweepExpired,
			RecoveryAttempts,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
