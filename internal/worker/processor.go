package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"permit-pipeline/internal/config"
	"permit-pipeline/internal/models"
	"permit-pipeline/internal/queue"
	"permit-pipeline/internal/telemetry"
)

// Store is the slice of the Postgres store the worker drives.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkJobLeased(ctx context.Context, id, workerID string) error
	MarkJobCompleted(ctx context.Context, id string) error
	MarkJobRetry(ctx context.Context, id string, nextRun time.Time, lastErr string) error
	MarkJobFailed(ctx context.Context, id, lastErr string) error
	GetApplication(ctx context.Context, id int64) (models.Application, error)
	ClaimForGeneration(ctx context.Context, appID int64, jobID string) (models.Application, bool, error)
	CompleteGeneration(ctx context.Context, appID int64, out models.GenerationOutput) error
	FailGeneration(ctx context.Context, appID int64, f models.GenerationFailure) error
}

// Pool runs up to N concurrent generation workers against the queue.
type Pool struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    Store
	gen      Generator
	archiver Archiver
	workerID string
}

func NewPool(cfg config.Config, q *queue.RedisQueue, st Store, gen Generator, archiver Archiver, workerID string) *Pool {
	return &Pool{
		cfg:      cfg,
		queue:    q,
		store:    st,
		gen:      gen,
		archiver: archiver,
		workerID: workerID,
	}
}

// Run starts the housekeeping loop and the worker goroutines, blocking until
// context cancellation.
func (p *Pool) Run(ctx context.Context) error {
	n := p.cfg.WorkerConcurrency
	if n <= 0 {
		n = 1
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.housekeep(ctx)
	}()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(fmt.Sprintf("%s-%d", p.workerID, i))
	}

	wg.Wait()
	return ctx.Err()
}

// housekeep promotes due scheduled jobs, reclaims expired leases, and keeps
// the depth gauges current.
func (p *Pool) housekeep(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), 100)
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			log.Printf("worker: reclaimed %d expired leases", len(reclaimed))
		}
		if depths, err := p.queue.StatsDepths(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depths.Ready))
		}
	}
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.queue.ClaimNext(ctx)
		if err != nil || jobID == "" {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		p.processJob(ctx, workerID, jobID)
	}
}

// processJob drives one exclusive generation attempt end to end.
func (p *Pool) processJob(ctx context.Context, workerID, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		// Durable row is gone; drop the runtime entry.
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	if err := p.store.MarkJobLeased(ctx, job.ID, workerID); err != nil {
		log.Printf("worker %s: lease job=%s: %v", workerID, job.ID, err)
	}
	job.Attempts++

	app, claimed, err := p.store.ClaimForGeneration(ctx, job.ApplicationID, job.ID)
	if err != nil {
		log.Printf("worker %s: claim app=%d: %v", workerID, job.ApplicationID, err)
		return
	}
	if !claimed {
		p.abandonClaim(ctx, job)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// The generation call may legitimately outlive the lease; push the
	// visibility deadline past the hard timeout so a live attempt is not
	// reclaimed under us.
	if p.cfg.GenerationTimeout >= p.cfg.VisibilityTimeout {
		_ = p.queue.ExtendLease(ctx, job.ID, p.cfg.GenerationTimeout+30*time.Second)
	}

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	resp, err := p.gen.Generate(genCtx, GenerationRequest{ApplicationID: app.ID, Folio: derefStr(app.Folio)})
	cancel()

	if err == nil && resp.Success {
		p.completeAttempt(ctx, job, app, resp)
		return
	}

	message := resp.ErrorMessage
	if err != nil {
		message = err.Error()
	}
	p.failAttempt(ctx, job, app, message, resp.ScreenshotPath)
}

// abandonClaim handles a job whose application row could not be claimed.
// If the application already reached a state the worker must not touch, the
// job is finalized; otherwise another actor holds the row and the lease is
// left to expire so the job becomes reclaimable.
func (p *Pool) abandonClaim(ctx context.Context, job models.Job) {
	app, err := p.store.GetApplication(ctx, job.ApplicationID)
	if err != nil {
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.store.MarkJobFailed(ctx, job.ID, "application missing")
		return
	}
	if models.TerminalStatuses[app.Status] || app.Status == models.StatusPaymentFailed {
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.store.MarkJobFailed(ctx, job.ID, fmt.Sprintf("application in %s, not eligible", app.Status))
		return
	}
	log.Printf("worker: app=%d job=%s claim lost, leaving lease to expire", job.ApplicationID, job.ID)
}

func (p *Pool) completeAttempt(ctx context.Context, job models.Job, app models.Application, resp GenerationResponse) {
	out := resp.output(p.cfg.PermitValidity)
	if err := p.store.CompleteGeneration(ctx, app.ID, out); err != nil {
		log.Printf("worker: complete app=%d job=%s: %v", app.ID, job.ID, err)
		return
	}
	_ = p.store.MarkJobCompleted(ctx, job.ID)
	_ = p.queue.Ack(ctx, job.ID)
	telemetry.GenerationSuccess.Inc()
	log.Printf("worker: app=%d job=%s permit ready folio=%s", app.ID, job.ID, out.Folio)
}

func (p *Pool) failAttempt(ctx context.Context, job models.Job, app models.Application, message, screenshot string) {
	category := Classify(message)
	stored := ArchiveScreenshot(ctx, p.archiver, app.ID, job.ID, screenshot)

	if err := p.store.FailGeneration(ctx, app.ID, models.GenerationFailure{
		Category:       category,
		Message:        message,
		ScreenshotPath: stored,
	}); err != nil {
		log.Printf("worker: record failure app=%d job=%s: %v", app.ID, job.ID, err)
	}
	telemetry.GenerationFailures.WithLabelValues(category).Inc()

	if job.Attempts >= job.MaxAttempts {
		_ = p.store.MarkJobFailed(ctx, job.ID, message)
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.queue.DLQPush(ctx, job.ID)
		telemetry.JobsExhausted.Inc()
		log.Printf("worker: app=%d job=%s retries exhausted category=%s", app.ID, job.ID, category)
		return
	}

	delay := p.retryDelay(job.Attempts)
	nextRun := time.Now().Add(delay)
	_ = p.store.MarkJobRetry(ctx, job.ID, nextRun, message)
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.Schedule(ctx, job.ID, models.PriorityRetry, nextRun)
	log.Printf("worker: app=%d job=%s failed category=%s, retry in %s (attempt %d/%d)",
		app.ID, job.ID, category, delay, job.Attempts, job.MaxAttempts)
}

// retryDelay returns the fixed backoff step for the attempt just finished:
// 1m, 2m, 5m for three successive failures.
func (p *Pool) retryDelay(attempt int) time.Duration {
	delays := p.cfg.RetryDelays
	if len(delays) == 0 {
		return time.Minute
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
