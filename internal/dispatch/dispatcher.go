package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"permit-pipeline/internal/models"
)

// Store is the slice of the Postgres store the dispatcher needs.
type Store interface {
	EnqueueGeneration(ctx context.Context, appID int64, expected []string, jobID string, priority, maxAttempts int, runAt time.Time) (models.Job, error)
	RevertEnqueue(ctx context.Context, appID int64, jobID, previousStatus, reason string) error
}

// Queue is the runtime queue the dispatcher pushes to.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, priority int, runAt time.Time) error
}

// Dispatcher couples the IN_QUEUE transition with the runtime-queue push:
// the durable transition and job row commit in one Postgres transaction,
// then the job id is pushed to Redis. A failed push is compensated by
// reverting the enqueue so the application never sits in IN_QUEUE with no
// claimable job.
type Dispatcher struct {
	store       Store
	queue       Queue
	maxAttempts int
}

func New(store Store, queue Queue, maxAttempts int) *Dispatcher {
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return &Dispatcher{store: store, queue: queue, maxAttempts: maxAttempts}
}

// Dispatch enqueues a generation job for the application, guarded by the
// expected-status set. previousStatus is where the row returns if the
// runtime push fails.
func (d *Dispatcher) Dispatch(ctx context.Context, appID int64, expected []string, previousStatus string, priority int, runAt time.Time) (models.Job, error) {
	jobID := uuid.New().String()
	job, err := d.store.EnqueueGeneration(ctx, appID, expected, jobID, priority, d.maxAttempts, runAt)
	if err != nil {
		return models.Job{}, err
	}

	if err := d.queue.Enqueue(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		reason := fmt.Sprintf("queue push failed: %v", err)
		if revertErr := d.store.RevertEnqueue(ctx, appID, job.ID, previousStatus, reason); revertErr != nil {
			log.Printf("dispatch: revert enqueue app=%d job=%s: %v", appID, job.ID, revertErr)
		}
		return models.Job{}, fmt.Errorf("push job to queue: %w", err)
	}
	return job, nil
}
