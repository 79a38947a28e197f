package models

import (
	"time"
)

// Job priorities. Higher values are drained first.
const (
	PriorityNormal   = 0
	PriorityRetry    = 1
	PriorityAdmin    = 2
	PriorityCritical = 3
)

// JobStatus enumerates generation-job lifecycle states persisted in Postgres.
const (
	JobQueued    = "queued"
	JobLeased    = "leased"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is one queued unit of work: run document generation for an application.
// The durable row lives in Postgres; Redis holds the runtime ready/scheduled/
// inflight structures keyed by Job.ID.
type Job struct {
	ID            string     `json:"id"`
	ApplicationID int64      `json:"application_id"`
	Priority      int        `json:"priority"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastError     *string    `json:"last_error,omitempty"`
	LeasedBy      *string    `json:"leased_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// PriorityName maps a numeric priority to its Redis ready-queue suffix.
func PriorityName(p int) string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityAdmin:
		return "admin"
	case PriorityRetry:
		return "retry"
	default:
		return "normal"
	}
}
