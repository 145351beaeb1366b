// Package queue provides the durable location-partitioned job queue that
// connects the hub's scheduler to agent workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRetrying  Status = "RETRYING"
)

// ExecutePlanQueue is the queue name used for plan execution jobs.
const ExecutePlanQueue = "execute-plan"

// ErrNotFound is returned for operations on unknown job IDs.
var ErrNotFound = errors.New("job not found")

// Job is one queued unit of work. Between Dequeue and
// Acknowledge/Fail the dequeuing worker exclusively owns the job.
type Job struct {
	ID           string          `json:"id"`
	QueueName    string          `json:"queueName"`
	Data         json.RawMessage `json:"data"`
	Location     string          `json:"location"`
	Status       Status          `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	Priority     int             `json:"priority"`
	ScheduledFor time.Time       `json:"scheduledFor"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// EnqueueOptions control job placement.
type EnqueueOptions struct {
	// Location pins the job to agents polling that location. Required.
	Location string

	// MaxAttempts bounds retries. Zero means 3.
	MaxAttempts int

	// Priority orders eligible jobs, higher first.
	Priority int

	// RunAt delays eligibility. Zero means immediately.
	RunAt time.Time
}

// Queue is the durable job queue contract. Dequeue must never hand the
// same job to two concurrent workers.
type Queue interface {
	// Enqueue adds a job and returns its ID.
	Enqueue(ctx context.Context, queueName string, data json.RawMessage, opts EnqueueOptions) (string, error)

	// Dequeue atomically claims the highest-priority oldest eligible job
	// for the location, or returns nil when none is eligible.
	Dequeue(ctx context.Context, queueName, location string) (*Job, error)

	// Acknowledge marks a RUNNING job COMPLETED.
	Acknowledge(ctx context.Context, jobID string) error

	// Fail records a failure. With retry and attempts left, the job is
	// rescheduled with exponential backoff; otherwise it is FAILED.
	Fail(ctx context.Context, jobID string, jobErr error, retry bool) error

	// GetJob returns a job by ID.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// RequeueStale moves RUNNING jobs whose start is older than the
	// visibility timeout back to PENDING, attempts unchanged. Recovers
	// jobs abandoned by crashed workers.
	RequeueStale(ctx context.Context, queueName string, visibilityTimeout time.Duration) (int64, error)
}

// Backoff computes the retry delay after the given number of attempts:
// min(2^attempts seconds, 60 minutes).
func Backoff(attempts int) time.Duration {
	const maxDelay = 60 * time.Minute
	if attempts >= 12 {
		return maxDelay
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// ExecutePlanPayload is the job payload for plan execution. Plan holds
// the full document snapshotted at schedule time, so later plan edits do
// not mutate in-flight runs.
type ExecutePlanPayload struct {
	Type             string          `json:"type"`
	PlanID           string          `json:"planId"`
	JobRunID         string          `json:"jobRunId"`
	Environment      string          `json:"environment"`
	Location         string          `json:"location"`
	ExecutionGroupID string          `json:"executionGroupId"`
	Plan             json.RawMessage `json:"plan"`
	ScheduledAt      time.Time       `json:"scheduledAt"`
}

// PayloadType is the discriminator carried by ExecutePlanPayload.
const PayloadType = "execute-plan"
