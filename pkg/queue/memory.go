package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-memory Queue with the same semantics as the SQL
// implementation but no durability. Intended for tests and single-process
// development mode.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*Job

	// now is swapped out by tests.
	now func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, queueName string, data json.RawMessage, opts EnqueueOptions) (string, error) {
	if opts.Location == "" {
		return "", fmt.Errorf("enqueue requires a location")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	job := &Job{
		ID:           uuid.New().String(),
		QueueName:    queueName,
		Data:         append(json.RawMessage(nil), data...),
		Location:     opts.Location,
		Status:       StatusPending,
		MaxAttempts:  opts.MaxAttempts,
		Priority:     opts.Priority,
		ScheduledFor: runAt,
	}
	q.jobs[job.ID] = job
	return job.ID, nil
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(_ context.Context, queueName, location string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	var eligible []*Job
	for _, job := range q.jobs {
		if job.QueueName != queueName || job.Location != location {
			continue
		}
		if job.Status != StatusPending && job.Status != StatusRetrying {
			continue
		}
		if job.ScheduledFor.After(now) {
			continue
		}
		eligible = append(eligible, job)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].ScheduledFor.Before(eligible[j].ScheduledFor)
	})

	job := eligible[0]
	job.Status = StatusRunning
	started := now
	job.StartedAt = &started
	job.Attempts++

	copied := *job
	return &copied, nil
}

// Acknowledge implements Queue.
func (q *MemoryQueue) Acknowledge(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if job.Status != StatusRunning {
		return fmt.Errorf("job %s is not RUNNING", jobID)
	}

	job.Status = StatusCompleted
	completed := q.now().UTC()
	job.CompletedAt = &completed
	return nil
}

// Fail implements Queue.
func (q *MemoryQueue) Fail(_ context.Context, jobID string, jobErr error, retry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}

	if jobErr != nil {
		job.Error = jobErr.Error()
	}

	now := q.now().UTC()
	if retry && job.Attempts < job.MaxAttempts {
		job.Status = StatusRetrying
		job.ScheduledFor = now.Add(Backoff(job.Attempts))
		return nil
	}

	job.Status = StatusFailed
	job.CompletedAt = &now
	return nil
}

// GetJob implements Queue.
func (q *MemoryQueue) GetJob(_ context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	copied := *job
	return &copied, nil
}

// RequeueStale implements Queue.
func (q *MemoryQueue) RequeueStale(_ context.Context, queueName string, visibilityTimeout time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	cutoff := now.Add(-visibilityTimeout)
	var swept int64
	for _, job := range q.jobs {
		if job.QueueName != queueName || job.Status != StatusRunning {
			continue
		}
		if job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
			continue
		}
		job.Status = StatusPending
		job.StartedAt = nil
		job.ScheduledFor = now
		swept++
	}
	return swept, nil
}
