package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openprobe/openprobe/pkg/stores"
)

// newTestSQLQueue opens an in-memory SQLite queue with the schema
// applied. A single connection keeps the memory database alive for the
// whole test.
func newTestSQLQueue(t *testing.T) *SQLQueue {
	t.Helper()
	ctx := context.Background()
	db, err := stores.Open(ctx, stores.DBConfig{
		Dialect:      stores.DialectSQLite,
		DSN:          ":memory:",
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	return NewSQLQueue(db)
}

// testQueues returns every Queue implementation under test. The SQL and
// memory queues must behave identically.
func testQueues(t *testing.T) map[string]Queue {
	t.Helper()
	return map[string]Queue{
		"sql":    newTestSQLQueue(t),
		"memory": NewMemoryQueue(),
	}
}

func payload(t *testing.T, planID string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(ExecutePlanPayload{Type: PayloadType, PlanID: planID})
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return data
}

func TestQueueOrdering(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			// Same priority: oldest scheduled first. Higher priority
			// always wins regardless of age.
			oldLow, err := q.Enqueue(ctx, ExecutePlanQueue, payload(t, "old-low"), EnqueueOptions{
				Location: "paris", RunAt: now.Add(-3 * time.Second),
			})
			if err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}
			newLow, err := q.Enqueue(ctx, ExecutePlanQueue, payload(t, "new-low"), EnqueueOptions{
				Location: "paris", RunAt: now.Add(-1 * time.Second),
			})
			if err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}
			high, err := q.Enqueue(ctx, ExecutePlanQueue, payload(t, "high"), EnqueueOptions{
				Location: "paris", Priority: 5, RunAt: now.Add(-1 * time.Second),
			})
			if err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}

			for i, want := range []string{high, oldLow, newLow} {
				job, err := q.Dequeue(ctx, ExecutePlanQueue, "paris")
				if err != nil {
					t.Fatalf("dequeue %d failed: %v", i, err)
				}
				if job == nil {
					t.Fatalf("dequeue %d returned no job", i)
				}
				if job.ID != want {
					t.Fatalf("dequeue %d = %s, want %s", i, job.ID, want)
				}
				if job.Status != StatusRunning || job.Attempts != 1 || job.StartedAt == nil {
					t.Errorf("claimed job state: status=%s attempts=%d startedAt=%v",
						job.Status, job.Attempts, job.StartedAt)
				}
			}

			job, err := q.Dequeue(ctx, ExecutePlanQueue, "paris")
			if err != nil {
				t.Fatalf("final dequeue failed: %v", err)
			}
			if job != nil {
				t.Errorf("drained queue still returned job %s", job.ID)
			}
		})
	}
}

func TestQueueLocationPartitioning(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := q.Enqueue(ctx, ExecutePlanQueue, payload(t, "p1"), EnqueueOptions{Location: "paris"}); err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}

			job, err := q.Dequeue(ctx, ExecutePlanQueue, "tokyo")
			if err != nil {
				t.Fatalf("dequeue failed: %v", err)
			}
			if job != nil {
				t.Fatal("tokyo worker claimed a paris job")
			}

			job, err = q.Dequeue(ctx, ExecutePlanQueue, "paris")
			if err != nil {
				t.Fatalf("dequeue failed: %v", err)
			}
			if job == nil || job.Location != "paris" {
				t.Fatalf("paris worker got %+v", job)
			}
		})
	}
}

func TestQueueFutureJobNotEligible(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := q.Enqueue(ctx, ExecutePlanQueue, payload(t, "later"), EnqueueOptions{
				Location: "paris",
				RunAt:    time.Now().UTC().Add(time.Hour),
			})
			if err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}

			job, err := q.Dequeue(ctx, ExecutePlanQueue, "paris")
			if err != nil {
				t.Fatalf("dequeue failed: %v", err)
			}
			if job != nil {
				t.Error("future-scheduled job should not be eligible")
			}
		})
	}
}

func TestQueueAcknowledge(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Enqueue(ctx, ExecutePlanQueue, payload(t, "p1"), EnqueueOptions{Location: "paris"})
			if err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}

			// A job that was never claimed cannot be acknowledged.
			if err := q.Acknowledge(ctx, id); err == nil {
				t.Fatal("acknowledge of a PENDING job should fail")
			}

			if _, err := q.Dequeue(ctx, ExecutePlanQueue, "paris"); err != nil {
				t.Fatalf("dequeue failed: %v", err)
			}
			if err := q.Acknowledge(ctx, id); err != nil {
				t.Fatalf("acknowledge failed: %v", err)
			}

			job, err := q.GetJob(ctx, id)
			if err != nil {
				t.Fatalf("get job failed: %v", err)
			}
			if job.Status != StatusCompleted || job.CompletedAt == nil {
				t.Errorf("job = status %s, completedAt %v", job.Status, job.CompletedAt)
			}

			if err := q.Acknowledge(ctx, id); err == nil {
				t.Error("double acknowledge should fail")
			}
		})
	}
}

func TestQueueFailWithRetryBacksOff(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Enqueue(ctx, ExecutePlanQueue, payload(t, "p1"), EnqueueOptions{
				Location:    "paris",
				MaxAttempts: 3,
			})
			if err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}
			if _, err := q.Dequeue(ctx, ExecutePlanQueue, "paris"); err != nil {
				t.Fatalf("dequeue failed: %v", err)
			}

			before := time.Now().UTC()
			if err := q.Fail(ctx, id, errors.New("connection refused"), true); err != nil {
				t.Fatalf("fail failed: %v", err)
			}

			job, err := q.GetJob(ctx, id)
			if err != nil {
				t.Fatalf("get job failed: %v", err)
			}
			if job.Status != StatusRetrying {
				t.Fatalf("status = %s, want RETRYING", job.Status)
			}
			if job.Error != "connection refused" {
				t.Errorf("error = %q", job.Error)
			}
			// One attempt consumed, so the delay is Backoff(1) = 2s.
			earliest := before.Add(Backoff(1) - time.Second)
			if job.ScheduledFor.Before(earliest) {
				t.Errorf("rescheduled too soon: %v", job.ScheduledFor)
			}

			next, err := q.Dequeue(ctx, ExecutePlanQueue, "paris")
			if err != nil {
				t.Fatalf("dequeue failed: %v", err)
			}
			if next != nil {
				t.Error("retrying job should not be eligible before its backoff elapses")
			}
		})
	}
}

func TestQueueFailExhaustsAttempts(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Enqueue(ctx, ExecutePlanQueue, payload(t, "p1"), EnqueueOptions{
				Location:    "paris",
				MaxAttempts: 1,
			})
			if err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}
			if _, err := q.Dequeue(ctx, ExecutePlanQueue, "paris"); err != nil {
				t.Fatalf("dequeue failed: %v", err)
			}

			if err := q.Fail(ctx, id, errors.New("boom"), true); err != nil {
				t.Fatalf("fail failed: %v", err)
			}

			job, err := q.GetJob(ctx, id)
			if err != nil {
				t.Fatalf("get job failed: %v", err)
			}
			if job.Status != StatusFailed || job.CompletedAt == nil {
				t.Errorf("exhausted job = status %s, completedAt %v", job.Status, job.CompletedAt)
			}
		})
	}
}

func TestQueueFailPermanent(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Enqueue(ctx, ExecutePlanQueue, payload(t, "p1"), EnqueueOptions{
				Location:    "paris",
				MaxAttempts: 3,
			})
			if err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}
			if _, err := q.Dequeue(ctx, ExecutePlanQueue, "paris"); err != nil {
				t.Fatalf("dequeue failed: %v", err)
			}

			if err := q.Fail(ctx, id, errors.New("bad payload"), false); err != nil {
				t.Fatalf("fail failed: %v", err)
			}

			job, err := q.GetJob(ctx, id)
			if err != nil {
				t.Fatalf("get job failed: %v", err)
			}
			if job.Status != StatusFailed {
				t.Errorf("status = %s, want FAILED despite remaining attempts", job.Status)
			}
		})
	}
}

func TestQueueRequeueStale(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Enqueue(ctx, ExecutePlanQueue, payload(t, "p1"), EnqueueOptions{Location: "paris"})
			if err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}
			if _, err := q.Dequeue(ctx, ExecutePlanQueue, "paris"); err != nil {
				t.Fatalf("dequeue failed: %v", err)
			}

			// A freshly claimed job is inside its visibility window.
			swept, err := q.RequeueStale(ctx, ExecutePlanQueue, time.Hour)
			if err != nil {
				t.Fatalf("requeue failed: %v", err)
			}
			if swept != 0 {
				t.Fatalf("swept %d jobs inside the visibility window", swept)
			}

			time.Sleep(10 * time.Millisecond)
			swept, err = q.RequeueStale(ctx, ExecutePlanQueue, time.Millisecond)
			if err != nil {
				t.Fatalf("requeue failed: %v", err)
			}
			if swept != 1 {
				t.Fatalf("swept = %d, want 1", swept)
			}

			job, err := q.Dequeue(ctx, ExecutePlanQueue, "paris")
			if err != nil {
				t.Fatalf("dequeue failed: %v", err)
			}
			if job == nil || job.ID != id {
				t.Fatalf("swept job not reclaimable: %+v", job)
			}
			if job.Attempts != 2 {
				t.Errorf("attempts = %d, want 2 after reclaim", job.Attempts)
			}
		})
	}
}

func TestQueueEnqueueRequiresLocation(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := q.Enqueue(context.Background(), ExecutePlanQueue, payload(t, "p1"), EnqueueOptions{}); err == nil {
				t.Fatal("expected error for missing location")
			}
		})
	}
}

func TestQueueGetJobNotFound(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			_, err := q.GetJob(context.Background(), "no-such-job")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestConcurrentDequeueDeliversOnce(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Enqueue(ctx, ExecutePlanQueue, payload(t, "solo"), EnqueueOptions{Location: "paris"})
			if err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}

			// Racing pollers must claim the single job exactly once.
			const pollers = 8
			claimed := make(chan *Job, pollers)
			var wg sync.WaitGroup
			for i := 0; i < pollers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					job, err := q.Dequeue(ctx, ExecutePlanQueue, "paris")
					if err != nil {
						t.Errorf("dequeue failed: %v", err)
						return
					}
					if job != nil {
						claimed <- job
					}
				}()
			}
			wg.Wait()
			close(claimed)

			var jobs []*Job
			for job := range claimed {
				jobs = append(jobs, job)
			}
			if len(jobs) != 1 {
				t.Fatalf("job delivered %d times, want 1", len(jobs))
			}
			if jobs[0].ID != id || jobs[0].Status != StatusRunning || jobs[0].Attempts != 1 {
				t.Errorf("claimed job = %+v", jobs[0])
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{5, 32 * time.Second},
		{11, 2048 * time.Second},
		{12, 60 * time.Minute},
		{40, 60 * time.Minute},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempts); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}
