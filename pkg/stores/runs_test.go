package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestRun inserts a PENDING run for the given plan and returns it.
func newTestRun(t *testing.T, store *SQLStore, planID string) *Run {
	t.Helper()
	run := &Run{
		ID:               uuid.New().String(),
		PlanID:           planID,
		ExecutionGroupID: uuid.New().String(),
		Location:         "paris",
		Environment:      "production",
		TriggeredBy:      TriggerManual,
		Status:           RunStatusPending,
		StartedAt:        time.Now().UTC(),
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run failed: %v", err)
	}
	return run
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, store, uuid.New().String())

	if err := store.UpdateRunStatus(ctx, run.ID, RunUpdate{Status: RunStatusRunning}); err != nil {
		t.Fatalf("pending -> running failed: %v", err)
	}

	duration := int64(1234)
	success := true
	update := RunUpdate{
		Status:     RunStatusCompleted,
		DurationMS: &duration,
		Success:    &success,
	}
	if err := store.UpdateRunStatus(ctx, run.ID, update); err != nil {
		t.Fatalf("running -> completed failed: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != RunStatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if got.DurationMS == nil || *got.DurationMS != 1234 {
		t.Errorf("duration = %v", got.DurationMS)
	}
	if got.Success == nil || !*got.Success {
		t.Errorf("success = %v", got.Success)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
}

func TestRunFailureRecordsErrors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, store, uuid.New().String())

	if err := store.UpdateRunStatus(ctx, run.ID, RunUpdate{Status: RunStatusRunning}); err != nil {
		t.Fatalf("pending -> running failed: %v", err)
	}

	success := false
	update := RunUpdate{
		Status:  RunStatusFailed,
		Success: &success,
		Errors:  []string{"check: fetch.status: expected EQ ok, got down"},
	}
	if err := store.UpdateRunStatus(ctx, run.ID, update); err != nil {
		t.Fatalf("running -> failed failed: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(got.Errors) != 1 {
		t.Fatalf("errors = %v", got.Errors)
	}
}

func TestRunTransitionGate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// PENDING cannot jump straight to COMPLETED.
	run := newTestRun(t, store, uuid.New().String())
	err := store.UpdateRunStatus(ctx, run.ID, RunUpdate{Status: RunStatusCompleted})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> completed = %v, want ErrInvalidTransition", err)
	}

	// PENDING may fail directly, covering jobs that die before start.
	run = newTestRun(t, store, uuid.New().String())
	if err := store.UpdateRunStatus(ctx, run.ID, RunUpdate{Status: RunStatusFailed}); err != nil {
		t.Fatalf("pending -> failed should be allowed: %v", err)
	}

	// Terminal states admit no further transitions.
	err = store.UpdateRunStatus(ctx, run.ID, RunUpdate{Status: RunStatusRunning})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed -> running = %v, want ErrInvalidTransition", err)
	}
	err = store.UpdateRunStatus(ctx, run.ID, RunUpdate{Status: RunStatusCompleted})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed -> completed = %v, want ErrInvalidTransition", err)
	}
}

func TestRunDuplicateTerminalWriteIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, store, uuid.New().String())

	if err := store.UpdateRunStatus(ctx, run.ID, RunUpdate{Status: RunStatusRunning}); err != nil {
		t.Fatalf("pending -> running failed: %v", err)
	}
	duration := int64(500)
	if err := store.UpdateRunStatus(ctx, run.ID, RunUpdate{Status: RunStatusCompleted, DurationMS: &duration}); err != nil {
		t.Fatalf("running -> completed failed: %v", err)
	}

	// A redelivered completion report must not error or clobber fields.
	other := int64(9999)
	if err := store.UpdateRunStatus(ctx, run.ID, RunUpdate{Status: RunStatusCompleted, DurationMS: &other}); err != nil {
		t.Fatalf("duplicate terminal write = %v, want nil", err)
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.DurationMS == nil || *got.DurationMS != 500 {
		t.Errorf("duplicate write clobbered duration: %v", got.DurationMS)
	}
}

func TestRunRepeatedRunningWriteIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, store, uuid.New().String())

	if err := store.UpdateRunStatus(ctx, run.ID, RunUpdate{Status: RunStatusRunning}); err != nil {
		t.Fatalf("pending -> running failed: %v", err)
	}

	// A requeued stale job is redelivered while its run is still
	// RUNNING; the second start report must not be rejected.
	if err := store.UpdateRunStatus(ctx, run.ID, RunUpdate{Status: RunStatusRunning}); err != nil {
		t.Fatalf("repeated RUNNING write = %v, want nil", err)
	}

	// The redelivered job can still finish the run.
	duration := int64(1500)
	success := true
	update := RunUpdate{Status: RunStatusCompleted, DurationMS: &duration, Success: &success}
	if err := store.UpdateRunStatus(ctx, run.ID, update); err != nil {
		t.Fatalf("running -> completed after redelivery failed: %v", err)
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != RunStatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestRunNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get = %v, want ErrNotFound", err)
	}
	if err := store.UpdateRunStatus(ctx, "missing", RunUpdate{Status: RunStatusRunning}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update = %v, want ErrNotFound", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	planID := uuid.New().String()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		run := &Run{
			ID:               uuid.New().String(),
			PlanID:           planID,
			ExecutionGroupID: uuid.New().String(),
			Location:         "paris",
			Environment:      "production",
			TriggeredBy:      TriggerSchedule,
			Status:           RunStatusPending,
			StartedAt:        base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		ids = append(ids, run.ID)
	}
	// A run for an unrelated plan must not leak into the filter.
	newTestRun(t, store, uuid.New().String())

	runs, err := store.ListRuns(ctx, RunFilter{PlanID: planID})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("filtered list = %d runs, want 3", len(runs))
	}
	for i, want := range []string{ids[2], ids[1], ids[0]} {
		if runs[i].ID != want {
			t.Errorf("position %d = %s, want %s (newest first)", i, runs[i].ID, want)
		}
	}

	paged, err := store.ListRuns(ctx, RunFilter{PlanID: planID, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != ids[1] {
		t.Errorf("pagination = %+v", paged)
	}
}
