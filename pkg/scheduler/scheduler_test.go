package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/openprobe/openprobe/pkg/plan"
	"github.com/openprobe/openprobe/pkg/stores"
)

func TestTickDispatchesDuePlans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sp := env.storePlan(t, schedulablePlan("paris"))

	s := New(env.store, env.disp, Config{}, nil)

	// Never-run plans with a frequency are immediately due.
	s.Tick(ctx)
	runs, err := env.store.ListRuns(ctx, stores.RunFilter{PlanID: sp.ID})
	if err != nil {
		t.Fatalf("list runs failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("first tick dispatched %d runs, want 1", len(runs))
	}
	if runs[0].TriggeredBy != stores.TriggerSchedule {
		t.Errorf("trigger = %s", runs[0].TriggeredBy)
	}

	// The plan just started, so the next tick inside the interval is a
	// no-op.
	s.Tick(ctx)
	runs, err = env.store.ListRuns(ctx, stores.RunFilter{PlanID: sp.ID})
	if err != nil {
		t.Fatalf("list runs failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("second tick dispatched again: %d runs", len(runs))
	}
}

func TestTickSkipsPlansWithoutFrequency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := schedulablePlan("paris")
	doc.Frequency = nil
	sp := env.storePlan(t, doc)

	s := New(env.store, env.disp, Config{}, nil)
	s.Tick(ctx)

	runs, err := env.store.ListRuns(ctx, stores.RunFilter{PlanID: sp.ID})
	if err != nil {
		t.Fatalf("list runs failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("on-demand plan was scheduled: %d runs", len(runs))
	}
}

func TestIsDue(t *testing.T) {
	env := newTestEnv(t)
	s := New(env.store, env.disp, Config{}, nil)
	sp := env.storePlan(t, schedulablePlan("paris"))
	now := time.Now().UTC()

	if _, due := s.isDue(sp, now); !due {
		t.Error("never-run plan should be due")
	}

	recent := now.Add(-time.Minute)
	sp.LastStartedAt = &recent
	if _, due := s.isDue(sp, now); due {
		t.Error("plan inside its interval should not be due")
	}

	stale := now.Add(-6 * time.Minute)
	sp.LastStartedAt = &stale
	if _, due := s.isDue(sp, now); !due {
		t.Error("plan past its interval should be due")
	}

	// Exactly on the boundary counts as due.
	boundary := now.Add(-5 * time.Minute)
	sp.LastStartedAt = &boundary
	if _, due := s.isDue(sp, now); !due {
		t.Error("plan exactly at its interval should be due")
	}
}

func TestIsDueIgnoresUndecodableDocument(t *testing.T) {
	env := newTestEnv(t)
	s := New(env.store, env.disp, Config{}, nil)
	sp := &stores.StoredPlan{ID: "broken", Document: []byte("{not json")}

	if _, due := s.isDue(sp, time.Now().UTC()); due {
		t.Error("undecodable plan must never fire")
	}
}

func TestSchedulerConfigDefaults(t *testing.T) {
	env := newTestEnv(t)
	s := New(env.store, env.disp, Config{}, nil)
	if s.cfg.TickInterval != DefaultTickInterval {
		t.Errorf("tick interval = %v, want %v", s.cfg.TickInterval, DefaultTickInterval)
	}
	if interval := (plan.Frequency{Every: 5, Unit: plan.UnitMinute}).Interval(); interval != 5*time.Minute {
		t.Errorf("frequency interval = %v", interval)
	}
}
