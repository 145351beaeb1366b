package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openprobe/openprobe/pkg/plan"
	"github.com/openprobe/openprobe/pkg/queue"
	"github.com/openprobe/openprobe/pkg/stores"
)

// testEnv wires a dispatcher onto an in-memory store and queue.
type testEnv struct {
	store *stores.SQLStore
	queue *queue.MemoryQueue
	disp  *Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
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

	store := stores.NewSQLStore(db)
	q := queue.NewMemoryQueue()
	return &testEnv{
		store: store,
		queue: q,
		disp:  NewDispatcher(store, q, nil, nil),
	}
}

// storePlan persists a plan document and returns the stored row.
func (e *testEnv) storePlan(t *testing.T, doc *plan.Plan) *stores.StoredPlan {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	sp := &stores.StoredPlan{
		ID:           uuid.New().String(),
		Organization: "acme",
		Project:      doc.Project,
		Environment:  doc.Environment,
		Name:         doc.Name,
		Version:      doc.Version,
		ContentHash:  "hash",
		Document:     raw,
	}
	if err := e.store.CreatePlan(context.Background(), sp); err != nil {
		t.Fatalf("create plan failed: %v", err)
	}
	return sp
}

func (e *testEnv) registerAgent(t *testing.T, location string) {
	t.Helper()
	now := time.Now().UTC()
	agent := &stores.Agent{
		ID:            uuid.New().String(),
		Location:      location,
		Status:        stores.AgentOnline,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	if err := e.store.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("create agent failed: %v", err)
	}
}

func schedulablePlan(locations ...string) *plan.Plan {
	return &plan.Plan{
		Project:     "payments",
		Environment: "production",
		Name:        "checkout-health",
		Version:     plan.SchemaVersion,
		Locations:   locations,
		Frequency:   &plan.Frequency{Every: 5, Unit: plan.UnitMinute},
		Nodes: plan.NodeList{
			plan.HTTPRequestNode{
				ID:             "fetch",
				Method:         plan.MethodGet,
				Base:           plan.LiteralValue("https://api.example.com"),
				Path:           "/health",
				ResponseFormat: plan.FormatJSON,
			},
		},
		Edges: []plan.Edge{
			{From: plan.StartNode, To: "fetch"},
			{From: "fetch", To: plan.EndNode},
		},
	}
}

func TestDispatchFansOutPerLocation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sp := env.storePlan(t, schedulablePlan("paris", "tokyo"))

	runs, err := env.disp.Dispatch(ctx, sp, "production", stores.TriggerManual)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("dispatched %d runs, want 2", len(runs))
	}
	if runs[0].ExecutionGroupID != runs[1].ExecutionGroupID {
		t.Error("fan-out runs must share an execution group")
	}

	seen := map[string]bool{}
	for _, run := range runs {
		seen[run.Location] = true
		if run.Status != stores.RunStatusPending || run.TriggeredBy != stores.TriggerManual {
			t.Errorf("run = %+v", run)
		}

		job, err := env.queue.Dequeue(ctx, queue.ExecutePlanQueue, run.Location)
		if err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		if job == nil {
			t.Fatalf("no job enqueued for %s", run.Location)
		}
		var payload queue.ExecutePlanPayload
		if err := json.Unmarshal(job.Data, &payload); err != nil {
			t.Fatalf("payload decode failed: %v", err)
		}
		if payload.PlanID != sp.ID || payload.JobRunID != run.ID || payload.Location != run.Location {
			t.Errorf("payload = %+v", payload)
		}
		if payload.ExecutionGroupID != run.ExecutionGroupID {
			t.Errorf("payload group = %s, want %s", payload.ExecutionGroupID, run.ExecutionGroupID)
		}
		if string(payload.Plan) != string(sp.Document) {
			t.Error("payload must snapshot the plan document")
		}
	}
	if !seen["paris"] || !seen["tokyo"] {
		t.Errorf("locations covered: %v", seen)
	}
}

func TestDispatchDefaultsToOnlineLocations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerAgent(t, "paris")
	env.registerAgent(t, "paris")
	env.registerAgent(t, "tokyo")
	sp := env.storePlan(t, schedulablePlan())

	runs, err := env.disp.Dispatch(ctx, sp, "production", stores.TriggerSchedule)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	// One run per distinct ONLINE location, not per agent.
	if len(runs) != 2 {
		t.Fatalf("dispatched %d runs, want 2", len(runs))
	}
}

func TestDispatchFallsBackToLocal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sp := env.storePlan(t, schedulablePlan())

	runs, err := env.disp.Dispatch(ctx, sp, "production", stores.TriggerSchedule)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Location != FallbackLocation {
		t.Fatalf("runs = %+v, want single %q run", runs, FallbackLocation)
	}
}
