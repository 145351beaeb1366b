// Package scheduler scans the plan store on an interval, decides which
// plans are due and dispatches one run per resolved location into the
// job queue.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openprobe/openprobe/pkg/plan"
	"github.com/openprobe/openprobe/pkg/queue"
	"github.com/openprobe/openprobe/pkg/stores"
	"github.com/openprobe/openprobe/pkg/telemetry"
)

// FallbackLocation is used when a plan names no locations and no agent
// is registered, so single-process deployments still execute.
const FallbackLocation = "local"

// Dispatcher creates runs and queue jobs for a plan. It is shared by
// the scheduler tick and the manual trigger endpoint.
type Dispatcher struct {
	store   *stores.SQLStore
	queue   queue.Queue
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store *stores.SQLStore, q queue.Queue, logger *telemetry.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Dispatcher{
		store:   store,
		queue:   q,
		logger:  logger.NewComponentLogger("dispatcher"),
		metrics: metrics,
	}
}

// Dispatch fans a plan out to its resolved locations: one Run and one
// queue job per location, all sharing an execution group ID. The plan
// document is snapshotted into the payload so later edits do not mutate
// in-flight runs.
func (d *Dispatcher) Dispatch(ctx context.Context, sp *stores.StoredPlan, environment string, trigger stores.TriggerSource) ([]*stores.Run, error) {
	var doc plan.Plan
	if err := json.Unmarshal(sp.Document, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", sp.ID, err)
	}

	locations, err := d.resolveLocations(ctx, &doc)
	if err != nil {
		return nil, err
	}

	groupID := uuid.New().String()
	now := time.Now().UTC()

	var runs []*stores.Run
	for _, location := range locations {
		run := &stores.Run{
			ID:               uuid.New().String(),
			PlanID:           sp.ID,
			ExecutionGroupID: groupID,
			Location:         location,
			Environment:      environment,
			TriggeredBy:      trigger,
			Status:           stores.RunStatusPending,
			StartedAt:        now,
		}
		if err := d.store.CreateRun(ctx, run); err != nil {
			return runs, err
		}

		payload, err := json.Marshal(queue.ExecutePlanPayload{
			Type:             queue.PayloadType,
			PlanID:           sp.ID,
			JobRunID:         run.ID,
			Environment:      environment,
			Location:         location,
			ExecutionGroupID: groupID,
			Plan:             sp.Document,
			ScheduledAt:      now,
		})
		if err != nil {
			return runs, fmt.Errorf("failed to encode job payload: %w", err)
		}

		if _, err := d.queue.Enqueue(ctx, queue.ExecutePlanQueue, payload, queue.EnqueueOptions{
			Location: location,
		}); err != nil {
			return runs, err
		}

		if d.metrics != nil {
			d.metrics.RecordRunStarted(string(trigger))
			d.metrics.RecordJobEnqueued(location)
		}
		d.logger.WithPlanID(sp.ID).WithRunID(run.ID).WithLocation(location).
			Debugf("dispatched run (trigger=%s)", trigger)
		runs = append(runs, run)
	}

	return runs, nil
}

// resolveLocations picks the target locations for a plan: the declared
// set when non-empty, otherwise every ONLINE location, otherwise the
// single fallback location.
func (d *Dispatcher) resolveLocations(ctx context.Context, doc *plan.Plan) ([]string, error) {
	if len(doc.Locations) > 0 {
		return doc.Locations, nil
	}
	online, err := d.store.ListOnlineLocations(ctx)
	if err != nil {
		return nil, err
	}
	if len(online) > 0 {
		return online, nil
	}
	return []string{FallbackLocation}, nil
}
