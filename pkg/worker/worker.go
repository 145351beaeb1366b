// Package worker is the agent's job loop: it polls the queue for the
// agent's location, resolves each plan's variables and secrets, runs it
// through the engine and reports the run outcome back to the hub.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openprobe/openprobe/pkg/engine"
	"github.com/openprobe/openprobe/pkg/hubclient"
	"github.com/openprobe/openprobe/pkg/plan"
	"github.com/openprobe/openprobe/pkg/queue"
	"github.com/openprobe/openprobe/pkg/secrets"
	"github.com/openprobe/openprobe/pkg/stores"
	"github.com/openprobe/openprobe/pkg/telemetry"
)

const (
	// MinEmptyDelay is the default poll delay after the first empty
	// dequeue.
	MinEmptyDelay = 1 * time.Second

	// MaxEmptyDelay is the default cap on the doubling poll delay while
	// the queue stays empty.
	MaxEmptyDelay = 30 * time.Second

	// errorDelay is the pause after a dequeue or processing error before
	// the loop continues.
	errorDelay = 1 * time.Second
)

// Hub is the subset of the hub API the worker needs: run status updates
// and target lookups.
type Hub interface {
	PatchRun(ctx context.Context, id string, patch hubclient.RunPatch) error
	GetTargets(ctx context.Context, organization, environment string) (map[string]string, error)
}

// Config configures a Worker.
type Config struct {
	// Location is the queue partition this worker drains. Required.
	Location string

	// RequestTimeout is the per-request deadline passed to the engine.
	RequestTimeout time.Duration

	// EmptyDelay is the poll delay after the first empty dequeue.
	// Defaults to MinEmptyDelay.
	EmptyDelay time.Duration

	// MaxEmptyDelay caps the doubling delay while the queue stays empty.
	// Defaults to MaxEmptyDelay.
	MaxEmptyDelay time.Duration
}

// Worker polls one location partition of the job queue and executes
// plans. Run with Start; Stop waits for the in-flight iteration.
type Worker struct {
	queue    queue.Queue
	hub      Hub
	secrets  *secrets.Registry
	executor *engine.Executor
	cfg      Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration)

	stop chan struct{}
	done chan struct{}
}

// New creates a worker.
func New(q queue.Queue, hub Hub, reg *secrets.Registry, executor *engine.Executor, cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics) *Worker {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if cfg.EmptyDelay <= 0 {
		cfg.EmptyDelay = MinEmptyDelay
	}
	if cfg.MaxEmptyDelay <= 0 {
		cfg.MaxEmptyDelay = MaxEmptyDelay
	}
	return &Worker{
		queue:    q,
		hub:      hub,
		secrets:  reg,
		executor: executor,
		cfg:      cfg,
		logger:   logger.NewComponentLogger("worker").WithLocation(cfg.Location),
		metrics:  metrics,
		sleep:    sleepFor,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop signals the loop and waits for the current iteration to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stop
		cancel()
	}()

	delay := w.cfg.EmptyDelay
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, queue.ExecutePlanQueue, w.cfg.Location)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.WithError(err).Error("dequeue failed")
			w.sleep(ctx, errorDelay)
			continue
		}

		if job == nil {
			w.sleep(ctx, delay)
			delay *= 2
			if delay > w.cfg.MaxEmptyDelay {
				delay = w.cfg.MaxEmptyDelay
			}
			continue
		}
		delay = w.cfg.EmptyDelay

		if w.metrics != nil {
			w.metrics.RecordJobDequeued(w.cfg.Location)
		}
		w.handle(ctx, job)
	}
}

// handle runs one job and settles it with the queue: acknowledge on
// success, fail with retry on error. A run whose assertions fail is
// still a successfully processed job.
func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	logger := w.logger.WithJobID(job.ID)

	if err := w.process(ctx, job); err != nil {
		logger.WithError(err).Error("job failed")
		if w.metrics != nil {
			w.metrics.RecordJobRetry(w.cfg.Location)
		}
		if failErr := w.queue.Fail(ctx, job.ID, err, engine.IsRetryable(err)); failErr != nil {
			logger.WithError(failErr).Error("failed to settle job")
		}
		return
	}

	if err := w.queue.Acknowledge(ctx, job.ID); err != nil {
		logger.WithError(err).Error("failed to acknowledge job")
	}
}

// ProcessJob decodes, resolves and executes one job. Exported so the hub
// can drain jobs inline in single-process mode.
func (w *Worker) ProcessJob(ctx context.Context, job *queue.Job) error {
	return w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *queue.Job) error {
	var payload queue.ExecutePlanPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return engine.NewPermanentError("failed to decode job payload", err).WithCode(engine.ErrCodeJobProcessing)
	}

	var doc plan.Plan
	if err := json.Unmarshal(payload.Plan, &doc); err != nil {
		return engine.NewPermanentError("failed to decode plan snapshot", err).WithCode(engine.ErrCodeJobProcessing)
	}

	logger := w.logger.WithJobID(job.ID).WithRunID(payload.JobRunID).WithPlanID(payload.PlanID)

	resolved, err := w.resolve(ctx, &doc, payload.Environment)
	if err != nil {
		// The run must not stay PENDING when resolution kills the job.
		w.markRunFailed(ctx, payload.JobRunID, err)
		return err
	}

	in := engine.Input{
		Plan:           resolved,
		ExecutionID:    payload.JobRunID,
		PlanID:         payload.PlanID,
		OrganizationID: doc.Organization,
		Environment:    payload.Environment,
		Location:       payload.Location,
		Timeout:        w.cfg.RequestTimeout,
	}

	cb := engine.Callbacks{
		OnStart: func(ctx context.Context) error {
			return w.hub.PatchRun(ctx, payload.JobRunID, hubclient.RunPatch{Status: stores.RunStatusRunning})
		},
		OnComplete: func(ctx context.Context, result *engine.Result) error {
			status := stores.RunStatusCompleted
			if !result.Success {
				status = stores.RunStatusFailed
			}
			duration := result.TotalDurationMS
			success := result.Success
			return w.hub.PatchRun(ctx, payload.JobRunID, hubclient.RunPatch{
				Status:     status,
				DurationMS: &duration,
				Success:    &success,
				Errors:     result.Errors,
			})
		},
	}

	result, err := w.executor.Execute(ctx, in, cb)
	if err != nil {
		w.markRunFailed(ctx, payload.JobRunID, err)
		return err
	}

	logger.Debugf("run finished (success=%t, duration=%dms)", result.Success, result.TotalDurationMS)
	return nil
}

// resolve substitutes targets and secrets into the plan snapshot. Any
// unresolved marker fails the whole job before execution starts.
func (w *Worker) resolve(ctx context.Context, doc *plan.Plan, environment string) (*plan.Plan, error) {
	targets := map[string]string{}
	if w.hub != nil {
		fetched, err := w.hub.GetTargets(ctx, doc.Organization, environment)
		if err != nil {
			return nil, engine.NewTransientError("failed to fetch targets", err).WithCode(engine.ErrCodeJobProcessing)
		}
		targets = fetched
	}

	resolved, err := plan.ResolveVariables(doc, targets)
	if err != nil {
		return nil, engine.NewPermanentError("variable resolution failed", err).WithCode(engine.ErrCodeValidation)
	}

	if w.secrets != nil {
		resolved, err = secrets.ResolvePlan(ctx, resolved, w.secrets)
		if err != nil {
			return nil, engine.NewTransientError("secret resolution failed", err).WithCode(engine.ErrCodeSecretResolution)
		}
	}
	return resolved, nil
}

// markRunFailed moves the run to FAILED when the job dies outside the
// engine callbacks. Best effort: the queue retry still happens if the
// hub is unreachable.
func (w *Worker) markRunFailed(ctx context.Context, runID string, cause error) {
	success := false
	patch := hubclient.RunPatch{
		Status:  stores.RunStatusFailed,
		Success: &success,
		Errors:  []string{cause.Error()},
	}
	if err := w.hub.PatchRun(ctx, runID, patch); err != nil {
		w.logger.WithRunID(runID).WithError(err).Warn("failed to mark run failed")
	}
}

func sleepFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
