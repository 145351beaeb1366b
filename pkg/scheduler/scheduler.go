package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/openprobe/openprobe/pkg/plan"
	"github.com/openprobe/openprobe/pkg/stores"
	"github.com/openprobe/openprobe/pkg/telemetry"
)

// DefaultTickInterval is the scan interval when none is configured.
const DefaultTickInterval = 30 * time.Second

// Config configures the scheduler.
type Config struct {
	TickInterval time.Duration
}

// Scheduler fires due plans on an interval. Ticks never overlap: when a
// tick is still in flight the next interval is a no-op.
type Scheduler struct {
	store      *stores.SQLStore
	dispatcher *Dispatcher
	cfg        Config
	logger     *telemetry.Logger

	mu      sync.Mutex
	ticking bool

	stop chan struct{}
	done chan struct{}
}

// New creates a scheduler.
func New(store *stores.SQLStore, dispatcher *Dispatcher, cfg Config, logger *telemetry.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.NewComponentLogger("scheduler"),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop clears the ticker and waits for any in-flight tick to complete.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Tick runs one scheduling pass. Overlapping calls return immediately.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		return
	}
	s.ticking = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
	}()

	candidates, err := s.store.DuePlans(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to query due plans")
		return
	}

	now := time.Now().UTC()
	for _, sp := range candidates {
		doc, due := s.isDue(sp, now)
		if !due {
			continue
		}
		if _, err := s.dispatcher.Dispatch(ctx, sp, doc.Environment, stores.TriggerSchedule); err != nil {
			s.logger.WithError(err).WithPlanID(sp.ID).Error("failed to dispatch plan")
		}
	}
}

// isDue decodes the plan document and applies the frequency predicate:
// due when the plan declares a frequency and either has never run or its
// last start plus the interval has passed.
func (s *Scheduler) isDue(sp *stores.StoredPlan, now time.Time) (*plan.Plan, bool) {
	var doc plan.Plan
	if err := json.Unmarshal(sp.Document, &doc); err != nil {
		s.logger.WithError(err).WithPlanID(sp.ID).Warn("skipping undecodable plan")
		return nil, false
	}
	if doc.Frequency == nil {
		return nil, false
	}
	if sp.LastStartedAt == nil {
		return &doc, true
	}
	return &doc, !sp.LastStartedAt.Add(doc.Frequency.Interval()).After(now)
}
