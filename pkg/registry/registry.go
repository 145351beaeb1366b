// Package registry tracks agent liveness. Agents register, heartbeat
// and deregister through the hub; a background sweep marks silent
// agents OFFLINE. The set of ONLINE locations gates plan applies.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openprobe/openprobe/pkg/stores"
	"github.com/openprobe/openprobe/pkg/telemetry"
)

const (
	// DefaultMonitoringInterval is how often the staleness sweep runs.
	DefaultMonitoringInterval = 30 * time.Second

	// DefaultHeartbeatTimeout is how long an agent may stay silent
	// before it is marked OFFLINE.
	DefaultHeartbeatTimeout = 60 * time.Second
)

// Config configures the registry service.
type Config struct {
	MonitoringInterval time.Duration
	HeartbeatTimeout   time.Duration
}

// Service implements agent registration and the staleness sweep.
type Service struct {
	store   *stores.SQLStore
	cfg     Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	stop chan struct{}
	done chan struct{}
}

// NewService creates a registry service.
func NewService(store *stores.SQLStore, cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics) *Service {
	if cfg.MonitoringInterval <= 0 {
		cfg.MonitoringInterval = DefaultMonitoringInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		logger:  logger.NewComponentLogger("registry"),
		metrics: metrics,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Register allocates an agent ID and records the agent as ONLINE.
func (s *Service) Register(ctx context.Context, location string, metadata map[string]string) (*stores.Agent, error) {
	now := time.Now().UTC()
	agent := &stores.Agent{
		ID:            uuid.New().String(),
		Location:      location,
		Status:        stores.AgentOnline,
		LastHeartbeat: now,
		RegisteredAt:  now,
		Metadata:      metadata,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	s.logger.WithLocation(location).Infof("registered agent %s", agent.ID)
	return agent, nil
}

// Heartbeat refreshes an agent's liveness timestamp and resets it to
// ONLINE. An OFFLINE agent comes back by heartbeating.
func (s *Service) Heartbeat(ctx context.Context, id string) error {
	return s.store.TouchAgent(ctx, id, time.Now().UTC())
}

// Deregister removes the agent record.
func (s *Service) Deregister(ctx context.Context, id string) error {
	err := s.store.DeleteAgent(ctx, id)
	if err == nil {
		s.logger.Infof("deregistered agent %s", id)
	}
	return err
}

// ListAgents lists agents with optional filters.
func (s *Service) ListAgents(ctx context.Context, filter stores.AgentFilter) ([]*stores.Agent, error) {
	return s.store.ListAgents(ctx, filter)
}

// RegisteredLocations returns the distinct locations of ONLINE agents.
func (s *Service) RegisteredLocations(ctx context.Context) ([]string, error) {
	return s.store.ListOnlineLocations(ctx)
}

// Start launches the background staleness sweep.
func (s *Service) Start() {
	go s.sweepLoop()
}

// Stop terminates the sweep and waits for the current pass to finish.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Service) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.MonitoringInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MonitoringInterval)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.cfg.HeartbeatTimeout)
	swept, err := s.store.MarkStaleAgentsOffline(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("staleness sweep failed")
		return
	}
	if swept > 0 {
		s.logger.Infof("marked %d stale agents offline", swept)
	}
	s.publishGauges(ctx)
}

func (s *Service) publishGauges(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	agents, err := s.store.ListAgents(ctx, stores.AgentFilter{Status: stores.AgentOnline})
	if err != nil {
		return
	}
	counts := map[string]int{}
	for _, agent := range agents {
		counts[agent.Location]++
	}
	for location, count := range counts {
		s.metrics.SetAgentsOnline(location, float64(count))
	}
}
