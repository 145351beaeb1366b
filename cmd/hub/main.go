// The hub is OpenProbe's control plane: it persists plans, schedules
// due runs, fans jobs out into the location-partitioned queue, tracks
// agent liveness and serves the HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openprobe/openprobe/pkg/config"
	"github.com/openprobe/openprobe/pkg/queue"
	"github.com/openprobe/openprobe/pkg/registry"
	"github.com/openprobe/openprobe/pkg/scheduler"
	"github.com/openprobe/openprobe/pkg/server"
	"github.com/openprobe/openprobe/pkg/stores"
	"github.com/openprobe/openprobe/pkg/telemetry"
)

// staleSweepInterval is how often RUNNING jobs older than the
// visibility timeout are returned to PENDING.
const staleSweepInterval = time.Minute

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadHub()
	if err != nil {
		fallbackLogger().WithError(err).Error("invalid configuration")
		return err
	}

	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
	if err != nil {
		fallbackLogger().WithError(err).Error("failed to initialize telemetry")
		return err
	}
	logger := tel.Logger.NewComponentLogger("hub")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := stores.Open(ctx, stores.DBConfigFromURL(cfg.DatabaseURL))
	if err != nil {
		logger.WithError(err).Error("failed to open database")
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.WithError(err).Error("failed to run migrations")
		return err
	}

	store := stores.NewSQLStore(db)
	jobQueue := queue.NewSQLQueue(db)

	reg := registry.NewService(store, registry.Config{
		MonitoringInterval: cfg.AgentMonitoringInterval,
		HeartbeatTimeout:   cfg.AgentHeartbeatTimeout,
	}, tel.Logger, tel.Metrics)
	reg.Start()
	defer reg.Stop()

	dispatcher := scheduler.NewDispatcher(store, jobQueue, tel.Logger, tel.Metrics)

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.New(store, dispatcher, scheduler.Config{
			TickInterval: cfg.SchedulerTickInterval,
		}, tel.Logger)
		sched.Start()
		defer sched.Stop()
	}

	go sweepStaleJobs(ctx, jobQueue, cfg.VisibilityTimeout, logger)

	if tel.Config.Metrics.Enabled {
		go func() {
			if err := tel.StartMetricsServer(); err != nil {
				logger.WithError(err).Warn("metrics server failed")
			}
		}()
	}

	srv := server.New(server.Config{
		ListenAddr:   cfg.ListenAddr,
		AuthMode:     cfg.AuthMode,
		APIKeys:      cfg.APIKeys,
		OIDCIssuer:   cfg.OIDCIssuer,
		OIDCAudience: cfg.OIDCAudience,
		CORSOrigins:  cfg.CORSOrigins,
	}, store, dispatcher, reg, tel.Logger, tel.Metrics)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("server failed")
			return err
		}
	case sig := <-sigCh:
		logger.Infof("received %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown incomplete")
	}
	_ = tel.Shutdown(shutdownCtx)
	return nil
}

// sweepStaleJobs recovers jobs abandoned by crashed workers: RUNNING
// rows older than the visibility timeout go back to PENDING with their
// attempt count intact.
func sweepStaleJobs(ctx context.Context, q queue.Queue, visibilityTimeout time.Duration, logger *telemetry.Logger) {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := q.RequeueStale(ctx, queue.ExecutePlanQueue, visibilityTimeout)
			if err != nil {
				logger.WithError(err).Warn("stale job sweep failed")
				continue
			}
			if swept > 0 {
				logger.Infof("requeued %d stale jobs", swept)
			}
		}
	}
}

func fallbackLogger() *telemetry.Logger {
	logger, err := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
	if err != nil {
		return telemetry.NopLogger()
	}
	return logger
}
