// The agent is OpenProbe's location-pinned executor: it registers with
// the hub, heartbeats, drains its location's queue partition and runs
// plans through the execution engine.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openprobe/openprobe/pkg/config"
	"github.com/openprobe/openprobe/pkg/engine"
	"github.com/openprobe/openprobe/pkg/hubclient"
	"github.com/openprobe/openprobe/pkg/queue"
	"github.com/openprobe/openprobe/pkg/secrets"
	"github.com/openprobe/openprobe/pkg/stores"
	"github.com/openprobe/openprobe/pkg/telemetry"
	"github.com/openprobe/openprobe/pkg/worker"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAgent()
	if err != nil {
		fallbackLogger().WithError(err).Error("invalid configuration")
		return err
	}

	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
	if err != nil {
		fallbackLogger().WithError(err).Error("failed to initialize telemetry")
		return err
	}
	logger := tel.Logger.NewComponentLogger("agent").WithLocation(cfg.Location)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := stores.Open(ctx, stores.DBConfigFromURL(cfg.DatabaseURL))
	if err != nil {
		logger.WithError(err).Error("failed to open queue database")
		return err
	}
	defer db.Close()

	jobQueue := queue.NewSQLQueue(db)

	var hubOpts []hubclient.Option
	if cfg.APIKey != "" {
		hubOpts = append(hubOpts, hubclient.WithAPIKey(cfg.APIKey))
	}
	hub := hubclient.New(cfg.HubURL, hubOpts...)

	registry, err := buildSecretRegistry(ctx, cfg.SecretProviders)
	if err != nil {
		logger.WithError(err).Error("failed to configure secret providers")
		return err
	}

	agent, err := hub.RegisterAgent(ctx, cfg.Location, map[string]string{
		"hostname": hostname(),
	})
	if err != nil {
		logger.WithError(err).Error("failed to register with hub")
		return err
	}
	logger.Infof("registered as agent %s", agent.ID)
	defer func() {
		deregCtx, deregCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer deregCancel()
		if err := hub.DeregisterAgent(deregCtx, agent.ID); err != nil {
			logger.WithError(err).Warn("failed to deregister")
		}
	}()

	if cfg.HeartbeatEnabled {
		go heartbeatLoop(ctx, hub, agent.ID, cfg.HeartbeatInterval, logger)
	}

	var emitter engine.Emitter
	if cfg.EventStreamURL != "" {
		opts, err := redis.ParseURL(cfg.EventStreamURL)
		if err != nil {
			logger.WithError(err).Error("invalid event stream URL")
			return err
		}
		stream := engine.NewStreamEmitter(redis.NewClient(opts), engine.StreamEmitterConfig{}, tel.Logger)
		defer stream.Close()
		emitter = stream
	}

	executor := engine.NewExecutor(engine.Config{Logger: tel.Logger, Emitter: emitter})

	w := worker.New(jobQueue, hub, registry, executor, worker.Config{
		Location:       cfg.Location,
		RequestTimeout: cfg.ExecutionTimeout,
		EmptyDelay:     cfg.EmptyDelay,
		MaxEmptyDelay:  cfg.MaxEmptyDelay,
	}, tel.Logger, tel.Metrics)
	w.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("received %s, shutting down", sig)

	// Let the in-flight job finish before exiting.
	w.Stop()
	cancel()
	_ = tel.Shutdown(context.Background())
	return nil
}

// buildSecretRegistry registers the configured providers. Unknown names
// are rejected so a typo fails fast instead of leaving markers
// unresolvable at execution time.
func buildSecretRegistry(ctx context.Context, providers []string) (*secrets.Registry, error) {
	registry := secrets.NewRegistry()
	for _, name := range providers {
		switch strings.TrimSpace(name) {
		case "env":
			if err := registry.Register(secrets.NewEnvProvider(os.Getenv("SECRET_ENV_PREFIX"))); err != nil {
				return nil, err
			}
		case "aws", "aws-secrets-manager":
			provider, err := secrets.NewAWSProvider(ctx)
			if err != nil {
				return nil, err
			}
			if err := registry.Register(provider); err != nil {
				return nil, err
			}
		case "vault":
			provider, err := secrets.NewVaultProvider(secrets.VaultConfig{
				Address: os.Getenv("VAULT_ADDR"),
				Token:   os.Getenv("VAULT_TOKEN"),
				Prefix:  os.Getenv("VAULT_SECRET_PREFIX"),
			})
			if err != nil {
				return nil, err
			}
			if err := registry.Register(provider); err != nil {
				return nil, err
			}
		default:
			return nil, &unknownProviderError{name: name}
		}
	}
	return registry, nil
}

type unknownProviderError struct {
	name string
}

func (e *unknownProviderError) Error() string {
	return "unknown secret provider " + e.name
}

func heartbeatLoop(ctx context.Context, hub *hubclient.Client, agentID string, interval time.Duration, logger *telemetry.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := hub.HeartbeatAgent(ctx, agentID); err != nil {
				logger.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

func fallbackLogger() *telemetry.Logger {
	logger, err := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
	if err != nil {
		return telemetry.NopLogger()
	}
	return logger
}
