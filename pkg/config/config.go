// Package config loads hub and agent configuration from the process
// environment. Variable names are part of the deployment contract and
// must stay stable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// AuthMode selects the hub's authentication scheme.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthAPIKey AuthMode = "api-key"
	AuthOIDC   AuthMode = "oidc"
)

// Hub is the hub process configuration.
type Hub struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `validate:"required"`

	// DatabaseURL selects the store: a postgres URL, a file path for
	// sqlite, or ":memory:".
	DatabaseURL string `validate:"required"`

	SchedulerEnabled      bool
	SchedulerTickInterval time.Duration `validate:"min=0"`

	AgentMonitoringInterval time.Duration `validate:"min=0"`
	AgentHeartbeatTimeout   time.Duration `validate:"min=0"`

	// VisibilityTimeout bounds how long a dequeued job may stay RUNNING
	// before the sweeper returns it to PENDING.
	VisibilityTimeout time.Duration `validate:"min=0"`

	AuthMode     AuthMode `validate:"oneof=none api-key oidc"`
	APIKeys      []string
	OIDCIssuer   string
	OIDCAudience string

	CORSOrigins []string
}

// Agent is the agent process configuration.
type Agent struct {
	// Location is the queue partition this agent serves.
	Location string `validate:"required"`

	// HubURL is the hub API base URL.
	HubURL string `validate:"required,url"`

	APIKey string

	EmptyDelay    time.Duration `validate:"min=0"`
	MaxEmptyDelay time.Duration `validate:"min=0"`

	// ExecutionTimeout is the per-request deadline for probe requests.
	ExecutionTimeout time.Duration `validate:"min=0"`

	HeartbeatEnabled  bool
	HeartbeatInterval time.Duration `validate:"min=0"`

	// SecretProviders lists the providers to register, e.g. "env,aws".
	SecretProviders []string

	// EventStreamURL is an optional Redis URL. When set, execution events
	// are published to a Redis stream for downstream consumers.
	EventStreamURL string

	// DatabaseURL points the agent at the shared job queue database.
	DatabaseURL string `validate:"required"`
}

var validate = validator.New()

// LoadHub reads the hub configuration from the environment.
func LoadHub() (*Hub, error) {
	cfg := &Hub{
		ListenAddr:              envString("HUB_LISTEN_ADDR", ":8080"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		SchedulerEnabled:        envBool("SCHEDULER_ENABLED", true),
		SchedulerTickInterval:   envMillis("SCHEDULER_TICK_INTERVAL", 30*time.Second),
		AgentMonitoringInterval: envSeconds("AGENT_MONITORING_INTERVAL_SECONDS", 30*time.Second),
		AgentHeartbeatTimeout:   envSeconds("AGENT_HEARTBEAT_TIMEOUT_SECONDS", 60*time.Second),
		VisibilityTimeout:       envMillis("JOB_VISIBILITY_TIMEOUT", 10*time.Minute),
		AuthMode:                AuthMode(envString("AUTH_MODE", string(AuthNone))),
		APIKeys:                 envList("AUTH_API_KEYS"),
		OIDCIssuer:              os.Getenv("AUTH_OIDC_ISSUER"),
		OIDCAudience:            os.Getenv("AUTH_OIDC_AUDIENCE"),
		CORSOrigins:             envList("CORS_ORIGINS"),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid hub configuration: %w", err)
	}
	if cfg.AuthMode == AuthAPIKey && len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("AUTH_MODE=api-key requires AUTH_API_KEYS")
	}
	if cfg.AuthMode == AuthOIDC && cfg.OIDCIssuer == "" {
		return nil, fmt.Errorf("AUTH_MODE=oidc requires AUTH_OIDC_ISSUER")
	}
	return cfg, nil
}

// LoadAgent reads the agent configuration from the environment.
func LoadAgent() (*Agent, error) {
	cfg := &Agent{
		Location:          os.Getenv("AGENT_LOCATION"),
		HubURL:            os.Getenv("HUB_URL"),
		APIKey:            os.Getenv("AGENT_API_KEY"),
		EmptyDelay:        envMillis("WORKER_EMPTY_DELAY", 1*time.Second),
		MaxEmptyDelay:     envMillis("WORKER_MAX_EMPTY_DELAY", 30*time.Second),
		ExecutionTimeout:  envMillis("PLAN_EXECUTION_TIMEOUT", 30*time.Second),
		HeartbeatEnabled:  envBool("HEARTBEAT_ENABLED", true),
		HeartbeatInterval: envSeconds("HEARTBEAT_INTERVAL_SECONDS", 15*time.Second),
		SecretProviders:   envList("SECRET_PROVIDERS"),
		EventStreamURL:    os.Getenv("EVENT_STREAM_REDIS_URL"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
	}
	if len(cfg.SecretProviders) == 0 {
		cfg.SecretProviders = []string{"env"}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid agent configuration: %w", err)
	}
	if cfg.EmptyDelay > cfg.MaxEmptyDelay {
		return nil, fmt.Errorf("WORKER_EMPTY_DELAY must not exceed WORKER_MAX_EMPTY_DELAY")
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// envMillis reads an integer millisecond value.
func envMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

// envSeconds reads an integer second value.
func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Second
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
