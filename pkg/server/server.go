// Package server exposes the hub HTTP API: plan CRUD, run triggering
// and status updates, agent registration and target configuration.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/openprobe/openprobe/pkg/config"
	"github.com/openprobe/openprobe/pkg/registry"
	"github.com/openprobe/openprobe/pkg/scheduler"
	"github.com/openprobe/openprobe/pkg/stores"
	"github.com/openprobe/openprobe/pkg/telemetry"
)

// Config configures the HTTP server.
type Config struct {
	ListenAddr   string
	AuthMode     config.AuthMode
	APIKeys      []string
	OIDCIssuer   string
	OIDCAudience string
	CORSOrigins  []string
}

// Server is the hub's HTTP surface.
type Server struct {
	cfg        Config
	store      *stores.SQLStore
	dispatcher *scheduler.Dispatcher
	registry   *registry.Service
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics

	httpServer *http.Server
}

// New creates a server.
func New(cfg Config, store *stores.SQLStore, dispatcher *scheduler.Dispatcher, reg *registry.Service, logger *telemetry.Logger, metrics *telemetry.Metrics) *Server {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	s := &Server{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		registry:   reg,
		logger:     logger.NewComponentLogger("server"),
		metrics:    metrics,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key"},
		}))
	}

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware())

		r.Route("/plan", func(r chi.Router) {
			r.Post("/", s.handleCreatePlan)
			r.Get("/", s.handleListPlans)
			r.Get("/by-name", s.handleGetPlanByName)
			r.Put("/{id}", s.handleUpdatePlan)
			r.Delete("/{id}", s.handleDeletePlan)
			r.Get("/{id}", s.handleGetPlan)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/trigger-by-plan-id/{planId}", s.handleTriggerRun)
			r.Get("/{id}", s.handleGetRun)
			r.Patch("/{id}", s.handlePatchRun)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Post("/register", s.handleRegisterAgent)
			r.Get("/", s.handleListAgents)
			r.Get("/locations", s.handleAgentLocations)
			r.Post("/{id}/heartbeat", s.handleAgentHeartbeat)
			r.Delete("/{id}", s.handleDeregisterAgent)
		})

		r.Route("/config/{organizationId}/{environment}/targets", func(r chi.Router) {
			r.Get("/", s.handleListTargets)
			r.Get("/{targetKey}", s.handleGetTarget)
			r.Put("/{targetKey}", s.handlePutTarget)
			r.Delete("/{targetKey}", s.handleDeleteTarget)
		})
	})

	return r
}

// Start serves until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.logger.Infof("hub API listening on %s", s.cfg.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().HealthCheck(r.Context()); err != nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request")
	})
}
