package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the hub and the agent.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Node metrics
	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec

	// Probe HTTP metrics
	probeRequests        *prometheus.CounterVec
	probeRequestDuration *prometheus.HistogramVec

	// Secret provider metrics
	secretResolutions *prometheus.CounterVec
	secretErrors      *prometheus.CounterVec

	// Queue metrics
	jobsEnqueued *prometheus.CounterVec
	jobsDequeued *prometheus.CounterVec
	jobRetries   *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec

	// Agent metrics
	agentsOnline *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"trigger"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		nodesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_executed_total",
				Help:      "Total number of plan nodes executed",
			},
			[]string{"type", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of plan node execution in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),

		probeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_requests_total",
				Help:      "Total number of probe HTTP requests",
			},
			[]string{"method", "outcome"},
		),
		probeRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_request_duration_seconds",
				Help:      "Duration of probe HTTP requests in seconds",
				Buckets:   buckets,
			},
			[]string{"method"},
		),

		secretResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "secret_resolutions_total",
				Help:      "Total number of secret resolutions",
			},
			[]string{"provider"},
		),
		secretErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "secret_resolution_errors_total",
				Help:      "Total number of secret resolution failures",
			},
			[]string{"provider"},
		),

		jobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_enqueued_total",
				Help:      "Total number of jobs enqueued",
			},
			[]string{"location"},
		),
		jobsDequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_dequeued_total",
				Help:      "Total number of jobs dequeued",
			},
			[]string{"location"},
		),
		jobRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_retries_total",
				Help:      "Total number of job retries",
			},
			[]string{"location"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of pending jobs per location",
			},
			[]string{"location"},
		),

		agentsOnline: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents_online",
				Help:      "Current number of online agents per location",
			},
			[]string{"location"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.nodesExecuted,
		m.nodeDuration,
		m.probeRequests,
		m.probeRequestDuration,
		m.secretResolutions,
		m.secretErrors,
		m.jobsEnqueued,
		m.jobsDequeued,
		m.jobRetries,
		m.queueDepth,
		m.agentsOnline,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(trigger string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(trigger).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Node Metrics

// RecordNodeExecution records the execution of a single plan node.
func (m *Metrics) RecordNodeExecution(nodeType, status string, duration time.Duration) {
	if m.nodesExecuted == nil {
		return
	}
	m.nodesExecuted.WithLabelValues(nodeType, status).Inc()
	m.nodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// Probe Metrics

// RecordProbeRequest records one probe HTTP request with its outcome.
func (m *Metrics) RecordProbeRequest(method, outcome string, duration time.Duration) {
	if m.probeRequests == nil {
		return
	}
	m.probeRequests.WithLabelValues(method, outcome).Inc()
	m.probeRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Secret Metrics

// RecordSecretResolution records a successful secret resolution.
func (m *Metrics) RecordSecretResolution(provider string) {
	if m.secretResolutions == nil {
		return
	}
	m.secretResolutions.WithLabelValues(provider).Inc()
}

// RecordSecretError records a failed secret resolution.
func (m *Metrics) RecordSecretError(provider string) {
	if m.secretErrors == nil {
		return
	}
	m.secretErrors.WithLabelValues(provider).Inc()
}

// Queue Metrics

// RecordJobEnqueued records a job being enqueued for a location.
func (m *Metrics) RecordJobEnqueued(location string) {
	if m.jobsEnqueued == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(location).Inc()
}

// RecordJobDequeued records a job being dequeued by a worker.
func (m *Metrics) RecordJobDequeued(location string) {
	if m.jobsDequeued == nil {
		return
	}
	m.jobsDequeued.WithLabelValues(location).Inc()
}

// RecordJobRetry records a job being rescheduled for retry.
func (m *Metrics) RecordJobRetry(location string) {
	if m.jobRetries == nil {
		return
	}
	m.jobRetries.WithLabelValues(location).Inc()
}

// SetQueueDepth sets the current pending-job count for a location.
func (m *Metrics) SetQueueDepth(location string, depth float64) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(location).Set(depth)
}

// Agent Metrics

// SetAgentsOnline sets the current online agent count for a location.
func (m *Metrics) SetAgentsOnline(location string, count float64) {
	if m.agentsOnline == nil {
		return
	}
	m.agentsOnline.WithLabelValues(location).Set(count)
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
