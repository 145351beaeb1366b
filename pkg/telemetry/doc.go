// Package telemetry provides observability instrumentation shared by the
// hub and the agent.
//
// The package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry) and metrics (Prometheus) into a unified
// system.
//
// # Usage
//
// Initialize telemetry at process startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "openprobe-hub"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx := tel.WithContext(context.Background())
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("scheduler")
//	logger = logger.WithRunID("run-123").WithPlanID("plan-456")
//	logger.Info("enqueueing run")
//	logger.WithError(err).Error("enqueue failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into run and node execution:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, planID, location)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track scheduling, queueing and execution:
//
//	tel.Metrics.RecordRunStarted("SCHEDULE")
//	tel.Metrics.RecordRunCompleted("COMPLETED", duration)
//	tel.Metrics.RecordNodeExecution("HTTP_REQUEST", "success", duration)
//	tel.Metrics.RecordJobEnqueued("us-east-1")
//	tel.Metrics.RecordSecretResolution("vault")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Configuration
//
// Pre-configured setups for different environments:
//
//	cfg := telemetry.DevelopmentConfig() // verbose console logs, stdout traces
//	cfg := telemetry.ProductionConfig()  // JSON logs, OTLP traces, 10% sampling
//
// # Security Considerations
//
//   - Never log resolved secret values
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry
