// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Structured Logging
//
// Logger wraps logrus. JSON in production, text for local development:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("school_id", id).Warn("license expired")
//
// Packages that take a *logrus.Logger directly (request logging, the audit
// recorder) get it from logger.Logrus().
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDecision("tenant", "denied")
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// HTTP metrics are labelled with the matched mux route template, not the raw
// path, so ids never become label values.
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer providers.Shutdown(ctx)
//	router.Use(observability.HTTPTracingMiddleware("schoolguard"))
//
// Traces and metrics are exported over OTLP/gRPC. Guard stages open child
// spans named authz.<stage>.
//
// # Health Checks
//
// /healthz is liveness. /readyz fails when the database is unreachable and
// reports degraded when only Redis is down.
//
// # Related Packages
//
//   - pkg/config: observability configuration
//   - pkg/middleware: guard decision metrics and spans
package observability
