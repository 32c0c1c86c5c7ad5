package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	AuthzDecisionsTotal *prometheus.CounterVec
	LoginAttemptsTotal  *prometheus.CounterVec

	// Audit metrics
	AuditWriteFailuresTotal prometheus.Counter
	AuditLogsCleanedTotal   prometheus.Counter

	// Impersonation metrics
	ImpersonationsActive       prometheus.Gauge
	ImpersonationsStartedTotal prometheus.Counter

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schoolguard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "schoolguard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schoolguard_authz_decisions_total",
				Help: "Guard decisions by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schoolguard_login_attempts_total",
				Help: "Login attempts by outcome",
			},
			[]string{"outcome"},
		),

		AuditWriteFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "schoolguard_audit_write_failures_total",
				Help: "Activity log writes that failed and were dropped",
			},
		),
		AuditLogsCleanedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "schoolguard_audit_logs_cleaned_total",
				Help: "Activity log rows removed by retention",
			},
		),

		ImpersonationsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "schoolguard_impersonations_active",
				Help: "Impersonation sessions that have not ended",
			},
		),
		ImpersonationsStartedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "schoolguard_impersonations_started_total",
				Help: "Impersonation sessions started",
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schoolguard_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache", "layer"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schoolguard_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "schoolguard_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "schoolguard_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthzDecisionsTotal,
		m.LoginAttemptsTotal,
		m.AuditWriteFailuresTotal,
		m.AuditLogsCleanedTotal,
		m.ImpersonationsActive,
		m.ImpersonationsStartedTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// RecordDecision counts one guard outcome. Safe on a nil receiver.
func (m *Metrics) RecordDecision(stage, outcome string) {
	if m == nil {
		return
	}
	m.AuthzDecisionsTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordLogin counts one login attempt. Safe on a nil receiver.
func (m *Metrics) RecordLogin(outcome string) {
	if m == nil {
		return
	}
	m.LoginAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordCache counts a cache lookup; layer is empty for a miss
func (m *Metrics) RecordCache(cache, layer string) {
	if m == nil {
		return
	}
	if layer == "" {
		m.CacheMissesTotal.WithLabelValues(cache).Inc()
		return
	}
	m.CacheHitsTotal.WithLabelValues(cache, layer).Inc()
}

// RecordLogsCleaned counts activity entries removed by retention
func (m *Metrics) RecordLogsCleaned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.AuditLogsCleanedTotal.Add(float64(n))
}

// ObserveDBStats publishes the pool's connection counts
func (m *Metrics) ObserveDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel is the matched mux template, keeping path ids out of labels
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Register it with router.Use so the matched route is known.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
