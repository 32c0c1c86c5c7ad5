package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments. They report through
// the global meter provider, which is a no-op until InitOTel installs one.
type OTelMetrics struct {
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	guardDenials         metric.Int64Counter
	impersonationActions metric.Int64Counter

	cacheHitsTotal   metric.Int64Counter
	cacheMissesTotal metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the global meter
func NewOTelMetrics() (*OTelMetrics, error) {
	return newOTelMetrics(otel.Meter("github.com/platinummonkey/schoolguard"))
}

func newOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http.server.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	m.guardDenials, err = meter.Int64Counter(
		"authz.denials",
		metric.WithDescription("Requests rejected by an authorization guard"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard denials counter: %w", err)
	}

	m.impersonationActions, err = meter.Int64Counter(
		"impersonation.actions",
		metric.WithDescription("Requests made with an impersonation credential"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create impersonation actions counter: %w", err)
	}

	m.cacheHitsTotal, err = meter.Int64Counter(
		"cache.hits",
		metric.WithDescription("Total number of cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	m.cacheMissesTotal, err = meter.Int64Counter(
		"cache.misses",
		metric.WithDescription("Total number of cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *OTelMetrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", statusCode),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordGuardDenial counts a rejection at the named guard stage
func (m *OTelMetrics) RecordGuardDenial(ctx context.Context, stage string, status int) {
	if m == nil {
		return
	}
	m.guardDenials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("authz.stage", stage),
		attribute.Int("http.status_code", status),
	))
}

// RecordImpersonationAction counts a request made under impersonation
func (m *OTelMetrics) RecordImpersonationAction(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.impersonationActions.Add(ctx, 1, metric.WithAttributes(attribute.String("http.method", method)))
}

// RecordCacheHit records a cache hit at the given layer
func (m *OTelMetrics) RecordCacheHit(ctx context.Context, cache, layer string) {
	if m == nil {
		return
	}
	m.cacheHitsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache.name", cache),
		attribute.String("cache.layer", layer),
	))
}

// RecordCacheMiss records a cache miss
func (m *OTelMetrics) RecordCacheMiss(ctx context.Context, cache string) {
	if m == nil {
		return
	}
	m.cacheMissesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.name", cache)))
}

// RecordCache adapts the hit and miss counters to the lookup observer used
// by caches; layer is empty for a miss
func (m *OTelMetrics) RecordCache(cache, layer string) {
	if layer == "" {
		m.RecordCacheMiss(context.Background(), cache)
		return
	}
	m.RecordCacheHit(context.Background(), cache, layer)
}

// OTelHTTPMetricsMiddleware records request counts and durations through
// OpenTelemetry. Register it with router.Use so the matched route is known.
func OTelHTTPMetricsMiddleware(m *OTelMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			m.RecordHTTPRequest(r.Context(), r.Method, routeLabel(r), rw.statusCode, time.Since(start))
		})
	}
}
