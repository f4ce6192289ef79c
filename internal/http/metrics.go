package http

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/learnd/internal/http"

// degradedKey marks a response served in degraded mode.
const degradedKey = "learnd.degraded"

// Surfaces group routes by the service behind them.
const (
	surfaceStore      = "store"
	surfaceRecall     = "recall"
	surfaceCoord      = "coord"
	surfaceHandoff    = "handoff"
	surfaceExtraction = "extraction"
	surfaceHealth     = "health"
	surfaceMetrics    = "metrics"
	surfaceUnmatched  = "unmatched"
)

// HTTPMetrics records request counts and latency per learnd surface, and
// how often a surface answered in degraded mode.
type HTTPMetrics struct {
	meter    metric.Meter
	logger   *zap.Logger
	requests metric.Int64Counter
	duration metric.Float64Histogram
	degraded metric.Int64Counter
	inflight metric.Int64UpDownCounter
}

// NewHTTPMetrics creates HTTPMetrics on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{
		meter:  otel.Meter(httpInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requests, err = m.meter.Int64Counter(
		"learnd.http.requests",
		metric.WithDescription("HTTP requests by surface, route, method and status class"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	// Buckets straddle the default recall timeout (3s).
	m.duration, err = m.meter.Float64Histogram(
		"learnd.http.request.duration",
		metric.WithDescription("HTTP request latency by surface and route"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.degraded, err = m.meter.Int64Counter(
		"learnd.http.degraded_responses",
		metric.WithDescription("Successful responses served in degraded mode (fallback backend, missing vectors, coordination warnings)"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		m.logger.Warn("failed to create degraded counter", zap.Error(err))
	}

	m.inflight, err = m.meter.Int64UpDownCounter(
		"learnd.http.inflight",
		metric.WithDescription("Requests in progress by surface"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create inflight counter", zap.Error(err))
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTPMetrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			route := normalizePath(c.Path())
			surface := attribute.String("surface", surfaceFor(route))

			if m.inflight != nil {
				m.inflight.Add(ctx, 1, metric.WithAttributes(surface))
			}
			err := next(c)
			if m.inflight != nil {
				m.inflight.Add(ctx, -1, metric.WithAttributes(surface))
			}

			attrs := metric.WithAttributes(
				surface,
				attribute.String("route", route),
				attribute.String("method", c.Request().Method),
				attribute.String("status_class", statusClass(c.Response().Status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if d, _ := c.Get(degradedKey).(bool); d && m.degraded != nil {
				m.degraded.Add(ctx, 1, metric.WithAttributes(surface))
			}
			return err
		}
	}
}

// markDegraded flags the response for learnd.http.degraded_responses.
func markDegraded(c echo.Context, degraded bool) {
	if degraded {
		c.Set(degradedKey, true)
	}
}

// normalizePath maps a request to its route pattern. Echo reports the
// pattern (/api/v1/learnings/:id), so only unmatched requests need a label.
func normalizePath(path string) string {
	if path == "" {
		return surfaceUnmatched
	}
	return path
}

// surfaceFor names the service behind a route.
func surfaceFor(route string) string {
	switch route {
	case "/health":
		return surfaceHealth
	case "/metrics":
		return surfaceMetrics
	}
	rest, ok := strings.CutPrefix(route, "/api/v1/")
	if !ok {
		return surfaceUnmatched
	}
	resource, _, _ := strings.Cut(rest, "/")
	switch resource {
	case "learnings":
		return surfaceStore
	case "recall":
		return surfaceRecall
	case "sessions", "claims":
		return surfaceCoord
	case "handoffs":
		return surfaceHandoff
	case "extract":
		return surfaceExtraction
	}
	return surfaceUnmatched
}

// statusClass buckets a status code as 2xx, 4xx, ...; 0 means the handler
// never wrote a response.
func statusClass(status int) string {
	if status < 100 {
		return "none"
	}
	return strconv.Itoa(status/100) + "xx"
}
