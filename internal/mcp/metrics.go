package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/ingest"
	"github.com/fyrsmithlabs/learnd/internal/learning"
)

const instrumentationName = "github.com/fyrsmithlabs/learnd/internal/mcp"

// Call outcomes besides the error categories of categorizeError.
const (
	outcomeOK        = "ok"
	outcomeDuplicate = "duplicate"
	outcomeDegraded  = "degraded"
	outcomeAdvisory  = "advisory"
)

// Metrics records tool calls by surface and outcome.
type Metrics struct {
	meter    metric.Meter
	logger   *zap.Logger
	calls    metric.Int64Counter
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

// NewMetrics creates Metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.calls, err = m.meter.Int64Counter(
		"learnd.mcp.tool.calls",
		metric.WithDescription("MCP tool calls by tool, surface and outcome (ok, duplicate, degraded, advisory or an error category)"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.logger.Warn("failed to create calls counter", zap.Error(err))
	}

	m.duration, err = m.meter.Float64Histogram(
		"learnd.mcp.tool.duration",
		metric.WithDescription("MCP tool call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.inflight, err = m.meter.Int64UpDownCounter(
		"learnd.mcp.tool.inflight",
		metric.WithDescription("MCP tool calls in progress by surface"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.logger.Warn("failed to create inflight counter", zap.Error(err))
	}
}

// Begin counts a call of tool as in flight; the returned func ends it.
func (m *Metrics) Begin(ctx context.Context, tool string) func() {
	surface := metric.WithAttributes(attribute.String("surface", toolSurface(tool)))
	if m.inflight != nil {
		m.inflight.Add(ctx, 1, surface)
	}
	return func() {
		if m.inflight != nil {
			m.inflight.Add(ctx, -1, surface)
		}
	}
}

// RecordCall records a finished call of tool.
func (m *Metrics) RecordCall(ctx context.Context, tool string, d time.Duration, outcome string) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("surface", toolSurface(tool)),
		attribute.String("outcome", outcome),
	)
	if m.calls != nil {
		m.calls.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
	}
}

// toolSurface names the service behind a tool from its prefix.
func toolSurface(tool string) string {
	prefix, _, _ := strings.Cut(tool, "_")
	switch prefix {
	case "learning":
		return "learning"
	case "session", "file":
		return "coord"
	case "handoff":
		return "handoff"
	}
	return "unknown"
}

// warner is a coordination result that may carry warnings instead of data.
type warner interface {
	warned() bool
}

// outcome labels a finished call.
func outcome(out any, err error) string {
	if err != nil {
		return categorizeError(err)
	}
	switch v := out.(type) {
	case ingest.StoreResult:
		switch {
		case v.Status == ingest.StatusSkipped:
			return outcomeDuplicate
		case v.Degraded:
			return outcomeDegraded
		}
	case learningRecallOutput:
		if v.Degraded {
			return outcomeDegraded
		}
	case warner:
		if v.warned() {
			return outcomeAdvisory
		}
	}
	return outcomeOK
}

// categorizeError maps an error to a low-cardinality outcome label.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, learning.ErrInvalidLearning), errors.Is(err, learning.ErrInvalidQuery):
		return "validation_error"
	case errors.Is(err, learning.ErrNotFound):
		return "not_found"
	case errors.Is(err, learning.ErrHandoffExists):
		return "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, learning.ErrBackendUnreachable):
		return "storage_error"
	case errors.Is(err, learning.ErrEmbeddingUnavailable):
		return "embedding_error"
	default:
		return "internal_error"
	}
}
