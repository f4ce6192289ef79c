package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/ingest"
	"github.com/fyrsmithlabs/learnd/internal/learning"
)

func newTestMetrics(t *testing.T) (*Metrics, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := &Metrics{meter: mp.Meter(instrumentationName), logger: zap.NewNop()}
	m.init()
	return m, reader
}

// counter sums an int64 instrument by the values of key.
func counter(t *testing.T, reader *metric.ManualReader, name, key string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok, name)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(key))
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestMetrics_RecordCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCall(ctx, "learning_store", 10*time.Millisecond, outcomeOK)
	m.RecordCall(ctx, "learning_store", 10*time.Millisecond, outcomeDuplicate)
	m.RecordCall(ctx, "learning_recall", 40*time.Millisecond, outcomeDegraded)
	m.RecordCall(ctx, "file_claim", time.Millisecond, outcomeAdvisory)
	m.RecordCall(ctx, "handoff_create", time.Millisecond, "conflict")

	assert.Equal(t, map[string]int64{"learning": 3, "coord": 1, "handoff": 1},
		counter(t, reader, "learnd.mcp.tool.calls", "surface"))
	assert.Equal(t, map[string]int64{"ok": 1, "duplicate": 1, "degraded": 1, "advisory": 1, "conflict": 1},
		counter(t, reader, "learnd.mcp.tool.calls", "outcome"))
}

func TestMetrics_Inflight(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	endRecall := m.Begin(ctx, "learning_recall")
	endClaim := m.Begin(ctx, "file_claim")
	m.Begin(ctx, "session_peers")
	endRecall()
	endClaim()

	assert.Equal(t, map[string]int64{"learning": 0, "coord": 1},
		counter(t, reader, "learnd.mcp.tool.inflight", "surface"))
}

func TestToolSurface(t *testing.T) {
	tests := map[string]string{
		"learning_store":    "learning",
		"learning_recall":   "learning",
		"session_register":  "coord",
		"session_heartbeat": "coord",
		"file_check":        "coord",
		"file_claim":        "coord",
		"handoff_mark":      "handoff",
		"tool_search":       "unknown",
	}
	for tool, want := range tests {
		assert.Equal(t, want, toolSurface(tool), tool)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		out  any
		err  error
		want string
	}{
		{"stored", ingest.StoreResult{Status: ingest.StatusStored}, nil, outcomeOK},
		{"duplicate", ingest.StoreResult{Status: ingest.StatusSkipped}, nil, outcomeDuplicate},
		{"stored on fallback", ingest.StoreResult{Status: ingest.StatusStored, Degraded: true}, nil, outcomeDegraded},
		{"degraded recall", learningRecallOutput{Degraded: true}, nil, outcomeDegraded},
		{"recall", learningRecallOutput{}, nil, outcomeOK},
		{"claim warning", fileClaimOutput{Warnings: []string{"claim: backend unreachable"}}, nil, outcomeAdvisory},
		{"peers warning", sessionPeersOutput{}, nil, outcomeAdvisory},
		{"check", fileCheckOutput{OK: true, Claimed: true}, nil, outcomeOK},
		{"heartbeat", coordOutput{OK: true}, nil, outcomeOK},
		{"handoff", handoffOutput{ID: "h1"}, nil, outcomeOK},
		{"error wins", learningRecallOutput{}, learning.ErrInvalidQuery, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcome(tt.out, tt.err))
		})
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil error", nil, ""},
		{"invalid learning", fmt.Errorf("%w: content is required", learning.ErrInvalidLearning), "validation_error"},
		{"invalid query", fmt.Errorf("%w: empty", learning.ErrInvalidQuery), "validation_error"},
		{"not found", fmt.Errorf("get: %w", learning.ErrNotFound), "not_found"},
		{"handoff exists", learning.ErrHandoffExists, "conflict"},
		{"timeout", fmt.Errorf("recall: %w", context.DeadlineExceeded), "timeout"},
		{"backend down", fmt.Errorf("%w: postgres", learning.ErrBackendUnreachable), "storage_error"},
		{"embedding", learning.ErrEmbeddingUnavailable, "embedding_error"},
		{"generic error", errors.New("something went wrong"), "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, categorizeError(tt.err))
		})
	}
}
