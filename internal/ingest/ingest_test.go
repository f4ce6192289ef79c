package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/learnd/internal/coord"
	"github.com/fyrsmithlabs/learnd/internal/dedup"
	"github.com/fyrsmithlabs/learnd/internal/embeddings"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/logging"
	"github.com/fyrsmithlabs/learnd/internal/scrub"
	"github.com/fyrsmithlabs/learnd/internal/store"
	"github.com/fyrsmithlabs/learnd/internal/store/embedded"
	"github.com/fyrsmithlabs/learnd/internal/store/sqlite"
	"github.com/fyrsmithlabs/learnd/internal/store/storetest"
)

const dim = 16

var sc = coord.SessionContext{SessionID: "s1", Project: "proj"}

var fastRetry = store.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}

func openEmbedded(t *testing.T) *embedded.Store {
	t.Helper()
	s, err := embedded.Open(context.Background(), embedded.Config{
		SQLitePath: filepath.Join(t.TempDir(), "learnd.db"),
		Dimension:  dim,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newService(t *testing.T, b store.Backend, emb embeddings.Provider, scr scrub.Scrubber) *Service {
	t.Helper()
	gate, err := dedup.New(b, dedup.Config{}, nil)
	require.NoError(t, err)
	svc, err := NewService(b, emb, gate, scr, Config{Dimension: dim, Retry: fastRetry}, nil)
	require.NoError(t, err)
	return svc
}

func TestStore_NearDuplicateSkipped(t *testing.T) {
	svc := newService(t, openEmbedded(t), embeddings.NewFakeProvider(dim), nil)
	ctx := context.Background()

	first, err := svc.Store(ctx, sc, StoreRequest{Content: "Use asyncpg for connection pooling", Type: "WORKING_SOLUTION"})
	require.NoError(t, err)
	require.Equal(t, StatusStored, first.Status)
	assert.True(t, first.VectorEligible)
	assert.NotEmpty(t, first.ID)

	second, err := svc.Store(ctx, sc, StoreRequest{Content: "use asyncpg for connection pooling.", Type: "WORKING_SOLUTION"})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, second.Status)
	assert.Equal(t, first.ID, second.ExistingID)
	assert.Empty(t, second.ID)
}

func TestStore_DistinctLearningsStored(t *testing.T) {
	svc := newService(t, openEmbedded(t), embeddings.NewFakeProvider(dim), nil)
	ctx := context.Background()

	a, err := svc.Store(ctx, sc, StoreRequest{Content: "postgres pool exhausted under load", Type: "ERROR_FIX"})
	require.NoError(t, err)
	b, err := svc.Store(ctx, sc, StoreRequest{Content: "prefer tabs in makefiles", Type: "USER_PREFERENCE"})
	require.NoError(t, err)
	assert.Equal(t, StatusStored, a.Status)
	assert.Equal(t, StatusStored, b.Status)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestStore_EmbeddingFailureStoresLexicalOnly(t *testing.T) {
	emb := embeddings.NewFakeProvider(dim)
	emb.SetFailing(true)
	b := openEmbedded(t)
	logger := logging.NewTestLogger()
	gate, err := dedup.New(b, dedup.Config{}, nil)
	require.NoError(t, err)
	svc, err := NewService(b, emb, gate, nil, Config{Dimension: dim}, logger.Logger)
	require.NoError(t, err)

	res, err := svc.Store(context.Background(), sc, StoreRequest{Content: "retry the flaky upload", Type: "WORKING_SOLUTION"})
	require.NoError(t, err)
	assert.Equal(t, StatusStored, res.Status)
	assert.False(t, res.VectorEligible)
	assert.True(t, res.Degraded)
	logger.AssertLogged(t, zapcore.WarnLevel, "embedding failed, storing lexical-only")

	stored, err := b.GetLearning(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Embedding)
}

func TestStore_DimensionMismatch(t *testing.T) {
	svc := newService(t, openEmbedded(t), embeddings.NewFakeProvider(dim/2), nil)

	res, err := svc.Store(context.Background(), sc, StoreRequest{Content: "half sized vectors", Type: "CODEBASE_PATTERN"})
	require.NoError(t, err)
	assert.Equal(t, StatusStored, res.Status)
	assert.False(t, res.VectorEligible)
	assert.False(t, res.Degraded)
}

func TestStore_LexicalBackend(t *testing.T) {
	b, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "learnd.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	svc := newService(t, b, embeddings.NewFakeProvider(dim), nil)
	ctx := context.Background()

	first, err := svc.Store(ctx, sc, StoreRequest{Content: "Cache the token per tenant", Type: "CODEBASE_PATTERN"})
	require.NoError(t, err)
	assert.Equal(t, StatusStored, first.Status)

	again, err := svc.Store(ctx, sc, StoreRequest{Content: "cache the token per tenant", Type: "CODEBASE_PATTERN"})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, again.Status)
	assert.Equal(t, first.ID, again.ExistingID)
}

func TestStore_Validation(t *testing.T) {
	svc := newService(t, openEmbedded(t), embeddings.NewFakeProvider(dim), nil)

	tests := []struct {
		name string
		sc   coord.SessionContext
		req  StoreRequest
	}{
		{name: "empty content", sc: sc, req: StoreRequest{Content: "  ", Type: "ERROR_FIX"}},
		{name: "unknown type", sc: sc, req: StoreRequest{Content: "x", Type: "GOSSIP"}},
		{name: "unknown confidence", sc: sc, req: StoreRequest{Content: "x", Type: "ERROR_FIX", Confidence: "certain"}},
		{name: "no session", sc: coord.SessionContext{Project: "proj"}, req: StoreRequest{Content: "x", Type: "ERROR_FIX"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(StoreTotal.WithLabelValues(string(StatusFailed)))
			res, err := svc.Store(context.Background(), tt.sc, tt.req)
			assert.ErrorIs(t, err, learning.ErrInvalidLearning)
			assert.Equal(t, StatusFailed, res.Status)
			assert.Equal(t, before+1, testutil.ToFloat64(StoreTotal.WithLabelValues(string(StatusFailed))))
		})
	}
}

func TestStore_ScrubsSecrets(t *testing.T) {
	b := openEmbedded(t)
	svc := newService(t, b, embeddings.NewFakeProvider(dim), scrub.New(true, nil))

	res, err := svc.Store(context.Background(), sc, StoreRequest{
		Content: "deploy works once password=hunter2hunter2 is exported",
		Type:    "WORKING_SOLUTION",
	})
	require.NoError(t, err)
	require.Equal(t, StatusStored, res.Status)
	assert.NotEmpty(t, res.Redacted)

	stored, err := b.GetLearning(context.Background(), res.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.Content, "hunter2hunter2")
}

func TestStore_BackendFailureReturned(t *testing.T) {
	faulty := storetest.NewFaulty(openEmbedded(t), "faulty")
	svc := newService(t, faulty, embeddings.NewFakeProvider(dim), nil)
	faulty.SetDown(true)

	res, err := svc.Store(context.Background(), sc, StoreRequest{Content: "never dropped silently", Type: "ERROR_FIX"})
	assert.ErrorIs(t, err, learning.ErrBackendUnreachable)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestStore_DegradedBackend(t *testing.T) {
	primary := storetest.NewFaulty(openEmbedded(t), "primary")
	fallback, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "fallback.db"), nil)
	require.NoError(t, err)
	primary.SetDown(true)

	fo, err := store.NewFailover(context.Background(), primary, fallback, store.FailoverConfig{HealthCheckInterval: time.Hour}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fo.Close() })
	svc := newService(t, fo, embeddings.NewFakeProvider(dim), nil)

	res, err := svc.Store(context.Background(), sc, StoreRequest{Content: "stored on the fallback", Type: "ERROR_FIX"})
	require.NoError(t, err)
	assert.Equal(t, StatusStored, res.Status)
	assert.True(t, res.Degraded)
}

func TestAnnotate(t *testing.T) {
	b := openEmbedded(t)
	svc := newService(t, b, nil, nil)
	ctx := context.Background()

	res, err := svc.Store(ctx, sc, StoreRequest{Content: "annotate me", Type: "OPEN_THREAD"})
	require.NoError(t, err)
	assert.False(t, res.VectorEligible)

	require.NoError(t, svc.Annotate(ctx, res.ID, map[string]string{"verified": "true"}))
	stored, err := b.GetLearning(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "true", stored.Metadata["verified"])

	assert.ErrorIs(t, svc.Annotate(ctx, "", map[string]string{"a": "b"}), learning.ErrInvalidLearning)
	assert.ErrorIs(t, svc.Annotate(ctx, res.ID, nil), learning.ErrInvalidLearning)
	assert.ErrorIs(t, svc.Annotate(ctx, "missing", map[string]string{"a": "b"}), learning.ErrNotFound)
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil, nil, nil, nil, Config{}, nil)
	assert.Error(t, err)
	_, err = NewService(openEmbedded(t), nil, nil, nil, Config{}, nil)
	assert.Error(t, err)
}
