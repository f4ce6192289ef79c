package recall

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

// memShared is an in-process Shared tier.
type memShared struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func newMemShared() *memShared { return &memShared{data: map[string][]byte{}} }

func (m *memShared) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("unreachable")
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (m *memShared) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("unreachable")
	}
	m.data[key] = value
	return nil
}

func (m *memShared) Close() error { return nil }

func newCache(t *testing.T, shared Shared) *Cache {
	t.Helper()
	c, err := NewCache(CacheConfig{TTL: time.Minute, Shared: shared}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRecall_CacheHitMatchesFreshResult(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, WithCache(newCache(t, nil)))
	q := Query{Text: "redis client", Filter: store.Filter{Project: "proj"}}

	hits := testutil.ToFloat64(CacheRequests.WithLabelValues("hit"))
	fresh, err := e.Recall(context.Background(), q)
	require.NoError(t, err)
	require.False(t, fresh.Cached)

	again, err := e.Recall(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, fresh.Results, again.Results)
	assert.Equal(t, fresh.Backend, again.Backend)
	assert.Equal(t, hits+1, testutil.ToFloat64(CacheRequests.WithLabelValues("hit")))
}

func TestRecall_DegradedNotCached(t *testing.T) {
	f := newFixture(t)
	f.emb.SetFailing(true)
	e := f.engine(t, WithCache(newCache(t, nil)))
	q := Query{Text: "redis client"}

	for range 2 {
		resp, err := e.Recall(context.Background(), q)
		require.NoError(t, err)
		assert.True(t, resp.Degraded)
		assert.False(t, resp.Cached)
	}
}

func TestCache_SharedTierServesPeers(t *testing.T) {
	shared := newMemShared()
	a := newCache(t, shared)
	b := newCache(t, shared)
	ctx := context.Background()

	resp := Response{
		Results: []Result{{Learning: learning.Learning{ID: "x", Content: "shared", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, Score: 0.3, LexicalRank: 1}},
		Backend: "postgres",
	}
	a.Set(ctx, "k", resp)

	got, ok := b.Get(ctx, "k")
	require.True(t, ok)
	assert.True(t, got.Cached)
	assert.Equal(t, resp.Results, got.Results)

	_, ok = b.Get(ctx, "other")
	assert.False(t, ok)
}

func TestCache_SharedFailureIsMiss(t *testing.T) {
	shared := newMemShared()
	shared.fail = true
	c := newCache(t, shared)

	c.Set(context.Background(), "k", Response{Backend: "sqlite"})
	got, ok := c.Get(context.Background(), "k")
	require.True(t, ok, "local tier still serves")
	assert.Equal(t, "sqlite", got.Backend)

	_, ok = newCache(t, shared).Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := newCache(t, nil)
	c.Set(context.Background(), "k", Response{Results: []Result{{Score: 1}}})

	first, ok := c.Get(context.Background(), "k")
	require.True(t, ok)
	first.Results[0].Score = 42

	second, ok := c.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, 1.0, second.Results[0].Score)
}

func TestNewCache_ZeroTTLDisables(t *testing.T) {
	c, err := NewCache(CacheConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestKey(t *testing.T) {
	base := Query{Text: "Redis  Client", Mode: ModeHybrid, Limit: 10, Filter: store.Filter{Project: "p", Tags: []string{"a", "b"}}}

	same := base
	same.Text = "redis client"
	same.Filter.Tags = []string{"b", "a"}
	assert.Equal(t, Key(base, "postgres"), Key(same, "postgres"))

	tests := []struct {
		name    string
		mutate  func(q *Query)
		backend string
	}{
		{name: "backend", mutate: func(*Query) {}, backend: "sqlite"},
		{name: "mode", mutate: func(q *Query) { q.Mode = ModeTextOnly }, backend: "postgres"},
		{name: "limit", mutate: func(q *Query) { q.Limit = 5 }, backend: "postgres"},
		{name: "rerank", mutate: func(q *Query) { q.Rerank = true }, backend: "postgres"},
		{name: "recency", mutate: func(q *Query) { q.RecencyWeight = 0.2 }, backend: "postgres"},
		{name: "project", mutate: func(q *Query) { q.Filter.Project = "q" }, backend: "postgres"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := base
			q.Filter.Tags = []string{"a", "b"}
			tt.mutate(&q)
			assert.NotEqual(t, Key(base, "postgres"), Key(q, tt.backend))
		})
	}
}
