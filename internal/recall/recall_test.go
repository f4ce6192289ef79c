package recall

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/learnd/internal/embeddings"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/rerank"
	"github.com/fyrsmithlabs/learnd/internal/store"
	"github.com/fyrsmithlabs/learnd/internal/store/embedded"
	"github.com/fyrsmithlabs/learnd/internal/store/sqlite"
	"github.com/fyrsmithlabs/learnd/internal/store/storetest"
)

const dim = 16

var corpus = []string{
	"configure connection pooling with asyncpg",
	"retry flaky uploads with exponential backoff",
	"pin the redis client version in go.mod",
	"use table driven tests for parsers",
}

type fixture struct {
	backend store.Backend
	emb     *embeddings.FakeProvider
	ids     map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := embedded.Open(context.Background(), embedded.Config{
		SQLitePath: filepath.Join(t.TempDir(), "learnd.db"),
		Dimension:  dim,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	f := &fixture{backend: b, emb: embeddings.NewFakeProvider(dim), ids: map[string]string{}}
	for i, content := range corpus {
		l := storetest.NewLearning(t, "s1", "proj", content)
		l.CreatedAt = l.CreatedAt.Add(time.Duration(i) * time.Minute)
		vec, err := f.emb.EmbedQuery(context.Background(), content)
		require.NoError(t, err)
		l.Embedding = vec
		require.NoError(t, b.InsertLearning(context.Background(), l))
		f.ids[content] = l.ID
	}
	return f
}

func (f *fixture) engine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(f.backend, f.emb, Config{}, opts...)
	require.NoError(t, err)
	return e
}

func ids(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Learning.ID
	}
	return out
}

func assertOrdered(t *testing.T, rs []Result) {
	t.Helper()
	for i := 1; i < len(rs); i++ {
		assert.GreaterOrEqual(t, rs[i-1].Score, rs[i].Score, "scores must not increase at %d", i)
	}
}

func TestRecall_TextOnlyRanksExactContentFirst(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	content := corpus[0]

	resp, err := e.Recall(context.Background(), Query{Text: content, Mode: ModeTextOnly, Filter: store.Filter{Project: "proj"}})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, f.ids[content], resp.Results[0].Learning.ID)
	assert.False(t, resp.Degraded)
	assert.Equal(t, "embedded", resp.Backend)
	for _, r := range resp.Results {
		assert.Zero(t, r.VectorRank)
	}
}

func TestRecall_HybridResultsComeFromCandidateLists(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	resp, err := e.Recall(context.Background(), Query{Text: "redis client backoff", Filter: store.Filter{Project: "proj"}})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.False(t, resp.Degraded)
	for _, r := range resp.Results {
		assert.True(t, r.LexicalRank > 0 || r.VectorRank > 0, "result %s is in neither list", r.Learning.ID)
	}
	assertOrdered(t, resp.Results)
}

func TestRecall_FailingEmbedder(t *testing.T) {
	f := newFixture(t)
	f.emb.SetFailing(true)
	e := f.engine(t)
	ctx := context.Background()
	filter := store.Filter{Project: "proj"}

	resp, err := e.Recall(ctx, Query{Text: corpus[1], Mode: ModeVectorOnly, Filter: filter})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.DegradedReasons, ReasonEmbedding)

	hybrid, err := e.Recall(ctx, Query{Text: corpus[1], Filter: filter})
	require.NoError(t, err)
	assert.True(t, hybrid.Degraded)
	assert.Contains(t, hybrid.DegradedReasons, ReasonEmbedding)

	text, err := e.Recall(ctx, Query{Text: corpus[1], Mode: ModeTextOnly, Filter: filter})
	require.NoError(t, err)
	assert.Equal(t, ids(text.Results), ids(hybrid.Results))
}

func TestRecall_LexicalBackend(t *testing.T) {
	b, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "learnd.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	l := storetest.NewLearning(t, "s1", "proj", "lexical only deployments still recall")
	require.NoError(t, b.InsertLearning(context.Background(), l))

	emb := embeddings.NewFakeProvider(dim)
	e, err := NewEngine(b, emb, Config{})
	require.NoError(t, err)

	resp, err := e.Recall(context.Background(), Query{Text: "lexical recall"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, l.ID, resp.Results[0].Learning.ID)
	assert.True(t, resp.Degraded)
	assert.Equal(t, []string{ReasonVectorUnsupported}, resp.DegradedReasons)
	assert.Zero(t, emb.Calls())
}

type slowBackend struct {
	store.Backend
}

func (slowBackend) LexicalSearch(ctx context.Context, _ string, _ store.Filter, _ int) ([]store.Hit, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRecall_TimeoutDegrades(t *testing.T) {
	f := newFixture(t)
	e, err := NewEngine(slowBackend{f.backend}, f.emb, Config{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	resp, err := e.Recall(context.Background(), Query{Text: "anything", Mode: ModeTextOnly})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.True(t, resp.Degraded)
	assert.Equal(t, []string{ReasonTimeout}, resp.DegradedReasons)
}

// stuckBackend ignores cancellation until released.
type stuckBackend struct {
	store.Backend
	release chan struct{}
}

func (b stuckBackend) LexicalSearch(context.Context, string, store.Filter, int) ([]store.Hit, error) {
	<-b.release
	return nil, nil
}

func TestRecall_TimeoutDropsStuckList(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)
	e, err := NewEngine(stuckBackend{Backend: f.backend, release: release}, f.emb, Config{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	resp, err := e.Recall(context.Background(), Query{Text: "asyncpg pooling"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.DegradedReasons, ReasonTimeout)
}

func TestRecall_ReportsBackendFallback(t *testing.T) {
	ctx := context.Background()
	open := func(name string) *storetest.Faulty {
		s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), name+".db"), nil)
		require.NoError(t, err)
		b := storetest.NewFaulty(s, name)
		require.NoError(t, b.InsertLearning(ctx, storetest.NewLearning(t, "s1", "proj", "configure asyncpg pooling")))
		return b
	}
	primary, fallback := open("primary"), open("fallback")
	fo, err := store.NewFailover(ctx, primary, fallback, store.FailoverConfig{HealthCheckInterval: time.Hour}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fo.Close() })

	e, err := NewEngine(fo, nil, Config{}, WithCache(newCache(t, nil)))
	require.NoError(t, err)
	q := Query{Text: "asyncpg", Mode: ModeTextOnly}

	healthy, err := e.Recall(ctx, q)
	require.NoError(t, err)
	assert.False(t, healthy.Degraded)
	assert.Equal(t, "primary", healthy.Backend)

	primary.SetDown(true)
	for i := range 2 {
		resp, err := e.Recall(ctx, q)
		require.NoError(t, err)
		assert.Len(t, resp.Results, 1, "call %d", i)
		assert.Equal(t, "fallback", resp.Backend, "call %d", i)
		assert.True(t, resp.Degraded, "call %d", i)
		assert.Equal(t, []string{ReasonBackendFallback}, resp.DegradedReasons, "call %d", i)
		assert.False(t, resp.Cached, "call %d", i)
	}
}

func TestRecall_Validation(t *testing.T) {
	e := newFixture(t).engine(t)

	tests := []struct {
		name string
		q    Query
	}{
		{name: "empty text", q: Query{Text: "   "}},
		{name: "unknown mode", q: Query{Text: "x", Mode: "fuzzy"}},
		{name: "negative limit", q: Query{Text: "x", Limit: -1}},
		{name: "negative recency", q: Query{Text: "x", RecencyWeight: -0.5}},
		{name: "negative half life", q: Query{Text: "x", HalfLife: -time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Recall(context.Background(), tt.q)
			assert.ErrorIs(t, err, learning.ErrInvalidQuery)
		})
	}
}

func TestNormalize_Defaults(t *testing.T) {
	e := newFixture(t).engine(t)

	q, err := e.normalize(Query{Text: " pooling ", Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, "pooling", q.Text)
	assert.Equal(t, ModeHybrid, q.Mode)
	assert.Equal(t, MaxLimit, q.Limit)
	assert.Equal(t, 14*24*time.Hour, q.HalfLife)

	q, err = e.normalize(Query{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, 10, q.Limit)
}

func hit(id string, created time.Time) store.Hit {
	return store.Hit{Learning: learning.Learning{ID: id, CreatedAt: created}}
}

func TestFuse_ReciprocalRank(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e, err := NewEngine(newFixture(t).backend, nil, Config{}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	lexical := []store.Hit{hit("a", now), hit("b", now)}
	vector := []store.Hit{hit("b", now), hit("c", now)}
	out := e.fuse(context.Background(), Query{}, lexical, vector)

	require.Equal(t, []string{"b", "a", "c"}, ids(out))
	assert.InDelta(t, 1.0/62+1.0/61, out[0].Score, 1e-12)
	assert.Equal(t, 2, out[0].LexicalRank)
	assert.Equal(t, 1, out[0].VectorRank)
	assert.InDelta(t, 1.0/61, out[1].Score, 1e-12)
	assert.Zero(t, out[1].VectorRank)
	assert.InDelta(t, 1.0/62, out[2].Score, 1e-12)
	assert.Zero(t, out[2].LexicalRank)
}

func TestFuse_RecencyBoostsNewer(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e, err := NewEngine(newFixture(t).backend, nil, Config{}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	old := hit("old", now.Add(-60*24*time.Hour))
	fresh := hit("fresh", now.Add(-time.Hour))
	out := e.fuse(context.Background(), Query{RecencyWeight: 1, HalfLife: 24 * time.Hour}, []store.Hit{old, fresh}, nil)

	assert.Equal(t, []string{"fresh", "old"}, ids(out))
}

func TestRecencyBoost(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name    string
		created time.Time
		w       float64
		want    float64
	}{
		{name: "brand new", created: now, w: 0.5, want: 1.5},
		{name: "one half life", created: now.Add(-day), w: 1, want: 1 + math.Exp(-1)},
		{name: "future clamps to zero age", created: now.Add(time.Hour), w: 2, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, recencyBoost(now, tt.created, tt.w, day), 1e-12)
		})
	}
}

func TestSortResults_TieBreaks(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rs := []Result{
		{Learning: learning.Learning{ID: "b", CreatedAt: now}, Score: 1},
		{Learning: learning.Learning{ID: "old", CreatedAt: now.Add(-time.Hour)}, Score: 1},
		{Learning: learning.Learning{ID: "a", CreatedAt: now}, Score: 1},
		{Learning: learning.Learning{ID: "top", CreatedAt: now.Add(-time.Hour)}, Score: 2},
	}
	sortResults(rs)
	assert.Equal(t, []string{"top", "a", "b", "old"}, ids(rs))
}

// reverser ranks documents in reverse input order.
type reverser struct {
	err   error
	short bool
}

func (r reverser) Rerank(_ context.Context, _ string, docs []rerank.Document, _ int) ([]rerank.ScoredDocument, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]rerank.ScoredDocument, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		out = append(out, rerank.ScoredDocument{Document: docs[i], RerankerScore: float64(i), OriginalRank: i})
	}
	if r.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (reverser) Name() string { return "reverser" }
func (reverser) Close() error { return nil }

func results(scores ...float64) []Result {
	names := []string{"a", "b", "c", "d", "e"}
	out := make([]Result, len(scores))
	for i, s := range scores {
		out[i] = Result{Learning: learning.Learning{ID: names[i]}, Score: s}
	}
	return out
}

func TestRerank_Window(t *testing.T) {
	backend := newFixture(t).backend

	t.Run("reorders only the window", func(t *testing.T) {
		e, err := NewEngine(backend, nil, Config{RerankTopN: 3}, WithReranker(reverser{}))
		require.NoError(t, err)
		rs := results(0.5, 0.4, 0.3, 0.2)

		require.NoError(t, e.rerank(context.Background(), "q", rs))
		assert.Equal(t, []string{"c", "b", "a", "d"}, ids(rs))
		assert.Equal(t, []float64{0.5, 0.4, 0.3, 0.2}, []float64{rs[0].Score, rs[1].Score, rs[2].Score, rs[3].Score})
	})

	t.Run("equal scores keep newer first", func(t *testing.T) {
		e, err := NewEngine(backend, nil, Config{RerankTopN: 3}, WithReranker(reverser{}))
		require.NoError(t, err)
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		rs := []Result{
			{Learning: learning.Learning{ID: "a", CreatedAt: now.Add(-time.Hour)}, Score: 0.5},
			{Learning: learning.Learning{ID: "b", CreatedAt: now}, Score: 0.5},
			{Learning: learning.Learning{ID: "c", CreatedAt: now.Add(-2 * time.Hour)}, Score: 0.4},
		}

		require.NoError(t, e.rerank(context.Background(), "q", rs))
		assert.Equal(t, []string{"b", "c", "a"}, ids(rs))
		assertOrdered(t, rs)
	})

	tests := []struct {
		name     string
		reranker reverser
	}{
		{name: "reranker error", reranker: reverser{err: errors.New("boom")}},
		{name: "dropped document", reranker: reverser{short: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEngine(backend, nil, Config{RerankTopN: 3}, WithReranker(tt.reranker))
			require.NoError(t, err)
			rs := results(0.5, 0.4, 0.3)

			assert.Error(t, e.rerank(context.Background(), "q", rs))
			assert.Equal(t, []string{"a", "b", "c"}, ids(rs))
		})
	}
}

func TestRecall_RerankFailureKeepsFusedOrder(t *testing.T) {
	f := newFixture(t)
	plain := f.engine(t)
	failing := f.engine(t, WithReranker(reverser{err: errors.New("down")}))
	q := Query{Text: "tests redis backoff pooling", Mode: ModeTextOnly, Rerank: true}

	want, err := plain.Recall(context.Background(), q)
	require.NoError(t, err)
	got, err := failing.Recall(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, ids(want.Results), ids(got.Results))
	assert.True(t, got.Degraded)
	assert.Equal(t, []string{ReasonRerank}, got.DegradedReasons)
}

func TestRecall_RerankWithSimple(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, WithReranker(rerank.NewSimple()))

	resp, err := e.Recall(context.Background(), Query{Text: "redis client version", Rerank: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.False(t, resp.Degraded)
	assertOrdered(t, resp.Results)
	assert.Equal(t, f.ids[corpus[2]], resp.Results[0].Learning.ID)
}
