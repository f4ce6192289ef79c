package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

// Opener returns a fresh, empty backend for one test.
type Opener func(t *testing.T) store.Backend

// NewLearning builds a valid learning for tests.
func NewLearning(t *testing.T, sessionID, project, content string) *learning.Learning {
	t.Helper()
	l, err := learning.NewLearning(sessionID, project, content, learning.TypeWorkingSolution, learning.ConfidenceMedium)
	require.NoError(t, err)
	return l
}

// Vector returns a unit vector of dim with a 1 at position hot.
func Vector(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1
	return v
}

// RunBackendSuite exercises the Backend contract against open.
func RunBackendSuite(t *testing.T, open Opener) {
	t.Run("LearningRoundTrip", func(t *testing.T) { testLearningRoundTrip(t, open(t)) })
	t.Run("AnnotateLearning", func(t *testing.T) { testAnnotate(t, open(t)) })
	t.Run("LexicalSearch", func(t *testing.T) { testLexicalSearch(t, open(t)) })
	t.Run("LexicalSearchFilters", func(t *testing.T) { testLexicalFilters(t, open(t)) })
	t.Run("VectorSearch", func(t *testing.T) { testVectorSearch(t, open(t)) })
	t.Run("FindByContent", func(t *testing.T) { testFindByContent(t, open(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, open(t)) })
	t.Run("Claims", func(t *testing.T) { testClaims(t, open(t)) })
	t.Run("Handoffs", func(t *testing.T) { testHandoffs(t, open(t)) })
}

func testLearningRoundTrip(t *testing.T, b store.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Ping(ctx))

	l := NewLearning(t, "s1", "proj", "Use pgxpool for connection pooling")
	l.SetTags([]string{"go", "db"})
	l.Context = "ingest worker"
	require.NoError(t, b.InsertLearning(ctx, l))

	got, err := b.GetLearning(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.ID, got.ID)
	assert.Equal(t, l.Content, got.Content)
	assert.Equal(t, l.Type, got.Type)
	assert.Equal(t, []string{"go", "db"}, got.Tags)
	assert.Equal(t, "ingest worker", got.Context)
	assert.WithinDuration(t, l.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = b.GetLearning(ctx, uuid.NewString())
	assert.ErrorIs(t, err, learning.ErrNotFound)
}

func testAnnotate(t *testing.T, b store.Backend) {
	ctx := context.Background()
	l := NewLearning(t, "s1", "proj", "Retry only transient failures")
	l.Metadata = map[string]string{"source": "manual"}
	require.NoError(t, b.InsertLearning(ctx, l))

	require.NoError(t, b.AnnotateLearning(ctx, l.ID, map[string]string{"verified": "true"}))

	got, err := b.GetLearning(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"source": "manual", "verified": "true"}, got.Metadata)
	assert.Equal(t, l.Content, got.Content)

	err = b.AnnotateLearning(ctx, uuid.NewString(), map[string]string{"a": "b"})
	assert.ErrorIs(t, err, learning.ErrNotFound)
}

func testLexicalSearch(t *testing.T, b store.Backend) {
	ctx := context.Background()
	best := NewLearning(t, "s1", "proj", "Postgres connection pooling with pgxpool")
	other := NewLearning(t, "s1", "proj", "Redis cache eviction policy")
	partial := NewLearning(t, "s1", "proj", "Connection timeouts in the grpc client")
	for _, l := range []*learning.Learning{best, other, partial} {
		require.NoError(t, b.InsertLearning(ctx, l))
	}

	hits, err := b.LexicalSearch(ctx, "connection pooling", store.Filter{Project: "proj"}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, best.ID, hits[0].Learning.ID)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
	for _, h := range hits {
		assert.NotEqual(t, other.ID, h.Learning.ID)
	}

	hits, err = b.LexicalSearch(ctx, "connection", store.Filter{Project: "proj"}, 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = b.LexicalSearch(ctx, "!!! ???", store.Filter{Project: "proj"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func testLexicalFilters(t *testing.T, b store.Backend) {
	ctx := context.Background()
	a := NewLearning(t, "s1", "proj", "deploy with blue green rollout")
	a.SetTags([]string{"deploy"})
	c := NewLearning(t, "s2", "proj", "deploy failed on canary rollout")
	c.Type = learning.TypeFailedApproach
	d := NewLearning(t, "s1", "elsewhere", "deploy rollout in another project")
	for _, l := range []*learning.Learning{a, c, d} {
		require.NoError(t, b.InsertLearning(ctx, l))
	}

	ids := func(hits []store.Hit) []string {
		out := make([]string, 0, len(hits))
		for _, h := range hits {
			out = append(out, h.Learning.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter store.Filter
		want   []string
	}{
		{name: "project", filter: store.Filter{Project: "proj"}, want: []string{a.ID, c.ID}},
		{name: "session", filter: store.Filter{Project: "proj", SessionID: "s2"}, want: []string{c.ID}},
		{name: "type", filter: store.Filter{Project: "proj", Types: []learning.Type{learning.TypeFailedApproach}}, want: []string{c.ID}},
		{name: "tag", filter: store.Filter{Project: "proj", Tags: []string{"deploy"}}, want: []string{a.ID}},
		{name: "since", filter: store.Filter{Project: "proj", Since: time.Now().Add(time.Hour)}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := b.LexicalSearch(ctx, "deploy rollout", tt.filter, 10)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, ids(hits))
		})
	}
}

func testVectorSearch(t *testing.T, b store.Backend) {
	ctx := context.Background()
	caps := b.Capabilities()

	if !caps.Vector {
		assert.Equal(t, store.KindLexical, b.Kind())
		_, err := b.VectorSearch(ctx, Vector(4, 0), store.Filter{Project: "proj"}, 5)
		assert.ErrorIs(t, err, learning.ErrVectorUnsupported)
		return
	}

	assert.Equal(t, store.KindVector, b.Kind())
	dim := caps.Dimension
	near := NewLearning(t, "s1", "proj", "near")
	near.Embedding = Vector(dim, 0)
	far := NewLearning(t, "s1", "proj", "far")
	far.Embedding = Vector(dim, 1)
	foreign := NewLearning(t, "s1", "other", "foreign")
	foreign.Embedding = Vector(dim, 0)
	noVec := NewLearning(t, "s1", "proj", "lexical only")
	for _, l := range []*learning.Learning{near, far, foreign, noVec} {
		require.NoError(t, b.InsertLearning(ctx, l))
	}

	hits, err := b.VectorSearch(ctx, Vector(dim, 0), store.Filter{Project: "proj"}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, near.ID, hits[0].Learning.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-4)
	assert.Equal(t, far.ID, hits[1].Learning.ID)
	assert.Less(t, hits[1].Score, hits[0].Score)

	hits, err = b.VectorSearch(ctx, Vector(dim, 0), store.Filter{Project: "proj", SessionID: "nobody"}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = b.VectorSearch(ctx, Vector(dim, 0), store.Filter{Project: "empty-project"}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func testFindByContent(t *testing.T, b store.Backend) {
	ctx := context.Background()
	first := NewLearning(t, "s1", "proj", "Use asyncpg for connection pooling.")
	first.CreatedAt = time.Now().Add(-time.Minute).UTC()
	second := NewLearning(t, "s2", "proj", "use   ASYNCPG for connection pooling")
	require.NoError(t, b.InsertLearning(ctx, first))
	require.NoError(t, b.InsertLearning(ctx, second))

	norm := learning.NormalizeContent("Use asyncpg for connection pooling")

	got, err := b.FindByContent(ctx, "proj", "", norm)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID)

	got, err = b.FindByContent(ctx, "proj", "s1", norm)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, first.ID, got[0].ID)

	got, err = b.FindByContent(ctx, "other", "", norm)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testSessions(t *testing.T, b store.Backend) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	s, err := b.UpsertSession(ctx, learning.Session{ID: "s1", Project: "proj", WorkingOn: "parser", StartedAt: now.Add(-time.Hour), LastHeartbeat: now.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "parser", s.WorkingOn)

	s, err = b.UpsertSession(ctx, learning.Session{ID: "s1", Project: "proj", WorkingOn: "lexer", StartedAt: now, LastHeartbeat: now})
	require.NoError(t, err)
	assert.Equal(t, "lexer", s.WorkingOn)
	assert.WithinDuration(t, now.Add(-time.Hour), s.StartedAt, time.Millisecond)
	assert.WithinDuration(t, now, s.LastHeartbeat, time.Millisecond)

	// Heartbeats never move backwards.
	require.NoError(t, b.TouchSession(ctx, "s1", now.Add(-time.Minute)))
	got, err := b.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.WithinDuration(t, now, got.LastHeartbeat, time.Millisecond)

	require.NoError(t, b.TouchSession(ctx, "s1", now.Add(time.Second)))
	got, err = b.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Second), got.LastHeartbeat, time.Millisecond)

	assert.ErrorIs(t, b.TouchSession(ctx, "ghost", now), learning.ErrNotFound)
	_, err = b.GetSession(ctx, "ghost")
	assert.ErrorIs(t, err, learning.ErrNotFound)

	_, err = b.UpsertSession(ctx, learning.Session{ID: "s2", Project: "proj", StartedAt: now.Add(-time.Minute), LastHeartbeat: now})
	require.NoError(t, err)
	_, err = b.UpsertSession(ctx, learning.Session{ID: "stale", Project: "proj", StartedAt: now.Add(-2 * time.Hour), LastHeartbeat: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = b.UpsertSession(ctx, learning.Session{ID: "s3", Project: "other", StartedAt: now, LastHeartbeat: now})
	require.NoError(t, err)

	list, err := b.ListSessions(ctx, "proj", now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s2", list[0].ID)
	assert.Equal(t, "s1", list[1].ID)

	all, err := b.ListSessions(ctx, "", now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testClaims(t *testing.T, b store.Backend) {
	ctx := context.Background()
	now := time.Now().UTC()

	prev, err := b.PutClaim(ctx, learning.FileClaim{FilePath: "a.go", Project: "proj", SessionID: "s1", ClaimedAt: now})
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = b.PutClaim(ctx, learning.FileClaim{FilePath: "a.go", Project: "proj", SessionID: "s2", ClaimedAt: now.Add(time.Second)})
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "s1", prev.SessionID)

	got, err := b.GetClaim(ctx, "a.go", "proj")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.SessionID)

	_, err = b.GetClaim(ctx, "a.go", "other")
	assert.ErrorIs(t, err, learning.ErrNotFound)

	_, err = b.PutClaim(ctx, learning.FileClaim{FilePath: "b.go", Project: "proj", SessionID: "s2", ClaimedAt: now})
	require.NoError(t, err)
	_, err = b.PutClaim(ctx, learning.FileClaim{FilePath: "c.go", Project: "proj", SessionID: "s1", ClaimedAt: now})
	require.NoError(t, err)

	n, err := b.ReleaseClaims(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = b.GetClaim(ctx, "b.go", "proj")
	assert.ErrorIs(t, err, learning.ErrNotFound)
	got, err = b.GetClaim(ctx, "c.go", "proj")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
}

func testHandoffs(t *testing.T, b store.Backend) {
	ctx := context.Background()
	h := &learning.Handoff{
		ID:        uuid.NewString(),
		SessionID: "s1",
		Project:   "proj",
		Content:   "Migrated the billing worker to pgxpool; retries still flaky",
		CreatedAt: time.Now().UTC(),
		Outcome:   learning.OutcomeUnknown,
	}
	require.NoError(t, b.InsertHandoff(ctx, h))

	dup := *h
	dup.Content = "overwrite attempt"
	assert.ErrorIs(t, b.InsertHandoff(ctx, &dup), learning.ErrHandoffExists)

	require.NoError(t, b.MarkHandoff(ctx, h.ID, learning.OutcomePartialPlus, "retries fixed later"))
	got, err := b.GetHandoff(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, h.Content, got.Content)
	assert.Equal(t, learning.OutcomePartialPlus, got.Outcome)
	assert.Equal(t, "retries fixed later", got.OutcomeNotes)

	assert.ErrorIs(t, b.MarkHandoff(ctx, uuid.NewString(), learning.OutcomeFailed, ""), learning.ErrNotFound)
	_, err = b.GetHandoff(ctx, uuid.NewString())
	assert.ErrorIs(t, err, learning.ErrNotFound)

	found, err := b.SearchHandoffs(ctx, "proj", "billing worker", 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, h.ID, found[0].ID)

	found, err = b.SearchHandoffs(ctx, "proj", "", 5)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = b.SearchHandoffs(ctx, "other", "billing", 5)
	require.NoError(t, err)
	assert.Empty(t, found)
}
