package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/learnd/internal/config"
)

func ids(docs []ScoredDocument) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestSimple_Rerank(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		docs    []Document
		topK    int
		wantIDs []string
	}{
		{
			name:    "empty documents",
			query:   "test query",
			docs:    []Document{},
			topK:    10,
			wantIDs: []string{},
		},
		{
			name:  "term overlap lifts lower scores",
			query: "authentication token retry",
			docs: []Document{
				{ID: "doc1", Content: "use retry with exponential backoff for authentication", Score: 0.8},
				{ID: "doc2", Content: "invalid request parameter", Score: 0.9},
				{ID: "doc3", Content: "token refresh and authentication handling", Score: 0.85},
			},
			topK:    10,
			wantIDs: []string{"doc3", "doc1", "doc2"},
		},
		{
			name:  "topK limits results",
			query: "error handling",
			docs: []Document{
				{ID: "doc1", Content: "error handling patterns", Score: 0.9},
				{ID: "doc2", Content: "error recovery strategies", Score: 0.85},
				{ID: "doc3", Content: "error logging and monitoring", Score: 0.8},
			},
			topK:    2,
			wantIDs: []string{"doc1", "doc2"},
		},
		{
			name:  "stopword-only query keeps original order",
			query: "the and for",
			docs: []Document{
				{ID: "a", Content: "alpha", Score: 0.03},
				{ID: "b", Content: "beta", Score: 0.01},
			},
			wantIDs: []string{"a", "b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewSimple().Rerank(context.Background(), tt.query, tt.docs, tt.topK)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIDs, ids(got))
		})
	}
}

func TestSimple_ScalesFusedScores(t *testing.T) {
	// RRF scores are tiny; overlap must still matter.
	docs := []Document{
		{ID: "a", Content: "unrelated text", Score: 0.0328},
		{ID: "b", Content: "connection pooling with asyncpg", Score: 0.0320},
	}
	got, err := NewSimple().Rerank(context.Background(), "asyncpg pooling", docs, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(got))
	assert.Equal(t, 1, got[0].OriginalRank)
}

func TestSimple_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSimple().Rerank(ctx, "q", []Document{{ID: "a"}}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"retry", "backoff", "http_client"}, tokenize("The retry, WITH backoff: http_client to a db"))
}

func newTEIServer(t *testing.T, handler func(req teiRerankRequest) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		var req teiRerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status, body := handler(req)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTEI_Rerank(t *testing.T) {
	srv := newTEIServer(t, func(req teiRerankRequest) (int, any) {
		assert.Equal(t, "pooling", req.Query)
		assert.Equal(t, []string{"a text", "b text", "c text"}, req.Texts)
		return http.StatusOK, []teiRerankResult{{Index: 2, Score: 0.9}, {Index: 0, Score: 0.5}, {Index: 1, Score: 0.1}}
	})
	r, err := NewTEI(TEIConfig{BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	docs := []Document{{ID: "a", Content: "a text"}, {ID: "b", Content: "b text"}, {ID: "c", Content: "c text"}}
	got, err := r.Rerank(context.Background(), "pooling", docs, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(got))
	assert.Equal(t, 2, got[0].OriginalRank)
	assert.InDelta(t, 0.9, got[0].RerankerScore, 1e-9)
}

func TestTEI_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
	}{
		{name: "server error", status: http.StatusServiceUnavailable, body: map[string]string{"error": "loading"}},
		{name: "out of range index", status: http.StatusOK, body: []teiRerankResult{{Index: 5, Score: 1}}},
		{name: "missing scores", status: http.StatusOK, body: []teiRerankResult{{Index: 0, Score: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTEIServer(t, func(teiRerankRequest) (int, any) { return tt.status, tt.body })
			r, err := NewTEI(TEIConfig{BaseURL: srv.URL})
			require.NoError(t, err)
			_, err = r.Rerank(context.Background(), "q", []Document{{ID: "a", Content: "a"}, {ID: "b", Content: "b"}}, 0)
			assert.ErrorIs(t, err, ErrRerankFailed)
		})
	}
}

func TestNew(t *testing.T) {
	r, err := New(config.RerankConfig{Provider: "simple"})
	require.NoError(t, err)
	assert.Equal(t, "simple", r.Name())

	r, err = New(config.RerankConfig{Provider: "none"})
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = New(config.RerankConfig{Provider: "tei"})
	assert.Error(t, err)
	_, err = New(config.RerankConfig{Provider: "cohere"})
	assert.Error(t, err)
}
