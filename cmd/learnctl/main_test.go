package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method  string
	path    string
	query   string
	session string
	project string
	body    map[string]any
}

// fakeServer answers every request with status and resp and records what it
// received.
func fakeServer(t *testing.T, status int, resp string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.session = r.Header.Get("X-Session-ID")
		rec.project = r.Header.Get("X-Project")
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			assert.NoError(t, json.Unmarshal(raw, &rec.body))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func run(t *testing.T, srv *httptest.Server, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--server", srv.URL, "--session", "s1", "--project", "proj"}, args...))
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		stdin    string
		status   int
		resp     string
		method   string
		path     string
		query    string
		wantBody map[string]any
		wantOut  string
	}{
		{
			name:     "store",
			args:     []string{"store", "--type", "error_fix", "--tag", "db", "use pool"},
			status:   http.StatusCreated,
			resp:     `{"id":"l1","status":"stored","vector_eligible":true}`,
			method:   http.MethodPost,
			path:     "/api/v1/learnings",
			wantBody: map[string]any{"content": "use pool", "type": "error_fix", "tags": []any{"db"}},
			wantOut:  "stored l1",
		},
		{
			name:     "store from stdin lexical only",
			args:     []string{"store", "-"},
			stdin:    "  piped content\n",
			status:   http.StatusCreated,
			resp:     `{"id":"l2","status":"stored","vector_eligible":false}`,
			method:   http.MethodPost,
			path:     "/api/v1/learnings",
			wantBody: map[string]any{"content": "piped content", "type": "working_solution"},
			wantOut:  "stored l2 (lexical only)",
		},
		{
			name:    "store duplicate",
			args:    []string{"store", "again"},
			status:  http.StatusOK,
			resp:    `{"status":"skipped","existing_id":"l1"}`,
			method:  http.MethodPost,
			path:    "/api/v1/learnings",
			wantOut: "skipped: duplicate of l1",
		},
		{
			name:   "recall",
			args:   []string{"recall", "--limit", "3", "pool", "sizing"},
			status: http.StatusOK,
			resp: `{"results":[{"score":0.5,"learning":{"id":"l1","type":"ERROR_FIX","content":"use pool"}}],
				"degraded":true,"degraded_reasons":["vector search unavailable"]}`,
			method:   http.MethodPost,
			path:     "/api/v1/recall",
			wantBody: map[string]any{"query": "pool sizing", "limit": float64(3)},
			wantOut:  "[0.500] (ERROR_FIX) use pool\n(degraded: vector search unavailable)",
		},
		{
			name:    "recall empty",
			args:    []string{"recall", "nothing"},
			status:  http.StatusOK,
			resp:    `{"results":[],"degraded":false}`,
			method:  http.MethodPost,
			path:    "/api/v1/recall",
			wantOut: "no learnings found",
		},
		{
			name:     "session register",
			args:     []string{"session", "register", "--working-on", "auth"},
			status:   http.StatusOK,
			resp:     `{"ok":true}`,
			method:   http.MethodPost,
			path:     "/api/v1/sessions",
			wantBody: map[string]any{"working_on": "auth"},
			wantOut:  "registered",
		},
		{
			name:    "session heartbeat warning",
			args:    []string{"session", "heartbeat"},
			status:  http.StatusOK,
			resp:    `{"ok":false,"warnings":["heartbeat: backend unreachable"]}`,
			method:  http.MethodPost,
			path:    "/api/v1/sessions/heartbeat",
			wantOut: "warning: heartbeat: backend unreachable",
		},
		{
			name:    "session peers",
			args:    []string{"session", "peers", "--include-self"},
			status:  http.StatusOK,
			resp:    `{"ok":true,"sessions":[{"id":"s2","working_on":"billing"},{"id":"s3"}]}`,
			method:  http.MethodGet,
			path:    "/api/v1/sessions",
			query:   "exclude_self=false",
			wantOut: "s2: billing\ns3",
		},
		{
			name:     "claim check",
			args:     []string{"claim", "check", "main.go"},
			status:   http.StatusOK,
			resp:     `{"ok":true,"check":{"claimed":true,"claimed_by":"s2","stale":true}}`,
			method:   http.MethodPost,
			path:     "/api/v1/claims/check",
			wantBody: map[string]any{"file_path": "main.go"},
			wantOut:  "claimed by s2 (stale)",
		},
		{
			name:    "claim take over",
			args:    []string{"claim", "take", "main.go"},
			status:  http.StatusOK,
			resp:    `{"ok":true,"claim":{"conflict":true,"previous":{"session_id":"s2"}}}`,
			method:  http.MethodPost,
			path:    "/api/v1/claims",
			wantOut: "claimed, took over from s2",
		},
		{
			name:    "claim release",
			args:    []string{"claim", "release"},
			status:  http.StatusOK,
			resp:    `{"ok":true,"released":2}`,
			method:  http.MethodDelete,
			path:    "/api/v1/claims",
			wantOut: "released 2 claim(s)",
		},
		{
			name:     "handoff create",
			args:     []string{"handoff", "create", "next: wire the cache"},
			status:   http.StatusCreated,
			resp:     `{"id":"h1"}`,
			method:   http.MethodPost,
			path:     "/api/v1/handoffs",
			wantBody: map[string]any{"content": "next: wire the cache"},
			wantOut:  "handoff h1",
		},
		{
			name:     "handoff mark",
			args:     []string{"handoff", "mark", "h1", "succeeded", "--notes", "done"},
			status:   http.StatusNoContent,
			method:   http.MethodPost,
			path:     "/api/v1/handoffs/h1/outcome",
			wantBody: map[string]any{"outcome": "succeeded", "notes": "done"},
			wantOut:  "marked SUCCEEDED",
		},
		{
			name:    "health",
			args:    []string{"health"},
			status:  http.StatusOK,
			resp:    `{"status":"degraded","backend":"sqlite","degraded":true}`,
			method:  http.MethodGet,
			path:    "/health",
			wantOut: "Server Status: degraded\nBackend: sqlite",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := fakeServer(t, tt.status, tt.resp)
			out, err := run(t, srv, tt.stdin, tt.args...)
			require.NoError(t, err)

			assert.Equal(t, tt.method, rec.method)
			assert.Equal(t, tt.path, rec.path)
			assert.Equal(t, tt.query, rec.query)
			assert.Equal(t, "s1", rec.session)
			assert.Equal(t, "proj", rec.project)
			for k, v := range tt.wantBody {
				assert.Equal(t, v, rec.body[k], k)
			}
			assert.True(t, strings.HasPrefix(out, tt.wantOut), "output %q", out)
		})
	}
}

func TestCommands_JSONOutput(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusCreated, `{"id":"l1","status":"stored","vector_eligible":true}`)
	out, err := run(t, srv, "", "--json", "store", "content")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "l1", got["id"])
	assert.Equal(t, "stored", got["status"])
}

func TestCommands_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		resp    string
		wantMsg string
	}{
		{name: "json error", status: http.StatusBadRequest, resp: `{"error":"content is required"}`, wantMsg: "content is required"},
		{name: "plain error", status: http.StatusServiceUnavailable, resp: "backend down", wantMsg: "backend down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := fakeServer(t, tt.status, tt.resp)
			_, err := run(t, srv, "", "store", "x")
			require.Error(t, err)

			var apiErr *apiError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}

func TestCommands_ArgValidation(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusOK, `{}`)
	for _, args := range [][]string{
		{"store"},
		{"recall"},
		{"claim", "check"},
		{"handoff", "mark", "h1"},
	} {
		_, err := run(t, srv, "", args...)
		assert.Error(t, err, strings.Join(args, " "))
	}
}

func TestClient_Unreachable(t *testing.T) {
	c := newClient("http://127.0.0.1:1", "", "", 0)
	err := c.do(t.Context(), http.MethodGet, "/health", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send request")
}
