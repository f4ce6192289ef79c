package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Database.Backend = BackendSQLite
	return cfg
}

func TestDefault_IsValidWithURL(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = "postgres://localhost/learnd"
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Database.Backend = "mongo" }, "database.backend"},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }, "embedding.dimension"},
		{"threshold above one", func(c *Config) { c.Dedup.Threshold = 1.5 }, "dedup.threshold"},
		{"threshold zero", func(c *Config) { c.Dedup.Threshold = 0 }, "dedup.threshold"},
		{"bad scope", func(c *Config) { c.Dedup.Scope = "global" }, "dedup.scope"},
		{"zero rrf k", func(c *Config) { c.Recall.RRFK = 0 }, "recall.rrf_k"},
		{"zero window", func(c *Config) { c.Coord.ActivityWindow = 0 }, "coord.activity_window"},
		{"tei reranker without url", func(c *Config) { c.Rerank.Provider = "tei" }, "rerank.base_url"},
		{"no workers", func(c *Config) { c.Extraction.Workers = 0 }, "extraction.workers"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_Redacts(t *testing.T) {
	tests := []struct {
		name   string
		secret Secret
		want   string
	}{
		{name: "database url keeps host", secret: "postgres://learnd:hunter2@db:5432/learnd", want: "postgres://learnd:xxxxx@db:5432/learnd"},
		{name: "url without password", secret: "postgres://learnd@db/learnd", want: "[REDACTED]"},
		{name: "url with query", secret: "postgres://u:p@db/learnd?sslmode=require", want: "[REDACTED]"},
		{name: "api key", secret: "tei-key-123", want: "[REDACTED]"},
		{name: "empty", secret: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.secret.String())
			assert.Equal(t, tt.want, fmt.Sprintf("%v", tt.secret))
			assert.NotContains(t, fmt.Sprintf("%#v", tt.secret), "hunter2")

			b, err := json.Marshal(struct{ URL Secret }{tt.secret})
			require.NoError(t, err)
			assert.Equal(t, `{"URL":"`+tt.want+`"}`, string(b))
		})
	}
}

func TestSecret_UnmarshalTrims(t *testing.T) {
	var s Secret
	require.NoError(t, s.UnmarshalText([]byte("  tei-key-123\n")))
	assert.Equal(t, "tei-key-123", s.Value())
	assert.True(t, s.IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "1m30s", want: 90 * time.Second},
		{in: "14d", want: 14 * 24 * time.Hour},
		{in: "3", want: 3 * time.Second},
		{in: " 2m ", want: 2 * time.Minute},
		{in: "0", want: 0},
		{in: "-1s", wantErr: true},
		{in: "-3", wantErr: true},
		{in: "1.5d", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration())
		})
	}
}

func TestDuration_String(t *testing.T) {
	assert.Equal(t, "14d", Duration(14*24*time.Hour).String())
	assert.Equal(t, "36h0m0s", Duration(36*time.Hour).String())
	assert.Equal(t, "3s", Duration(3*time.Second).String())

	b, err := json.Marshal(struct{ HalfLife Duration }{Duration(7 * 24 * time.Hour)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"HalfLife":"7d"}`, string(b))
}
