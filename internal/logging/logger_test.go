package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/learnd/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{"json info", config.LoggingConfig{Level: "info", Format: "json"}, false},
		{"console debug", config.LoggingConfig{Level: "debug", Format: "console"}, false},
		{"otel tee", config.LoggingConfig{Level: "warn", Format: "json", OTEL: true}, false},
		{"bad level", config.LoggingConfig{Level: "loud", Format: "json"}, true},
		{"bad format", config.LoggingConfig{Level: "info", Format: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestContextFields(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	ctx := WithSession(context.Background(), "s1", "/src/app")
	fields := ContextFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "session.id", fields[0].Key)
	assert.Equal(t, "project", fields[1].Key)

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(ctx, "op")
	defer span.End()
	fields = ContextFields(ctx)
	assert.Len(t, fields, 4)
	assert.Equal(t, "trace_id", fields[0].Key)
}

func TestFor(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithSession(context.Background(), "s1", "p")

	For(ctx, tl.Logger).Info("stored", zap.String("id", "l1"))
	tl.Info("stored", zap.String("id", "l2"))

	tl.AssertLogged(t, zapcore.InfoLevel, "stored")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "stored")
	require.Len(t, tl.Entries("stored"), 2)
	entries := tl.ForSession("s1")
	require.Len(t, entries, 1)
	assert.Equal(t, "l1", entries[0].ContextMap()["id"])
	tl.AssertFields(t, "stored", map[string]any{"session.id": "s1", "project": "p", "id": "l1"})
}

func TestTestLogger_Failures(t *testing.T) {
	secret := config.Secret("postgres://learnd:hunter2@db/learnd")
	tl := NewTestLogger()
	tl.Warn("recall degraded", zap.String("backend", "sqlite"), zap.Stringer("database", secret))

	tests := []struct {
		name   string
		check  func(tb testing.TB)
		failed bool
	}{
		{name: "logged", check: func(tb testing.TB) { tl.AssertLogged(tb, zapcore.WarnLevel, "degraded") }},
		{name: "wrong level", check: func(tb testing.TB) { tl.AssertLogged(tb, zapcore.ErrorLevel, "degraded") }, failed: true},
		{name: "not logged", check: func(tb testing.TB) { tl.AssertNotLogged(tb, zapcore.WarnLevel, "degraded") }, failed: true},
		{name: "fields match", check: func(tb testing.TB) {
			tl.AssertFields(tb, "recall", map[string]any{"backend": "sqlite"})
		}},
		{name: "field differs", check: func(tb testing.TB) {
			tl.AssertFields(tb, "recall", map[string]any{"backend": "postgres"})
		}, failed: true},
		{name: "field missing", check: func(tb testing.TB) {
			tl.AssertFields(tb, "recall", map[string]any{"session.id": "s1"})
		}, failed: true},
		{name: "redacted", check: func(tb testing.TB) { tl.AssertNoSecret(tb, "hunter2") }},
		{name: "leaked", check: func(tb testing.TB) { tl.AssertNoSecret(tb, "sqlite") }, failed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingTB{TB: t}
			tt.check(rec)
			assert.Equal(t, tt.failed, rec.failed)
		})
	}
}

type recordingTB struct {
	testing.TB
	failed bool
}

func (r *recordingTB) Errorf(string, ...any) { r.failed = true }
