package logging

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records entries written through the embedded logger so tests
// can assert on messages, correlation fields and redaction.
type TestLogger struct {
	*zap.Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns a TestLogger observing every level.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(zapcore.DebugLevel)
	return &TestLogger{Logger: zap.New(core), observed: observed}
}

// Entries returns the entries whose message contains msg.
func (t *TestLogger) Entries(msg string) []observer.LoggedEntry {
	return t.observed.FilterMessageSnippet(msg).All()
}

// ForSession returns the entries correlated to a session id.
func (t *TestLogger) ForSession(sessionID string) []observer.LoggedEntry {
	return t.observed.FilterField(zap.String("session.id", sessionID)).All()
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.find(level, msg) == nil {
		tb.Errorf("no %v entry containing %q; got %s", level, msg, t.dump())
	}
}

// AssertNotLogged fails tb if any entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.find(level, msg) != nil {
		tb.Errorf("unexpected %v entry containing %q", level, msg)
	}
}

// AssertFields fails tb unless an entry containing msg carries every
// key in want with an equal value.
func (t *TestLogger) AssertFields(tb testing.TB, msg string, want map[string]any) {
	tb.Helper()
	for _, e := range t.Entries(msg) {
		if hasFields(e.ContextMap(), want) {
			return
		}
	}
	tb.Errorf("no entry containing %q with fields %v; got %s", msg, want, t.dump())
}

// AssertNoSecret fails tb if secret appears in any message or field value.
func (t *TestLogger) AssertNoSecret(tb testing.TB, secret string) {
	tb.Helper()
	if secret == "" {
		return
	}
	for _, e := range t.observed.All() {
		if strings.Contains(e.Message, secret) {
			tb.Errorf("secret leaked in message %q", e.Message)
		}
		for k, v := range e.ContextMap() {
			if strings.Contains(fmt.Sprint(v), secret) {
				tb.Errorf("secret leaked in field %q of %q", k, e.Message)
			}
		}
	}
}

func (t *TestLogger) find(level zapcore.Level, msg string) *observer.LoggedEntry {
	for _, e := range t.Entries(msg) {
		if e.Level == level {
			return &e
		}
	}
	return nil
}

func (t *TestLogger) dump() string {
	var b strings.Builder
	for _, e := range t.observed.All() {
		fmt.Fprintf(&b, "\n  %v %q %v", e.Level, e.Message, e.ContextMap())
	}
	return b.String()
}

func hasFields(got, want map[string]any) bool {
	for k, v := range want {
		g, ok := got[k]
		if !ok || fmt.Sprint(g) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}
