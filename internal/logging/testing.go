package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger captures entries in memory so tests can assert on what a
// component logged.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger captures every level, trace included.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{Logger: Wrap(zap.New(core)), logs: logs}
}

// Entries returns captured entries whose message contains msg, at any
// level. An empty msg matches everything.
func (t *TestLogger) Entries(msg string) []observer.LoggedEntry {
	if msg == "" {
		return t.logs.All()
	}
	return t.logs.FilterMessageSnippet(msg).All()
}

// AssertLogged fails tb unless some entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.logs.FilterLevelExact(level).FilterMessageSnippet(msg).Len() == 0 {
		tb.Errorf("no %s entry containing %q; captured %d entries", levelName(level), msg, t.logs.Len())
	}
}

// AssertNotLogged fails tb if any entry contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, msg string) {
	tb.Helper()
	if n := t.logs.FilterMessageSnippet(msg).Len(); n > 0 {
		tb.Errorf("expected no entry containing %q, found %d", msg, n)
	}
}

// AssertField fails tb unless an entry containing msg has key set to want.
// Fields taken from the context count.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.Entries(msg) {
		if got, ok := e.ContextMap()[key]; ok && got == want {
			return
		}
	}
	tb.Errorf("no entry containing %q has %s=%v", msg, key, want)
}
