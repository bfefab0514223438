package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger at debug level backed by an observer core.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(zapcore.DebugLevel)
	return &TestLogger{
		Logger:   NewFromZap(zap.New(core)),
		observed: observed,
	}
}

// All returns all logged entries.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// Messages returns the message of every entry in order.
func (t *TestLogger) Messages() []string {
	entries := t.observed.All()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// FilterMessage returns entries with exactly msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// AssertLogged verifies a log at level containing msgContains was logged.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		if entry.Level == level && strings.Contains(entry.Message, msgContains) {
			return
		}
	}
	tb.Errorf("expected log at %v containing %q, logs: %v", level, msgContains, t.Messages())
}

// AssertField verifies an entry named msg carries key with the expected value.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected any) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessage(msg).All() {
		if v, ok := entry.ContextMap()[key]; ok && v == expected {
			return
		}
	}
	tb.Errorf("expected field %s=%v on %q", key, expected, msg)
}
