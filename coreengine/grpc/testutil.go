package grpc

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// =============================================================================
// LOGGER MOCKS
// =============================================================================

// TestLogger captures log calls with their structured fields.
type TestLogger struct {
	mu         sync.Mutex
	debugCalls []map[string]any
	infoCalls  []map[string]any
	warnCalls  []map[string]any
	errorCalls []map[string]any
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) {
	l.record(&l.debugCalls, msg, keysAndValues)
}

func (l *TestLogger) Info(msg string, keysAndValues ...any) {
	l.record(&l.infoCalls, msg, keysAndValues)
}

func (l *TestLogger) Warn(msg string, keysAndValues ...any) {
	l.record(&l.warnCalls, msg, keysAndValues)
}

func (l *TestLogger) Error(msg string, keysAndValues ...any) {
	l.record(&l.errorCalls, msg, keysAndValues)
}

func (l *TestLogger) record(into *[]map[string]any, msg string, keysAndValues []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*into = append(*into, toMap(msg, keysAndValues))
}

// HasMessage reports whether any call at any level logged msg.
func (l *TestLogger) HasMessage(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, calls := range [][]map[string]any{l.debugCalls, l.infoCalls, l.warnCalls, l.errorCalls} {
		for _, call := range calls {
			if call["msg"] == msg {
				return true
			}
		}
	}
	return false
}

// toMap converts key-value pairs to a map for structured assertions.
func toMap(msg string, keysAndValues []any) map[string]any {
	m := map[string]any{"msg": msg}
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			m[key] = keysAndValues[i+1]
		}
	}
	return m
}

// =============================================================================
// MOCK GRPC STREAMS
// =============================================================================

// MockServerStream implements grpc.ServerStream for testing interceptors.
type MockServerStream struct {
	grpc.ServerStream // Embed for default implementations
	ctx               context.Context
}

// NewMockServerStream creates a new mock server stream.
func NewMockServerStream(ctx context.Context) *MockServerStream {
	return &MockServerStream{ctx: ctx}
}

func (m *MockServerStream) Context() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

// =============================================================================
// TEST CONTEXT HELPERS
// =============================================================================

// ContextWithSessionID returns an outgoing context that asks the server for
// a specific session id.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, SessionIDHeader, sessionID)
}
