// Package commbus provides the in-process message bus the supervisor uses for
// lifecycle events, notifications, queries and commands.
//
// The bus offers three messaging patterns:
//   - Publish(event): fire-and-forget, fan-out to all subscribers
//   - Send(command): fire-and-forget, single handler
//   - QuerySync(query): request-response, single handler
package commbus

import (
	"context"
)

// =============================================================================
// COMMBUS PROTOCOLS
// =============================================================================

// Message is the protocol for all commbus messages.
type Message interface {
	// Category returns the message category: "event", "query", or "command".
	Category() string
}

// Query is the protocol for query messages that expect a response.
type Query interface {
	Message
	// IsQuery is a marker method to distinguish queries from other messages.
	IsQuery()
}

// HandlerFunc processes a message and optionally returns a response (for queries).
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Middleware can intercept messages before and after handling.
type Middleware interface {
	// Before is called before message is handled.
	// Returns modified message, or nil to abort processing.
	Before(ctx context.Context, message Message) (Message, error)

	// After is called after message is handled.
	// Returns modified result.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus is the protocol for the communication bus.
type CommBus interface {
	// Publish publishes an event to all subscribers.
	Publish(ctx context.Context, event Message) error

	// Send sends a command to its handler.
	Send(ctx context.Context, command Message) error

	// QuerySync sends a query and waits for response.
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe subscribes to an event type and returns an unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()

	// RegisterHandler registers the single handler for a message type.
	RegisterHandler(messageType string, handler HandlerFunc) error

	// AddMiddleware adds middleware; middleware runs in registration order.
	AddMiddleware(middleware Middleware)

	// HasHandler checks if a handler is registered for a message type.
	HasHandler(messageType string) bool

	// SubscriberCount returns the number of live subscriptions for an event type.
	SubscriberCount(eventType string) int
}

// Logger is the structured logger the bus and its middleware write to.
// Any agents.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
