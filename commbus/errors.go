package commbus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// EXCEPTIONS
// =============================================================================

var (
	// ErrNoHandler matches NoHandlerError.
	ErrNoHandler = errors.New("no handler registered")
	// ErrHandlerAlreadyRegistered matches HandlerAlreadyRegisteredError.
	ErrHandlerAlreadyRegistered = errors.New("handler already registered")
	// ErrCircuitOpen matches CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit open")
)

// CommBusError wraps transport-level failures (NATS connect, publish, marshal).
type CommBusError struct {
	Message string
	Cause   error
}

func (e *CommBusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CommBusError) Unwrap() error {
	return e.Cause
}

// NoHandlerError is returned by QuerySync when nothing answers the query type.
type NoHandlerError struct {
	MessageType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.MessageType)
}

func (e *NoHandlerError) Is(target error) bool { return target == ErrNoHandler }

// NewNoHandlerError creates a new NoHandlerError.
func NewNoHandlerError(messageType string) *NoHandlerError {
	return &NoHandlerError{MessageType: messageType}
}

// HandlerAlreadyRegisteredError is returned when a second handler claims a message type.
type HandlerAlreadyRegisteredError struct {
	MessageType string
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for %s", e.MessageType)
}

func (e *HandlerAlreadyRegisteredError) Is(target error) bool {
	return target == ErrHandlerAlreadyRegistered
}

// NewHandlerAlreadyRegisteredError creates a new HandlerAlreadyRegisteredError.
func NewHandlerAlreadyRegisteredError(messageType string) *HandlerAlreadyRegisteredError {
	return &HandlerAlreadyRegisteredError{MessageType: messageType}
}

// QueryTimeoutError is returned when a query handler outlives the bus query
// timeout. It unwraps to context.DeadlineExceeded.
type QueryTimeoutError struct {
	MessageType string
	Timeout     time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %s", e.MessageType, e.Timeout)
}

func (e *QueryTimeoutError) Unwrap() error { return context.DeadlineExceeded }

// NewQueryTimeoutError creates a new QueryTimeoutError.
func NewQueryTimeoutError(messageType string, timeout time.Duration) *QueryTimeoutError {
	return &QueryTimeoutError{MessageType: messageType, Timeout: timeout}
}

// CircuitOpenError is returned by the circuit breaker while a message type's
// circuit is open.
type CircuitOpenError struct {
	MessageType string
	RetryAfter  time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.MessageType, e.RetryAfter)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }
