package commbus

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level and failures at warn.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	if logger == nil {
		logger = nopLogger{}
	}
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(_ context.Context, message Message) (Message, error) {
	m.logger.Debug("commbus_message", "category", message.Category(), "type", GetMessageType(message))
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(_ context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.logger.Warn("commbus_message_failed", "type", GetMessageType(message), "error", err)
	} else {
		m.logger.Debug("commbus_message_completed", "type", GetMessageType(message))
	}
	return result, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreakerState is the per-message-type breaker state.
type CircuitBreakerState struct {
	Failures    int
	LastFailure time.Time
	State       string
}

// CircuitBreakerMiddleware stops delivering a message type after repeated
// failures (for example, a NATS bridge that cannot reach its server) and
// probes again once resetTimeout has elapsed.
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excludedTypes    map[string]struct{}
	states           map[string]*CircuitBreakerState
	logger           Logger
	now              func() time.Time
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a new CircuitBreakerMiddleware.
// A failureThreshold of zero never opens the circuit.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTypes []string, logger Logger) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{})
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}
	if logger == nil {
		logger = nopLogger{}
	}

	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excludedTypes:    excluded,
		states:           make(map[string]*CircuitBreakerState),
		logger:           logger,
		now:              time.Now,
	}
}

func (m *CircuitBreakerMiddleware) getState(msgType string) *CircuitBreakerState {
	if _, exists := m.states[msgType]; !exists {
		m.states[msgType] = &CircuitBreakerState{State: CircuitClosed}
	}
	return m.states[msgType]
}

// Before rejects the message with a CircuitOpenError while its circuit is open.
func (m *CircuitBreakerMiddleware) Before(_ context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	if state.State == CircuitOpen {
		if elapsed := m.now().Sub(state.LastFailure); elapsed < m.resetTimeout {
			return nil, &CircuitOpenError{MessageType: msgType, RetryAfter: m.resetTimeout - elapsed}
		}
		state.State = CircuitHalfOpen
		m.logger.Info("circuit_half_open", "type", msgType)
	}
	return message, nil
}

// After updates the circuit from the handling result.
func (m *CircuitBreakerMiddleware) After(_ context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	if err != nil {
		state.Failures++
		state.LastFailure = m.now()

		if state.State == CircuitHalfOpen {
			state.State = CircuitOpen
			m.logger.Warn("circuit_reopened", "type", msgType)
		} else if m.failureThreshold > 0 && state.Failures >= m.failureThreshold && state.State != CircuitOpen {
			state.State = CircuitOpen
			m.logger.Warn("circuit_opened", "type", msgType, "failures", state.Failures)
		}
	} else if state.State == CircuitHalfOpen {
		state.State = CircuitClosed
		state.Failures = 0
		m.logger.Info("circuit_closed", "type", msgType)
	}

	return result, nil
}

// GetStates returns current circuit states.
func (m *CircuitBreakerMiddleware) GetStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string, len(m.states))
	for k, v := range m.states {
		result[k] = v.State
	}
	return result
}

// Reset clears the state for msgType, or every state when msgType is empty.
func (m *CircuitBreakerMiddleware) Reset(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msgType != "" {
		delete(m.states, msgType)
	} else {
		m.states = make(map[string]*CircuitBreakerState)
	}
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
