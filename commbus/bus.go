package commbus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// InMemoryCommBus is the single-process implementation of CommBus.
//
// Usage:
//
//	bus := NewInMemoryCommBus(5*time.Second, WithLogger(logger))
//
//	bus.RegisterHandler("GetRule", ruleHandler)
//	bus.Subscribe("ArtifactChanged", refreshHandler)
//
//	bus.Publish(ctx, &ArtifactChanged{...})
//	rule, _ := bus.QuerySync(ctx, &GetRule{Code: "LATE_SHIP"})
type InMemoryCommBus struct {
	handlers     map[string]HandlerFunc
	subscribers  map[string][]subscription
	middleware   []Middleware
	queryTimeout time.Duration
	logger       Logger
	nextID       uint64
	mu           sync.RWMutex
}

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// Option configures an InMemoryCommBus.
type Option func(*InMemoryCommBus)

// WithLogger routes bus diagnostics to logger.
func WithLogger(logger Logger) Option {
	return func(b *InMemoryCommBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewInMemoryCommBus creates a new InMemoryCommBus.
func NewInMemoryCommBus(queryTimeout time.Duration, opts ...Option) *InMemoryCommBus {
	b := &InMemoryCommBus{
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]subscription),
		middleware:   make([]Middleware, 0),
		queryTimeout: queryTimeout,
		logger:       nopLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// =============================================================================
// MESSAGING
// =============================================================================

// Publish delivers an event to all subscribers concurrently and waits for
// them. Subscriber errors are logged and do not stop other subscribers.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)

	processedEvent, err := b.runMiddlewareBefore(ctx, event)
	if errors.Is(err, ErrCircuitOpen) {
		b.logger.Debug("commbus_event_dropped", "type", eventType, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	if processedEvent == nil {
		b.logger.Debug("commbus_event_aborted", "type", eventType)
		return nil
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers[eventType]))
	copy(subs, b.subscribers[eventType])
	b.mu.RUnlock()

	if len(subs) == 0 {
		_, _ = b.runMiddlewareAfter(ctx, event, nil, nil)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, h HandlerFunc) {
			defer wg.Done()
			if _, err := h(ctx, processedEvent); err != nil {
				errs[idx] = err
				b.logger.Warn("commbus_subscriber_failed", "type", eventType, "error", err)
			}
		}(i, sub.handler)
	}
	wg.Wait()

	var firstError error
	for _, e := range errs {
		if e != nil {
			firstError = e
			break
		}
	}

	_, _ = b.runMiddlewareAfter(ctx, event, nil, firstError)
	return nil
}

// Send sends a command to its handler. A missing handler is logged, not an error.
func (b *InMemoryCommBus) Send(ctx context.Context, command Message) error {
	messageType := GetMessageType(command)

	processed, err := b.runMiddlewareBefore(ctx, command)
	if err != nil {
		return err
	}
	if processed == nil {
		b.logger.Debug("commbus_command_aborted", "type", messageType)
		return nil
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()

	if !exists {
		b.logger.Warn("commbus_no_handler", "type", messageType)
		return nil
	}

	_, handlerError := handler(ctx, processed)
	if handlerError != nil {
		b.logger.Warn("commbus_command_failed", "type", messageType, "error", handlerError)
	}

	_, _ = b.runMiddlewareAfter(ctx, command, nil, handlerError)
	return handlerError
}

// QuerySync sends a query and waits for the response, bounded by the bus
// query timeout.
func (b *InMemoryCommBus) QuerySync(ctx context.Context, query Query) (any, error) {
	messageType := GetMessageType(query)

	processed, err := b.runMiddlewareBefore(ctx, query)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		return nil, &CommBusError{Message: "query " + messageType + " aborted by middleware"}
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()

	if !exists {
		return nil, NewNoHandlerError(messageType)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		v, e := handler(timeoutCtx, processed)
		resultCh <- result{value: v, err: e}
	}()

	select {
	case <-timeoutCtx.Done():
		err := NewQueryTimeoutError(messageType, b.queryTimeout)
		_, _ = b.runMiddlewareAfter(ctx, query, nil, err)
		return nil, err
	case res := <-resultCh:
		finalResult, middlewareErr := b.runMiddlewareAfter(ctx, query, res.value, res.err)
		if middlewareErr != nil {
			return finalResult, middlewareErr
		}
		return finalResult, res.err
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe subscribes to an event type. The returned function removes this
// subscription and is safe to call more than once.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("commbus_subscribed", "type", eventType, "subscription", id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				if len(b.subscribers[eventType]) == 0 {
					delete(b.subscribers, eventType)
				}
				return
			}
		}
	}
}

// RegisterHandler registers a handler for a message type.
func (b *InMemoryCommBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[messageType]; exists {
		return NewHandlerAlreadyRegisteredError(messageType)
	}

	b.handlers[messageType] = handler
	b.logger.Debug("commbus_handler_registered", "type", messageType)
	return nil
}

// AddMiddleware adds middleware to the bus.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// HasHandler checks if a handler is registered for a message type.
func (b *InMemoryCommBus) HasHandler(messageType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.handlers[messageType]
	return exists
}

// SubscriberCount returns the number of live subscriptions for an event type.
func (b *InMemoryCommBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// RegisteredTypes returns every message type with a handler or subscriber, sorted.
func (b *InMemoryCommBus) RegisteredTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make(map[string]struct{})
	for t := range b.handlers {
		types[t] = struct{}{}
	}
	for t := range b.subscribers {
		types[t] = struct{}{}
	}

	result := make([]string, 0, len(types))
	for t := range types {
		result = append(result, t)
	}
	sort.Strings(result)
	return result
}

// Clear removes all handlers, subscribers, and middleware.
func (b *InMemoryCommBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[string]HandlerFunc)
	b.subscribers = make(map[string][]subscription)
	b.middleware = make([]Middleware, 0)
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *InMemoryCommBus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Middleware, len(b.middleware))
	copy(out, b.middleware)
	return out
}

// runMiddlewareBefore runs the before chain in registration order.
func (b *InMemoryCommBus) runMiddlewareBefore(ctx context.Context, message Message) (Message, error) {
	current := message
	for _, mw := range b.middlewareSnapshot() {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

// runMiddlewareAfter runs the after chain in reverse order.
func (b *InMemoryCommBus) runMiddlewareAfter(ctx context.Context, message Message, result any, err error) (any, error) {
	chain := b.middlewareSnapshot()
	currentResult := result
	for i := len(chain) - 1; i >= 0; i-- {
		afterResult, afterErr := chain[i].After(ctx, message, currentResult, err)
		if afterErr != nil {
			err = afterErr
		}
		if afterResult != nil {
			currentResult = afterResult
		}
	}
	return currentResult, err
}

var _ CommBus = (*InMemoryCommBus)(nil)
