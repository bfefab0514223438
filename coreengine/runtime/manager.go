package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/observability"
)

// ManagerConfig holds SessionManager limits.
type ManagerConfig struct {
	// InboundRate is the sustained envelopes per second one session may send.
	// Zero disables limiting.
	InboundRate float64
	// InboundBurst is the limiter bucket size (default: 10).
	InboundBurst int
	// IdleTTL is how long an idle session is kept (default: 30 minutes).
	IdleTTL time.Duration
	// CleanupInterval is how often idle sessions are evicted (default: 1 minute).
	CleanupInterval time.Duration
}

// DefaultManagerConfig returns default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		InboundRate:     0,
		InboundBurst:    10,
		IdleTTL:         30 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

type managedSession struct {
	session *Session
	limiter *rate.Limiter
}

// SessionManager keeps sessions by id for transports without a connection of
// their own, such as HTTP.
type SessionManager struct {
	sup *Supervisor
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*managedSession
}

// NewSessionManager creates a manager. Zero fields of cfg take their defaults.
func NewSessionManager(sup *Supervisor, cfg ManagerConfig) *SessionManager {
	def := DefaultManagerConfig()
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = def.InboundBurst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	return &SessionManager{
		sup:      sup,
		cfg:      cfg,
		sessions: make(map[string]*managedSession),
	}
}

// Open returns the session for id, creating it when absent. An empty id
// creates a new session with a generated id.
func (m *SessionManager) Open(id string) *Session {
	return m.open(id).session
}

func (m *SessionManager) open(id string) *managedSession {
	if id == "" {
		id = envelope.NewSessionID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.sessions[id]; ok {
		return ms
	}
	ms := &managedSession{session: m.sup.NewSession(id)}
	if m.cfg.InboundRate > 0 {
		ms.limiter = rate.NewLimiter(rate.Limit(m.cfg.InboundRate), m.cfg.InboundBurst)
	}
	m.sessions[id] = ms
	return ms
}

// Get returns an existing session.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return ms.session, true
}

// Handle routes env to its session, opening it on first use. Envelopes over
// the session's inbound rate are answered with a rate_limited error envelope.
func (m *SessionManager) Handle(ctx context.Context, env *envelope.Envelope, emit Emitter) error {
	if env == nil || env.SessionID == "" {
		return m.rejectUnaddressed(ctx, env, emit)
	}
	ms := m.open(env.SessionID)
	if ms.limiter != nil && !ms.limiter.Allow() {
		ms.session.logger.Warn("session_rate_limited")
		return ms.session.emitError(ctx, emit, env.Header(), ErrRateLimited, nil)
	}
	return ms.session.Handle(ctx, env, emit)
}

// rejectUnaddressed answers an envelope without a session id. No session is
// opened for it.
func (m *SessionManager) rejectUnaddressed(ctx context.Context, env *envelope.Envelope, emit Emitter) error {
	var h envelope.Header
	if env != nil {
		h = env.Header()
	}
	cause := &envelope.MalformedEnvelopeError{Field: "sessionId", Cause: errors.New("required")}
	m.sup.logger.Warn("envelope_without_session", "request_id", h.RequestID)
	reply, err := envelope.NewError(h, cause.Error(), envelope.CodeMalformedEnvelope, nil)
	if err != nil {
		return err
	}
	if err := emit(ctx, reply); err != nil {
		return err
	}
	observability.RecordEnvelopeEmitted(string(reply.Kind))
	return nil
}

// Close closes and forgets a session. It reports whether the session existed.
func (m *SessionManager) Close(id string) bool {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		ms.session.Close()
	}
	return ok
}

// CloseAll closes every session.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*managedSession)
	m.mu.Unlock()
	for _, ms := range all {
		ms.session.Close()
	}
}

// Len returns the number of open sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IDs returns the open session ids in sorted order.
func (m *SessionManager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CleanupIdle closes sessions idle for longer than ttl. Sessions handling an
// envelope are skipped. Returns the number closed.
func (m *SessionManager) CleanupIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	var stale []*managedSession
	for id, ms := range m.sessions {
		if ms.session.Busy() || ms.session.LastActive().After(cutoff) {
			continue
		}
		stale = append(stale, ms)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, ms := range stale {
		ms.session.Close()
	}
	return len(stale)
}

// StartCleanupLoop starts a background goroutine that periodically evicts idle sessions.
// Returns a stop function that should be called to stop the cleanup loop.
func (m *SessionManager) StartCleanupLoop() func() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ticker.C:
				m.runCleanupCycle()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// runCleanupCycle performs a single cleanup cycle with panic recovery.
func (m *SessionManager) runCleanupCycle() {
	defer func() {
		if r := recover(); r != nil {
			m.sup.logger.Error("cleanup_panic_recovered", "error", r)
		}
	}()

	closed := m.CleanupIdle(m.cfg.IdleTTL)
	m.sup.logger.Debug("cleanup_cycle_completed", "sessions_cleaned", closed, "sessions_open", m.Len())
}
