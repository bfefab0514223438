package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/supervisor/commbus"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/agents"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/observability"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/rules"
)

// State is where a request stands in the supervisor state machine.
type State string

const (
	StateIdle           State = "idle"
	StateClassifying    State = "classifying"
	StateRouting        State = "routing"
	StateAwaitingReview State = "awaiting_review"
	StateDone           State = "done"
)

// request is the state of one logical request. Only the owning session's
// Handle touches it.
type request struct {
	header  envelope.Header
	state   State
	step    string
	body    *agents.Body
	retries int
	started time.Time
	logger  agents.Logger
}

func (r *request) verb() envelope.Verb { return r.header.Verb }

// Status is a point-in-time view of a session.
type Status struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id,omitempty"`
	Verb      string `json:"verb,omitempty"`
	State     State  `json:"state"`
	Step      string `json:"step,omitempty"`
	Retries   int    `json:"retries"`
}

// Session drives the requests of one client connection. Handle calls are
// serialized; sessions share nothing mutable with each other.
type Session struct {
	id     string
	sup    *Supervisor
	logger agents.Logger

	mu          sync.Mutex
	current     *request
	closed      map[string]struct{}
	closedOrder []string

	busy       atomic.Bool
	lastActive atomic.Int64
	closeOnce  sync.Once
}

// NewSession opens a session.
func (s *Supervisor) NewSession(sessionID string) *Session {
	if sessionID == "" {
		sessionID = envelope.NewSessionID()
	}
	sess := &Session{
		id:     sessionID,
		sup:    s,
		logger: s.logger.Bind("session_id", sessionID),
		closed: make(map[string]struct{}),
	}
	sess.touch()
	observability.SessionOpened()
	sess.logger.Debug("session_opened")
	return sess
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Status returns the state of the current or most recent request.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{SessionID: s.id, State: StateIdle}
	if r := s.current; r != nil {
		st.RequestID = r.header.RequestID
		st.Verb = string(r.verb())
		st.State = r.state
		st.Step = r.step
		st.Retries = r.retries
	}
	return st
}

// Busy reports whether a Handle call is in progress.
func (s *Session) Busy() bool { return s.busy.Load() }

// LastActive returns when the session last finished handling an envelope.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

// Close ends the session. A request waiting for review is abandoned.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if r := s.current; r != nil && r.state == StateAwaitingReview {
			s.finish(context.Background(), r, commbus.OutcomeAbandoned, nil)
		}
		s.current = nil
		s.mu.Unlock()
		observability.SessionClosed()
		s.logger.Debug("session_closed")
	})
}

// Handle processes one inbound envelope and emits every envelope it causes,
// in order. Supervisor failures become error envelopes; the returned error is
// non-nil only when emit failed or ctx was cancelled, and in the latter case
// nothing further is emitted for the request.
func (s *Session) Handle(ctx context.Context, env *envelope.Envelope, emit Emitter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy.Store(true)
	defer func() {
		s.busy.Store(false)
		s.touch()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.admit(env); err != nil {
		h := envelope.Header{SessionID: s.id}
		if env != nil {
			h = env.Header()
			h.SessionID = s.id
		}
		return s.emitError(ctx, emit, h, err, nil)
	}

	requestID := env.RequestID
	if _, done := s.closed[requestID]; done {
		return s.emitError(ctx, emit, env.Header(), &RequestClosedError{RequestID: requestID}, nil)
	}

	if r := s.current; r != nil && r.state == StateAwaitingReview {
		if r.header.RequestID == requestID {
			return s.resume(ctx, r, env, emit)
		}
		r.logger.Info("review_abandoned", "superseded_by", requestID)
		s.finish(ctx, r, commbus.OutcomeAbandoned, nil)
	}

	return s.start(ctx, env, emit)
}

func (s *Session) admit(env *envelope.Envelope) error {
	if env == nil {
		return &envelope.MalformedEnvelopeError{Field: "$", Cause: errors.New("nil envelope")}
	}
	if env.Kind != envelope.KindRequest {
		return &envelope.MalformedEnvelopeError{Field: "kind", Value: string(env.Kind), Cause: errors.New("sessions only accept request envelopes")}
	}
	if env.SessionID != s.id {
		return &envelope.MalformedEnvelopeError{Field: "sessionId", Value: env.SessionID, Cause: fmt.Errorf("envelope does not belong to session %s", s.id)}
	}
	if env.RequestID == "" {
		return &envelope.MalformedEnvelopeError{Field: "requestId", Cause: errors.New("required")}
	}
	return nil
}

// =============================================================================
// CLASSIFYING
// =============================================================================

func (s *Session) start(ctx context.Context, env *envelope.Envelope, emit Emitter) error {
	r := &request{
		header:  env.Header(),
		state:   StateClassifying,
		body:    agents.NewBody(env.Body),
		started: time.Now(),
	}
	r.logger = s.logger.Bind("request_id", r.header.RequestID)
	if s.sup.opts.DebugBodyChecks {
		r.body.EnableWriteChecks(r.logger)
	}
	s.current = r

	ctx, span := s.sup.tracer.Start(ctx, "supervisor.request",
		trace.WithAttributes(
			attribute.String("supervisor.session_id", s.id),
			attribute.String("supervisor.request_id", r.header.RequestID),
		),
	)
	defer span.End()

	fastPath := false
	if r.verb().IsPendingClassification() {
		fastPath = s.fastPath(ctx, r, env.RawText())
	}

	r.logger.Info("session_request_started", "verb", string(r.verb()), "fast_path", fastPath)
	s.sup.publish(ctx, &commbus.RequestStarted{
		SessionID: s.id,
		RequestID: r.header.RequestID,
		Verb:      string(r.verb()),
		FastPath:  fastPath,
	})

	if r.verb().IsPendingClassification() {
		accepted, err := s.classify(ctx, r, env.RawText(), emit)
		if err != nil || !accepted {
			s.endSpan(span, r, err)
			return err
		}
	}

	entry, err := s.sup.engine.Entry(r.verb())
	if err != nil {
		err = s.fail(ctx, r, emit, err)
		s.endSpan(span, r, err)
		return err
	}
	r.step = entry
	r.state = StateRouting

	err = s.route(ctx, r, emit)
	s.endSpan(span, r, err)
	return err
}

// fastPath resolves an explicit "run <CODE>" against the registered rules and,
// on a hit, annotates the body exactly as the classifier would.
func (s *Session) fastPath(ctx context.Context, r *request, text string) bool {
	if s.sup.opts.DisableFastPath || s.sup.rules == nil {
		return false
	}
	rule, ok, err := rules.Resolve(ctx, s.sup.rules, text)
	if err != nil {
		r.logger.Warn("fast_path_lookup_failed", "error", err.Error())
		return false
	}
	if !ok {
		return false
	}
	rules.Annotate(r.body, rule)
	r.header = r.header.WithVerb(envelope.VerbRule)
	r.logger = r.logger.Bind("verb", string(envelope.VerbRule))
	r.logger.Debug("fast_path_matched", "code", rule.Code)
	return true
}

// classify runs the classifier. It reports whether the request was accepted;
// a rejection has already been emitted when it returns false.
func (s *Session) classify(ctx context.Context, r *request, text string, emit Emitter) (bool, error) {
	classifier := s.sup.registry.Classifier()
	if classifier == nil {
		return false, s.fail(ctx, r, emit, errors.New("no classifier registered"))
	}

	cl, err := s.sup.invoker.Classify(ctx, classifier, text, r.body)
	if err != nil {
		if ctx.Err() != nil {
			return false, s.abort(ctx, r)
		}
		return false, s.fail(ctx, r, emit, err)
	}

	if cl.Decision == envelope.DecisionNo {
		resp, err := envelope.NewTerminalResponse(r.header, cl.Decision, cl.Confidence, cl.Reason, r.body.Snapshot())
		if err != nil {
			return false, s.fail(ctx, r, emit, err)
		}
		if err := s.emitFor(ctx, r, emit, resp); err != nil {
			return false, err
		}
		r.logger.Info("request_rejected", "reason", cl.Reason, "confidence", cl.Confidence)
		s.finish(ctx, r, commbus.OutcomeRejected, nil)
		return false, nil
	}

	r.header = r.header.WithVerb(cl.Verb)
	r.logger = r.logger.Bind("verb", string(cl.Verb))
	r.logger.Debug("request_classified", "confidence", cl.Confidence)
	return true, nil
}

// =============================================================================
// ROUTING
// =============================================================================

// route walks the graph from r.step until a step says no, a terminal is
// reached, or something fails.
func (s *Session) route(ctx context.Context, r *request, emit Emitter) error {
	engine := s.sup.engine
	visited := make(map[string]bool)

	for {
		if ctx.Err() != nil {
			return s.abort(ctx, r)
		}
		if visited[r.step] {
			return s.fail(ctx, r, emit, fmt.Errorf("step '%s' revisited within one walk", r.step))
		}
		visited[r.step] = true

		step, ok := s.sup.registry.Lookup(r.step)
		if !ok {
			return s.fail(ctx, r, emit, &agents.UnregisteredStepError{Verb: r.verb(), Step: r.step})
		}

		started := time.Now()
		out, err := s.sup.invoker.Step(ctx, step, r.verb(), r.body)
		if err != nil {
			if ctx.Err() != nil {
				return s.abort(ctx, r)
			}
			return s.fail(ctx, r, emit, err)
		}

		next, err := engine.ResolveNext(r.verb(), r.step, out.Decision)
		if err != nil {
			r.logger.Error("resolve_next_failed", "step", r.step, "error", err.Error())
			return s.fail(ctx, r, emit, err)
		}

		resp, err := envelope.NewResponse(r.header, out.Decision, out.Confidence, out.Reason, next, r.body.Snapshot())
		if err != nil {
			return s.fail(ctx, r, emit, err)
		}
		if err := s.emitFor(ctx, r, emit, resp); err != nil {
			return err
		}
		s.sup.publish(ctx, &commbus.StepCompleted{
			SessionID:  s.id,
			RequestID:  r.header.RequestID,
			Verb:       string(r.verb()),
			Step:       r.step,
			Decision:   string(out.Decision),
			Confidence: out.Confidence,
			Reason:     out.Reason,
			NextStep:   next,
			DurationMS: time.Since(started).Milliseconds(),
		})

		if out.Decision == envelope.DecisionNo {
			s.suspend(ctx, r, out.Reason)
			return nil
		}
		if engine.IsTerminal(next) {
			return s.succeed(ctx, r, emit)
		}
		r.step = next
	}
}

func (s *Session) suspend(ctx context.Context, r *request, reason string) {
	r.state = StateAwaitingReview
	observability.RecordReviewSuspension(string(r.verb()), r.step)
	r.logger.Info("review_suspended", "step", r.step, "reason", reason, "retries", r.retries)
	s.sup.publish(ctx, &commbus.ReviewRequested{
		SessionID: s.id,
		RequestID: r.header.RequestID,
		Verb:      string(r.verb()),
		Step:      r.step,
		Reason:    reason,
		Retries:   r.retries,
	})
}

func (s *Session) succeed(ctx context.Context, r *request, emit Emitter) error {
	resp, err := envelope.NewSuccess(r.header, fmt.Sprintf("%s workflow completed", r.verb()), r.body.Snapshot())
	if err != nil {
		return s.fail(ctx, r, emit, err)
	}
	if err := s.emitFor(ctx, r, emit, resp); err != nil {
		return err
	}
	if artifact, ok := r.body.TakeArtifact(); ok {
		r.logger.Info("artifact_changed", "artifact", artifact.Name)
		s.sup.publish(ctx, &commbus.ArtifactChanged{
			SessionID: s.id,
			RequestID: r.header.RequestID,
			Name:      artifact.Name,
			Payload:   artifact.Payload,
		})
	}
	s.finish(ctx, r, commbus.OutcomeSuccess, nil)
	return nil
}

// =============================================================================
// AWAITING REVIEW
// =============================================================================

// resume re-enters a suspended request. yes re-runs the suspended step; no
// follows its no-edge, closing the request when that edge is terminal.
func (s *Session) resume(ctx context.Context, r *request, env *envelope.Envelope, emit Emitter) error {
	if !env.Decision.IsSet() {
		err := &ReviewDecisionRequiredError{RequestID: r.header.RequestID, Step: r.step}
		r.logger.Warn("review_decision_missing", "step", r.step)
		return s.emitError(ctx, emit, r.header, err, nil)
	}

	next := r.step
	if env.Decision == envelope.DecisionNo {
		target, err := s.sup.engine.ResolveNext(r.verb(), r.step, envelope.DecisionNo)
		if err != nil {
			return s.fail(ctx, r, emit, err)
		}
		if s.sup.engine.IsTerminal(target) {
			return s.closeByReviewer(ctx, r, env, emit)
		}
		next = target
	}

	limit := s.sup.opts.maxFeedbackLoops()
	if r.retries >= limit {
		return s.fail(ctx, r, emit, &HITLMaxRetriesExceededError{RequestID: r.header.RequestID, Step: r.step, Max: limit})
	}
	r.retries++
	r.body.Merge(env.Body)

	r.logger.Info("review_resumed",
		"step", r.step,
		"decision", string(env.Decision),
		"next", next,
		"retries", r.retries,
	)

	ctx, span := s.sup.tracer.Start(ctx, "supervisor.request",
		trace.WithAttributes(
			attribute.String("supervisor.session_id", s.id),
			attribute.String("supervisor.request_id", r.header.RequestID),
			attribute.Int("supervisor.retries", r.retries),
		),
	)
	defer span.End()

	r.step = next
	r.state = StateRouting
	err := s.route(ctx, r, emit)
	s.endSpan(span, r, err)
	return err
}

func (s *Session) closeByReviewer(ctx context.Context, r *request, env *envelope.Envelope, emit Emitter) error {
	reason := env.Reason
	if reason == "" {
		reason = fmt.Sprintf("closed by reviewer at step '%s'", r.step)
	}
	r.body.Merge(env.Body)
	resp, err := envelope.NewTerminalResponse(r.header, envelope.DecisionNo, 1.0, reason, r.body.Snapshot())
	if err != nil {
		return s.fail(ctx, r, emit, err)
	}
	if err := s.emitFor(ctx, r, emit, resp); err != nil {
		return err
	}
	r.logger.Info("review_closed", "step", r.step)
	s.finish(ctx, r, commbus.OutcomeClosed, nil)
	return nil
}

// =============================================================================
// TERMINATION
// =============================================================================

// fail converts err into the request's single error envelope and ends it.
func (s *Session) fail(ctx context.Context, r *request, emit Emitter, err error) error {
	extra := map[string]any{}
	var stepErr *agents.StepExecutionError
	if errors.As(err, &stepErr) {
		extra[envelope.BodyKeyFailedStep] = stepErr.Step
	} else if r.step != "" {
		extra[envelope.BodyKeyFailedStep] = r.step
	}

	r.logger.Error("request_failed", "step", r.step, "code", errorCode(err), "error", err.Error())
	emitErr := s.emitError(ctx, emit, r.header, err, extra)
	s.finish(ctx, r, commbus.OutcomeError, err)
	return emitErr
}

// abort discards a request whose context was cancelled. Nothing is emitted.
func (s *Session) abort(ctx context.Context, r *request) error {
	r.logger.Info("request_cancelled", "step", r.step, "state", string(r.state))
	s.finish(ctx, r, commbus.OutcomeCancelled, ctx.Err())
	return ctx.Err()
}

// finish moves r to Done and remembers its ID so later envelopes for it are rejected.
func (s *Session) finish(ctx context.Context, r *request, outcome string, err error) {
	r.state = StateDone
	s.remember(r.header.RequestID)

	durationMS := time.Since(r.started).Milliseconds()
	observability.RecordRequest(string(r.verb()), outcome, int(durationMS))

	event := &commbus.RequestCompleted{
		SessionID:  s.id,
		RequestID:  r.header.RequestID,
		Verb:       string(r.verb()),
		Outcome:    outcome,
		DurationMS: durationMS,
	}
	if err != nil {
		event.Error = err.Error()
	}
	r.logger.Info("session_request_completed", "outcome", outcome, "duration_ms", durationMS)
	s.sup.publish(ctx, event)
}

func (s *Session) remember(requestID string) {
	if _, ok := s.closed[requestID]; ok {
		return
	}
	s.closed[requestID] = struct{}{}
	s.closedOrder = append(s.closedOrder, requestID)
	if len(s.closedOrder) > s.sup.opts.ClosedHistory {
		oldest := s.closedOrder[0]
		s.closedOrder = s.closedOrder[1:]
		delete(s.closed, oldest)
	}
}

func (s *Session) emitError(ctx context.Context, emit Emitter, h envelope.Header, cause error, extra map[string]any) error {
	if h.SessionID == "" {
		h.SessionID = s.id
	}
	env, err := envelope.NewError(h, cause.Error(), errorCode(cause), extra)
	if err != nil {
		return err
	}
	return s.emit(ctx, emit, env)
}

// emitFor emits an envelope belonging to r. When the write fails, r ends
// with nothing further emitted and its ID is remembered, so a replay cannot
// run its steps again.
func (s *Session) emitFor(ctx context.Context, r *request, emit Emitter, env *envelope.Envelope) error {
	err := s.emit(ctx, emit, env)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		_ = s.abort(ctx, r)
		return err
	}
	r.logger.Error("request_dropped", "step", r.step, "state", string(r.state), "error", err.Error())
	s.finish(ctx, r, commbus.OutcomeError, err)
	return err
}

func (s *Session) emit(ctx context.Context, emit Emitter, env *envelope.Envelope) error {
	if err := emit(ctx, env); err != nil {
		s.logger.Warn("envelope_emit_failed", "kind", string(env.Kind), "error", err.Error())
		return err
	}
	observability.RecordEnvelopeEmitted(string(env.Kind))
	return nil
}

func (s *Session) endSpan(span trace.Span, r *request, err error) {
	span.SetAttributes(
		attribute.String("supervisor.verb", string(r.verb())),
		attribute.String("supervisor.state", string(r.state)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
