// Package runtime provides the Supervisor: the per-session state machine
// that classifies requests, walks workflow graphs step by step and
// suspends for human review.
package runtime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/supervisor/commbus"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/agents"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/rules"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/workflow"
)

var tracer = otel.Tracer("supervisor/runtime")

// DefaultMaxFeedbackLoops is the review retry budget when Options leaves it unset.
const DefaultMaxFeedbackLoops = 3

// defaultClosedHistory bounds how many finished request IDs a session remembers.
const defaultClosedHistory = 1024

// Emitter writes one outbound envelope to the session's transport. An error
// means the transport is gone.
type Emitter func(ctx context.Context, env *envelope.Envelope) error

// Options tune supervisor behavior.
type Options struct {
	// MaxFeedbackLoops is how many times one request may be re-entered from
	// review. Zero means DefaultMaxFeedbackLoops; negative forbids re-entry.
	MaxFeedbackLoops int

	// DisableFastPath sends every unclassified request to the classifier.
	DisableFastPath bool

	// DebugBodyChecks flags body writes to undeclared or foreign keys.
	DebugBodyChecks bool

	// StepTimeout bounds each step invocation. Zero means no bound.
	StepTimeout time.Duration

	// ClosedHistory bounds the finished request IDs each session rejects.
	ClosedHistory int
}

func (o Options) maxFeedbackLoops() int {
	switch {
	case o.MaxFeedbackLoops == 0:
		return DefaultMaxFeedbackLoops
	case o.MaxFeedbackLoops < 0:
		return 0
	default:
		return o.MaxFeedbackLoops
	}
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Engine   *workflow.Engine
	Registry *agents.Registry
	// Rules backs the fast path. Nil disables it.
	Rules rules.Lookup
	// Bus receives lifecycle events and notifications. Nil drops them.
	Bus    commbus.CommBus
	Logger agents.Logger
	// Tracer overrides the package tracer.
	Tracer trace.Tracer
}

// Supervisor holds the read-only state shared by all sessions.
type Supervisor struct {
	engine   *workflow.Engine
	registry *agents.Registry
	rules    rules.Lookup
	bus      commbus.CommBus
	logger   agents.Logger
	tracer   trace.Tracer
	invoker  *agents.Invoker
	opts     Options
}

// NewSupervisor checks that every step the loaded graphs reference is
// registered, and keeps checking on every later engine reload.
func NewSupervisor(deps Deps, opts Options) (*Supervisor, error) {
	if deps.Engine == nil || deps.Registry == nil || deps.Logger == nil {
		return nil, fmt.Errorf("supervisor requires an engine, a registry and a logger")
	}
	if err := deps.Registry.Validate(deps.Engine); err != nil {
		return nil, fmt.Errorf("step registry does not cover the workflow graphs: %w", err)
	}
	deps.Engine.AddCheck(deps.Registry.Validate)

	tr := deps.Tracer
	if tr == nil {
		tr = tracer
	}
	if opts.ClosedHistory <= 0 {
		opts.ClosedHistory = defaultClosedHistory
	}

	return &Supervisor{
		engine:   deps.Engine,
		registry: deps.Registry,
		rules:    deps.Rules,
		bus:      deps.Bus,
		logger:   deps.Logger,
		tracer:   tr,
		invoker: &agents.Invoker{
			Logger:  deps.Logger,
			Timeout: opts.StepTimeout,
			Tracer:  deps.Tracer,
		},
		opts: opts,
	}, nil
}

// Engine returns the workflow engine sessions walk.
func (s *Supervisor) Engine() *workflow.Engine {
	return s.engine
}

// publish sends an event on the bus. Events outlive a cancelled request, so
// the request's cancellation is not inherited.
func (s *Supervisor) publish(ctx context.Context, event commbus.Message) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("event_publish_failed", "type", commbus.GetMessageType(event), "error", err.Error())
	}
}
