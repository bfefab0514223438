package agents

import (
	"context"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/observability"
)

// Logger is the interface for logging.
type Logger interface {
	Info(msg string, fields ...any)
	Debug(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Bind(fields ...any) Logger
}

var tracer = otel.Tracer("supervisor/agents")

// Invoker runs steps and the classifier with tracing, metrics, an optional
// timeout and panic recovery. Every failure other than cancellation of ctx
// comes back as a *StepExecutionError.
type Invoker struct {
	Logger  Logger
	Timeout time.Duration
	// Tracer overrides the package tracer.
	Tracer trace.Tracer
}

// Step invokes step against body.
func (iv *Invoker) Step(ctx context.Context, step Step, verb envelope.Verb, body *Body) (Outcome, error) {
	name := step.Name()
	scope := body.Scope(name, step.Writes())

	out, err := run(ctx, iv, name, verb, func(ctx context.Context) (Outcome, error) {
		o, err := step.Invoke(ctx, scope)
		if err != nil {
			return o, err
		}
		return o, o.Validate()
	}, func(o Outcome) envelope.Decision { return o.Decision })
	return out, err
}

// Classify invokes the classifier on text.
func (iv *Invoker) Classify(ctx context.Context, c Classifier, text string, body *Body) (Classification, error) {
	var writes []string
	if w, ok := c.(interface{ Writes() []string }); ok {
		writes = w.Writes()
	}
	scope := body.Scope(ClassifierStepName, writes)

	return run(ctx, iv, ClassifierStepName, envelope.VerbGeneric, func(ctx context.Context) (Classification, error) {
		cl, err := c.Classify(ctx, text, scope)
		if err != nil {
			return cl, err
		}
		return cl, cl.Validate()
	}, func(c Classification) envelope.Decision { return c.Decision })
}

type result[T any] struct {
	value T
	err   error
}

func run[T any](
	ctx context.Context,
	iv *Invoker,
	name string,
	verb envelope.Verb,
	fn func(context.Context) (T, error),
	decisionOf func(T) envelope.Decision,
) (T, error) {
	tr := iv.Tracer
	if tr == nil {
		tr = tracer
	}
	ctx, span := tr.Start(ctx, "step.invoke",
		trace.WithAttributes(
			attribute.String("supervisor.step", name),
			attribute.String("supervisor.verb", string(verb)),
		),
	)
	defer span.End()

	stepCtx := ctx
	cancel := func() {}
	if iv.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, iv.Timeout)
	}
	defer cancel()

	logger := iv.Logger.Bind("step", name)
	logger.Debug("step_started")
	startTime := time.Now()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result[T]{value: zero, err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		v, err := fn(stepCtx)
		done <- result[T]{value: v, err: err}
	}()

	var res result[T]
	select {
	case res = <-done:
	case <-stepCtx.Done():
		res = result[T]{err: stepCtx.Err()}
	}
	durationMS := int(time.Since(startTime).Milliseconds())
	span.SetAttributes(attribute.Int("duration_ms", durationMS))

	// The connection went away: no envelope will be emitted, so this is not a step failure.
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		logger.Info("step_cancelled", "duration_ms", durationMS)
		var zero T
		return zero, ctx.Err()
	}

	if res.err != nil {
		err := &StepExecutionError{Step: name, Cause: res.err}
		observability.RecordStepExecution(name, "error", durationMS)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("step_failed", "error", res.err.Error(), "duration_ms", durationMS)
		var zero T
		return zero, err
	}

	decision := decisionOf(res.value)
	observability.RecordStepExecution(name, string(decision), durationMS)
	span.SetAttributes(attribute.String("supervisor.decision", string(decision)))
	span.SetStatus(codes.Ok, "success")
	logger.Info("step_completed", "decision", string(decision), "duration_ms", durationMS)
	return res.value, nil
}
