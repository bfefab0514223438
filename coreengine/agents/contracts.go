// Package agents provides the step contract, the session-owned request body
// and the instrumented invocation of steps.
package agents

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
)

// =============================================================================
// OUTCOMES
// =============================================================================

// Outcome is what every step returns.
type Outcome struct {
	Decision   envelope.Decision
	Confidence float64
	Reason     string
}

// Yes builds an affirmative outcome.
func Yes(confidence float64, reason string) Outcome {
	return Outcome{Decision: envelope.DecisionYes, Confidence: confidence, Reason: reason}
}

// No builds a negative outcome.
func No(confidence float64, reason string) Outcome {
	return Outcome{Decision: envelope.DecisionNo, Confidence: confidence, Reason: reason}
}

// Validate checks that the outcome can be carried by a response envelope.
func (o Outcome) Validate() error {
	if _, err := envelope.DecisionFromString(string(o.Decision)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutcome, err)
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidOutcome, o.Confidence)
	}
	if o.Reason == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidOutcome)
	}
	return nil
}

// Classification is the classifier's outcome plus the verb it resolved.
type Classification struct {
	Outcome
	Verb envelope.Verb
}

// Validate checks the outcome and, for an accepted request, that the verb
// selects a graph.
func (c Classification) Validate() error {
	if err := c.Outcome.Validate(); err != nil {
		return err
	}
	if c.Decision == envelope.DecisionNo {
		return nil
	}
	switch c.Verb {
	case envelope.VerbRule, envelope.VerbContent:
		return nil
	default:
		return fmt.Errorf("%w: classifier accepted with unroutable verb '%s'", ErrInvalidOutcome, c.Verb)
	}
}

// =============================================================================
// CONTRACTS
// =============================================================================

// Step is one named decision-making node. Invoke may read any key and may
// write the keys it declares in Writes. It must honor ctx.
type Step interface {
	Name() string
	Writes() []string
	Invoke(ctx context.Context, body *Scope) (Outcome, error)
}

// Classifier resolves the verb of an unclassified request. A classifier that
// writes to the body may declare its keys with a Writes() []string method.
type Classifier interface {
	Classify(ctx context.Context, text string, body *Scope) (Classification, error)
}

// StepFunc adapts a function to Step.
type StepFunc struct {
	StepName   string
	WriteKeys  []string
	InvokeFunc func(ctx context.Context, body *Scope) (Outcome, error)
}

func (f *StepFunc) Name() string     { return f.StepName }
func (f *StepFunc) Writes() []string { return f.WriteKeys }

func (f *StepFunc) Invoke(ctx context.Context, body *Scope) (Outcome, error) {
	return f.InvokeFunc(ctx, body)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string, body *Scope) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, text string, body *Scope) (Classification, error) {
	return f(ctx, text, body)
}

// ClassifierStepName labels the classifier in spans, metrics and errors.
const ClassifierStepName = "classifyIntent"
