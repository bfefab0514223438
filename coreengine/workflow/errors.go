package workflow

import (
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
)

var (
	ErrUnknownVerb     = errors.New("unknown verb")
	ErrUnknownStep     = errors.New("unknown step")
	ErrInvalidDecision = errors.New("invalid decision")
	ErrInvalidGraph    = errors.New("invalid workflow graph")
)

// UnknownVerbError is returned when no graph is loaded for a verb.
type UnknownVerbError struct {
	Verb envelope.Verb
}

func (e *UnknownVerbError) Error() string {
	return fmt.Sprintf("no workflow graph for verb %s", e.Verb)
}

func (e *UnknownVerbError) Is(target error) bool { return target == ErrUnknownVerb }

// UnknownStepError is returned when a step is not a node of its verb's graph.
type UnknownStepError struct {
	Verb envelope.Verb
	Step string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("step %q not found in %s graph", e.Step, e.Verb)
}

func (e *UnknownStepError) Is(target error) bool { return target == ErrUnknownStep }

// GraphError is a load-time configuration defect.
type GraphError struct {
	Verb envelope.Verb
	Step string
	Msg  string
}

func (e *GraphError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s graph: step '%s' %s", e.Verb, e.Step, e.Msg)
	}
	return fmt.Sprintf("%s graph: %s", e.Verb, e.Msg)
}

func (e *GraphError) Is(target error) bool { return target == ErrInvalidGraph }
