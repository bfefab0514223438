package agents

import (
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
)

var (
	ErrStepExecution    = errors.New("step execution failed")
	ErrUnregisteredStep = errors.New("unregistered step")
	ErrInvalidOutcome   = errors.New("invalid step outcome")
)

// =============================================================================
// EXCEPTIONS
// =============================================================================

// StepExecutionError wraps any failure raised by a step or the classifier.
type StepExecutionError struct {
	Step  string
	Cause error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step '%s' failed: %v", e.Step, e.Cause)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

func (e *StepExecutionError) Is(target error) bool {
	return target == ErrStepExecution
}

// PanicError is the cause recorded when a step panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// UnregisteredStepError is raised at startup when a graph names a step that
// has no implementation.
type UnregisteredStepError struct {
	Verb envelope.Verb
	Step string
}

func (e *UnregisteredStepError) Error() string {
	return fmt.Sprintf("%s graph references unregistered step '%s'", e.Verb, e.Step)
}

func (e *UnregisteredStepError) Is(target error) bool {
	return target == ErrUnregisteredStep
}

// StepAlreadyRegisteredError is raised on duplicate registration.
type StepAlreadyRegisteredError struct {
	Step string
}

func (e *StepAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("step already registered: %s", e.Step)
}

// UndeclaredKeyError is returned when a step deletes a key it does not own.
type UndeclaredKeyError struct {
	Step string
	Key  string
}

func (e *UndeclaredKeyError) Error() string {
	return fmt.Sprintf("step '%s' may not remove undeclared key '%s'", e.Step, e.Key)
}
