package envelope

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEnvelope matches every decoding failure.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrIncompatibleVersion matches a protocol version with a different major component.
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	// ErrMissingField is returned by constructors when a required field is empty.
	ErrMissingField = errors.New("missing required field")
)

// Error codes placed in error envelope bodies under BodyKeyErrorCode.
const (
	CodeMalformedEnvelope      = "malformed_envelope"
	CodeUnknownVerb            = "unknown_verb"
	CodeUnknownStep            = "unknown_step"
	CodeStepExecutionFailure   = "step_execution_failure"
	CodeHITLMaxRetriesExceeded = "hitl_max_retries_exceeded"
	CodeRequestClosed          = "request_closed"
	CodeReviewDecisionRequired = "review_decision_required"
	CodeRateLimited            = "rate_limited"
	CodeInternal               = "internal"
)

// MalformedEnvelopeError reports the offending field and its raw value.
type MalformedEnvelopeError struct {
	Field string
	Value any
	Cause error
}

func (e *MalformedEnvelopeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed envelope: field %s=%v: %v", e.Field, e.Value, e.Cause)
	}
	return fmt.Sprintf("malformed envelope: field %s=%v", e.Field, e.Value)
}

func (e *MalformedEnvelopeError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrMalformedEnvelope) match any MalformedEnvelopeError.
func (e *MalformedEnvelopeError) Is(target error) bool {
	return target == ErrMalformedEnvelope
}

func malformed(field string, value any, cause error) *MalformedEnvelopeError {
	return &MalformedEnvelopeError{Field: field, Value: value, Cause: cause}
}
