package runtime

import (
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/agents"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/workflow"
)

var (
	// ErrHITLMaxRetriesExceeded matches a review re-entry past the retry budget.
	ErrHITLMaxRetriesExceeded = errors.New("hitl max retries exceeded")
	// ErrRequestClosed matches an envelope for a request that already finished.
	ErrRequestClosed = errors.New("request closed")
	// ErrReviewDecisionRequired matches a resume envelope without a decision.
	ErrReviewDecisionRequired = errors.New("review decision required")
	// ErrRateLimited matches an envelope rejected by the session's inbound limiter.
	ErrRateLimited = errors.New("rate limited")
)

// HITLMaxRetriesExceededError is returned when a suspended request has been
// re-entered Max times already.
type HITLMaxRetriesExceededError struct {
	RequestID string
	Step      string
	Max       int
}

func (e *HITLMaxRetriesExceededError) Error() string {
	return fmt.Sprintf("request %s exceeded %d review retries at step '%s'", e.RequestID, e.Max, e.Step)
}

func (e *HITLMaxRetriesExceededError) Is(target error) bool {
	return target == ErrHITLMaxRetriesExceeded
}

// RequestClosedError rejects further envelopes for a finished request.
type RequestClosedError struct {
	RequestID string
}

func (e *RequestClosedError) Error() string {
	return fmt.Sprintf("request %s is closed", e.RequestID)
}

func (e *RequestClosedError) Is(target error) bool {
	return target == ErrRequestClosed
}

// ReviewDecisionRequiredError rejects a resume that carries no decision. The
// request stays suspended.
type ReviewDecisionRequiredError struct {
	RequestID string
	Step      string
}

func (e *ReviewDecisionRequiredError) Error() string {
	return fmt.Sprintf("request %s is awaiting review at step '%s'; resume requires a yes or no decision", e.RequestID, e.Step)
}

func (e *ReviewDecisionRequiredError) Is(target error) bool {
	return target == ErrReviewDecisionRequired
}

// errorCode maps an error to the stable code placed in the error envelope body.
func errorCode(err error) string {
	switch {
	case errors.Is(err, envelope.ErrMalformedEnvelope), errors.Is(err, envelope.ErrMissingField):
		return envelope.CodeMalformedEnvelope
	case errors.Is(err, workflow.ErrUnknownVerb):
		return envelope.CodeUnknownVerb
	case errors.Is(err, workflow.ErrUnknownStep), errors.Is(err, agents.ErrUnregisteredStep):
		return envelope.CodeUnknownStep
	case errors.Is(err, agents.ErrStepExecution):
		return envelope.CodeStepExecutionFailure
	case errors.Is(err, ErrHITLMaxRetriesExceeded):
		return envelope.CodeHITLMaxRetriesExceeded
	case errors.Is(err, ErrRequestClosed):
		return envelope.CodeRequestClosed
	case errors.Is(err, ErrReviewDecisionRequired):
		return envelope.CodeReviewDecisionRequired
	case errors.Is(err, ErrRateLimited):
		return envelope.CodeRateLimited
	default:
		return envelope.CodeInternal
	}
}
