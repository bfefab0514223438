// Package envelope provides the wire envelope exchanged between clients and the supervisor.
//
// Every client/server message is an Envelope of one of three kinds (request,
// response, error). Envelopes are built once per step transition, encoded,
// sent and discarded; they are never mutated after construction.
package envelope

import (
	"fmt"
)

// Kind identifies which envelope variant an instance is.
type Kind string

const (
	// KindRequest is an inbound request or resume.
	KindRequest Kind = "request"
	// KindResponse is a per-step or terminal response.
	KindResponse Kind = "response"
	// KindError is a terminal failure.
	KindError Kind = "error"
)

// KindFromString parses a kind string.
func KindFromString(value string) (Kind, error) {
	switch Kind(value) {
	case KindRequest, KindResponse, KindError:
		return Kind(value), nil
	default:
		return "", fmt.Errorf("invalid kind '%s'. Must be one of: request, response, error", value)
	}
}

// Verb selects which workflow graph applies to a request.
type Verb string

const (
	// VerbRule drives the rule-authoring graph.
	VerbRule Verb = "RULE"
	// VerbContent drives the content-extraction graph.
	VerbContent Verb = "CONTENT"
	// VerbGeneric marks a request whose intent has not been classified yet.
	VerbGeneric Verb = "GENERIC"
)

// VerbFromString parses a canonical verb tag.
func VerbFromString(value string) (Verb, error) {
	switch Verb(value) {
	case VerbRule, VerbContent, VerbGeneric:
		return Verb(value), nil
	default:
		return "", fmt.Errorf("invalid verb '%s'. Must be one of: RULE, CONTENT, GENERIC", value)
	}
}

// IsPendingClassification reports whether the verb still needs the classifier.
func (v Verb) IsPendingClassification() bool {
	return v == VerbGeneric
}

// Decision is the binary outcome of a step.
type Decision string

const (
	// DecisionNone means no step has produced a decision yet. It is never encoded.
	DecisionNone Decision = ""
	DecisionYes  Decision = "yes"
	DecisionNo   Decision = "no"
)

// DecisionFromString parses a canonical decision string.
func DecisionFromString(value string) (Decision, error) {
	switch Decision(value) {
	case DecisionYes:
		return DecisionYes, nil
	case DecisionNo:
		return DecisionNo, nil
	default:
		return DecisionNone, fmt.Errorf("invalid decision '%s'. Must be one of: yes, no", value)
	}
}

// DecisionFromBool maps true to yes and false to no.
func DecisionFromBool(ok bool) Decision {
	if ok {
		return DecisionYes
	}
	return DecisionNo
}

// IsSet reports whether a decision is present.
func (d Decision) IsSet() bool {
	return d != DecisionNone
}

// Return codes carried by every envelope.
const (
	// ReturnCodeContinue means the request is still open (more steps, or waiting on review).
	ReturnCodeContinue = 0
	// ReturnCodeTerminal means the request finished without error.
	ReturnCodeTerminal = 1
	// ReturnCodeError means the request finished with an error.
	ReturnCodeError = -1
)
