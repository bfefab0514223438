package envelope

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is stamped on every envelope built by this process.
const ProtocolVersion = "1.0.0"

// protocolMajor must match the major component of every decoded envelope.
const protocolMajor = 1

// InternalKeyPrefix marks body keys that never leave the process.
const InternalKeyPrefix = "_"

// Well-known body keys.
const (
	BodyKeyRawText      = "rawText"
	BodyKeyResolvedCode = "resolvedCode"
	BodyKeyErrorCode    = "errorCode"
	BodyKeyFailedStep   = "failedStep"
)

var now = time.Now

// Envelope is the unit of exchange. Treat it as read-only after construction.
type Envelope struct {
	Kind            Kind           `json:"kind"`
	ProtocolVersion string         `json:"protocolVersion"`
	CreatedAtMillis int64          `json:"createdAtMillis"`
	SessionID       string         `json:"sessionId"`
	RequestID       string         `json:"requestId"`
	Verb            Verb           `json:"verb"`
	NextAgentHint   string         `json:"nextAgentHint"`
	ReturnCode      int            `json:"returnCode"`
	Decision        Decision       `json:"decision,omitempty"`
	Confidence      float64        `json:"confidence"`
	Reason          string         `json:"reason"`
	Body            map[string]any `json:"body"`
}

// Header carries the identity fields shared by every envelope of one request.
type Header struct {
	SessionID string
	RequestID string
	Verb      Verb
}

// Header returns the identity fields of e.
func (e *Envelope) Header() Header {
	return Header{SessionID: e.SessionID, RequestID: e.RequestID, Verb: e.Verb}
}

// WithVerb returns a copy of h with the verb replaced.
func (h Header) WithVerb(v Verb) Header {
	h.Verb = v
	return h
}

// IsTerminal reports whether no further envelopes follow for this request.
func (e *Envelope) IsTerminal() bool {
	return e.ReturnCode != ReturnCodeContinue
}

// RawText returns the request text carried in the body, if any.
func (e *Envelope) RawText() string {
	if e.Body == nil {
		return ""
	}
	s, _ := e.Body[BodyKeyRawText].(string)
	return s
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// NewRequest builds an inbound request envelope.
func NewRequest(h Header, decision Decision, body map[string]any) (*Envelope, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	if decision.IsSet() {
		if _, err := DecisionFromString(string(decision)); err != nil {
			return nil, err
		}
	}
	return &Envelope{
		Kind:            KindRequest,
		ProtocolVersion: ProtocolVersion,
		CreatedAtMillis: now().UnixMilli(),
		SessionID:       h.SessionID,
		RequestID:       h.RequestID,
		Verb:            h.Verb,
		ReturnCode:      ReturnCodeContinue,
		Decision:        decision,
		Body:            StripInternal(body),
	}, nil
}

// NewResponse builds a per-step response. decision, confidence and reason are required.
func NewResponse(h Header, decision Decision, confidence float64, reason, nextStep string, body map[string]any) (*Envelope, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	if err := validateOutcome(decision, confidence, reason); err != nil {
		return nil, err
	}
	return &Envelope{
		Kind:            KindResponse,
		ProtocolVersion: ProtocolVersion,
		CreatedAtMillis: now().UnixMilli(),
		SessionID:       h.SessionID,
		RequestID:       h.RequestID,
		Verb:            h.Verb,
		NextAgentHint:   nextStep,
		ReturnCode:      ReturnCodeContinue,
		Decision:        decision,
		Confidence:      confidence,
		Reason:          reason,
		Body:            StripInternal(body),
	}, nil
}

// NewTerminalResponse builds a response that closes the request without error,
// such as a classifier rejection or a reviewer closing a suspended request.
func NewTerminalResponse(h Header, decision Decision, confidence float64, reason string, body map[string]any) (*Envelope, error) {
	env, err := NewResponse(h, decision, confidence, reason, "", body)
	if err != nil {
		return nil, err
	}
	env.ReturnCode = ReturnCodeTerminal
	return env, nil
}

// NewSuccess builds the terminal success response of a completed walk.
func NewSuccess(h Header, reason string, body map[string]any) (*Envelope, error) {
	return NewTerminalResponse(h, DecisionYes, 1.0, reason, body)
}

// NewError builds a terminal error envelope. reason is required; code is stored
// in the body under BodyKeyErrorCode.
func NewError(h Header, reason, code string, body map[string]any) (*Envelope, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: reason", ErrMissingField)
	}
	out := StripInternal(body)
	if code != "" {
		out[BodyKeyErrorCode] = code
	}
	if h.Verb == "" {
		h.Verb = VerbGeneric
	}
	return &Envelope{
		Kind:            KindError,
		ProtocolVersion: ProtocolVersion,
		CreatedAtMillis: now().UnixMilli(),
		SessionID:       h.SessionID,
		RequestID:       h.RequestID,
		Verb:            h.Verb,
		ReturnCode:      ReturnCodeError,
		Reason:          reason,
		Body:            out,
	}, nil
}

func (h Header) validate() error {
	if h.SessionID == "" {
		return fmt.Errorf("%w: sessionId", ErrMissingField)
	}
	if h.RequestID == "" {
		return fmt.Errorf("%w: requestId", ErrMissingField)
	}
	if _, err := VerbFromString(string(h.Verb)); err != nil {
		return err
	}
	return nil
}

func validateOutcome(decision Decision, confidence float64, reason string) error {
	if !decision.IsSet() {
		return fmt.Errorf("%w: decision", ErrMissingField)
	}
	if _, err := DecisionFromString(string(decision)); err != nil {
		return err
	}
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("confidence %v outside [0, 1]", confidence)
	}
	if reason == "" {
		return fmt.Errorf("%w: reason", ErrMissingField)
	}
	return nil
}

// =============================================================================
// IDENTIFIERS AND VERSIONING
// =============================================================================

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return "sess_" + uuid.New().String()[:16]
}

// NewRequestID returns a fresh request identifier.
func NewRequestID() string {
	return "req_" + uuid.New().String()[:16]
}

// CheckVersion returns ErrIncompatibleVersion unless version shares this
// build's major component.
func CheckVersion(version string) error {
	major, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return fmt.Errorf("%w: cannot parse %q", ErrIncompatibleVersion, version)
	}
	if n != protocolMajor {
		return fmt.Errorf("%w: got major %d, want %d", ErrIncompatibleVersion, n, protocolMajor)
	}
	return nil
}

// =============================================================================
// BODY HELPERS
// =============================================================================

// IsInternalKey reports whether key must be stripped before crossing the boundary.
func IsInternalKey(key string) bool {
	return strings.HasPrefix(key, InternalKeyPrefix)
}

// StripInternal returns a deep copy of body without internal keys. The result is never nil.
func StripInternal(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if IsInternalKey(k) {
			continue
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

// CopyBody returns a deep copy of body, internal keys included.
func CopyBody(body map[string]any) map[string]any {
	return deepCopyAnyMap(body)
}

func deepCopyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyAnyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopyValue(item)
		}
		return result
	case []string:
		result := make([]string, len(val))
		copy(result, val)
		return result
	default:
		return v
	}
}
