package commbus

import (
	"strings"
)

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand represents fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// Request outcomes carried by RequestCompleted.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeClosed    = "closed"
	OutcomeError     = "error"
	OutcomeAbandoned = "abandoned"
	OutcomeCancelled = "cancelled"
)

// Notification is an event that can leave the process. Topic is the dotted
// event suffix and Session the session it belongs to.
type Notification interface {
	Message
	Topic() string
	Session() string
}

// =============================================================================
// REQUEST LIFECYCLE EVENTS
// =============================================================================

// RequestStarted is emitted when a session accepts a new request.
type RequestStarted struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Verb      string `json:"verb"`
	FastPath  bool   `json:"fast_path"`
}

func (m *RequestStarted) Category() string { return string(MessageCategoryEvent) }
func (m *RequestStarted) Topic() string    { return "request.started" }
func (m *RequestStarted) Session() string  { return m.SessionID }

// StepCompleted is emitted after each step's response envelope is sent.
type StepCompleted struct {
	SessionID  string  `json:"session_id"`
	RequestID  string  `json:"request_id"`
	Verb       string  `json:"verb"`
	Step       string  `json:"step"`
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	NextStep   string  `json:"next_step,omitempty"`
	DurationMS int64   `json:"duration_ms"`
}

func (m *StepCompleted) Category() string { return string(MessageCategoryEvent) }
func (m *StepCompleted) Topic() string    { return "step.completed" }
func (m *StepCompleted) Session() string  { return m.SessionID }

// ReviewRequested is emitted when a step says no and the request waits for a human.
type ReviewRequested struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Verb      string `json:"verb"`
	Step      string `json:"step"`
	Reason    string `json:"reason"`
	Retries   int    `json:"retries"`
}

func (m *ReviewRequested) Category() string { return string(MessageCategoryEvent) }
func (m *ReviewRequested) Topic() string    { return "review.requested" }
func (m *ReviewRequested) Session() string  { return m.SessionID }

// RequestCompleted is emitted once per request when it leaves the active states.
type RequestCompleted struct {
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id"`
	Verb       string `json:"verb"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func (m *RequestCompleted) Category() string { return string(MessageCategoryEvent) }
func (m *RequestCompleted) Topic() string    { return "request.completed" }
func (m *RequestCompleted) Session() string  { return m.SessionID }

// ArtifactChanged is the notification side-channel: a terminal path produced
// a durable artifact and views showing it should refresh.
type ArtifactChanged struct {
	SessionID string         `json:"session_id"`
	RequestID string         `json:"request_id"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (m *ArtifactChanged) Category() string { return string(MessageCategoryEvent) }
func (m *ArtifactChanged) Topic() string    { return "artifact.changed" }
func (m *ArtifactChanged) Session() string  { return m.SessionID }

// =============================================================================
// QUERIES
// =============================================================================

// GetRule looks up a registered rule by code. The handler returns a rules.Rule.
type GetRule struct {
	Code string `json:"code"`
}

func (m *GetRule) Category() string { return string(MessageCategoryQuery) }
func (m *GetRule) IsQuery()         {}

// =============================================================================
// COMMANDS
// =============================================================================

// ReloadWorkflows asks the workflow engine to reload its graph definitions.
type ReloadWorkflows struct {
	Reason string `json:"reason,omitempty"`
}

func (m *ReloadWorkflows) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// TypedMessage is an optional interface for messages that can provide their own type name.
type TypedMessage interface {
	Message
	MessageType() string
}

// NotificationTypes lists every event type that implements Notification.
var NotificationTypes = []string{
	"RequestStarted",
	"StepCompleted",
	"ReviewRequested",
	"RequestCompleted",
	"ArtifactChanged",
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *RequestStarted:
		return "RequestStarted"
	case *StepCompleted:
		return "StepCompleted"
	case *ReviewRequested:
		return "ReviewRequested"
	case *RequestCompleted:
		return "RequestCompleted"
	case *ArtifactChanged:
		return "ArtifactChanged"
	case *GetRule:
		return "GetRule"
	case *ReloadWorkflows:
		return "ReloadWorkflows"
	default:
		return "Unknown"
	}
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Subject returns the NATS subject a notification is published on:
// <prefix>.<session>.<topic>, with the session made token-safe.
func Subject(prefix string, n Notification) string {
	session := subjectReplacer.Replace(n.Session())
	if session == "" {
		session = "_"
	}
	return prefix + "." + session + "." + n.Topic()
}
