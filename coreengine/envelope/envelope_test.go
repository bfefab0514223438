package envelope

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader() Header {
	return Header{SessionID: "sess-1", RequestID: "req-1", Verb: VerbRule}
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func TestNewRequest(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_123)
	now = func() time.Time { return frozen }
	defer func() { now = time.Now }()

	env, err := NewRequest(testHeader(), DecisionNone, map[string]any{"rawText": "run R1", "_session": "x"})
	require.NoError(t, err)

	assert.Equal(t, KindRequest, env.Kind)
	assert.Equal(t, ProtocolVersion, env.ProtocolVersion)
	assert.Equal(t, int64(1_700_000_000_123), env.CreatedAtMillis)
	assert.Equal(t, ReturnCodeContinue, env.ReturnCode)
	assert.Equal(t, map[string]any{"rawText": "run R1"}, env.Body)
}

func TestNewRequestValidation(t *testing.T) {
	_, err := NewRequest(Header{RequestID: "r", Verb: VerbRule}, DecisionNone, nil)
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = NewRequest(Header{SessionID: "s", Verb: VerbRule}, DecisionNone, nil)
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = NewRequest(Header{SessionID: "s", RequestID: "r", Verb: "SQL"}, DecisionNone, nil)
	assert.Error(t, err)

	_, err = NewRequest(testHeader(), Decision("perhaps"), nil)
	assert.Error(t, err)
}

func TestNewResponseRequiresOutcome(t *testing.T) {
	tests := []struct {
		name       string
		decision   Decision
		confidence float64
		reason     string
	}{
		{"missing decision", DecisionNone, 0.5, "because"},
		{"confidence above one", DecisionYes, 1.01, "because"},
		{"confidence below zero", DecisionYes, -0.01, "because"},
		{"missing reason", DecisionNo, 0.5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResponse(testHeader(), tt.decision, tt.confidence, tt.reason, "next", nil)
			assert.Error(t, err)
		})
	}
}

func TestNewResponseCopiesBody(t *testing.T) {
	body := map[string]any{"sql": "SELECT 1", "nested": map[string]any{"a": 1}}
	env, err := NewResponse(testHeader(), DecisionYes, 0.8, "generated", "validateRuleSql", body)
	require.NoError(t, err)

	body["sql"] = "DROP TABLE x"
	body["nested"].(map[string]any)["a"] = 2

	assert.Equal(t, "SELECT 1", env.Body["sql"])
	assert.Equal(t, 1, env.Body["nested"].(map[string]any)["a"])
	assert.Equal(t, "validateRuleSql", env.NextAgentHint)
	assert.False(t, env.IsTerminal())
}

func TestNewSuccessAndTerminal(t *testing.T) {
	success, err := NewSuccess(testHeader(), "rule registered", nil)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, success.Kind)
	assert.Equal(t, ReturnCodeTerminal, success.ReturnCode)
	assert.Equal(t, DecisionYes, success.Decision)
	assert.True(t, success.IsTerminal())

	rejected, err := NewTerminalResponse(testHeader(), DecisionNo, 0.3, "not a supported request", nil)
	require.NoError(t, err)
	assert.Equal(t, ReturnCodeTerminal, rejected.ReturnCode)
	assert.Equal(t, DecisionNo, rejected.Decision)
}

func TestNewError(t *testing.T) {
	env, err := NewError(Header{SessionID: "s", RequestID: "r"}, "step generateRuleSql failed: timeout", CodeStepExecutionFailure,
		map[string]any{BodyKeyFailedStep: "generateRuleSql"})
	require.NoError(t, err)

	assert.Equal(t, KindError, env.Kind)
	assert.Less(t, env.ReturnCode, 0)
	assert.Equal(t, VerbGeneric, env.Verb)
	assert.Equal(t, CodeStepExecutionFailure, env.Body[BodyKeyErrorCode])
	assert.Equal(t, "generateRuleSql", env.Body[BodyKeyFailedStep])
	assert.False(t, env.Decision.IsSet())

	_, err = NewError(testHeader(), "", CodeInternal, nil)
	assert.ErrorIs(t, err, ErrMissingField)
}

// =============================================================================
// IDS, VERSIONS, BODY
// =============================================================================

func TestIDs(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewSessionID(), "sess_"))
	assert.True(t, strings.HasPrefix(NewRequestID(), "req_"))
	assert.Len(t, NewRequestID(), len("req_")+16)
	assert.NotEqual(t, NewRequestID(), NewRequestID())
}

func TestCheckVersion(t *testing.T) {
	assert.NoError(t, CheckVersion("1.0.0"))
	assert.NoError(t, CheckVersion("1.99"))
	assert.ErrorIs(t, CheckVersion("0.9.0"), ErrIncompatibleVersion)
	assert.ErrorIs(t, CheckVersion("2.0.0"), ErrIncompatibleVersion)
	assert.ErrorIs(t, CheckVersion(""), ErrIncompatibleVersion)
}

func TestStripInternal(t *testing.T) {
	assert.Equal(t, map[string]any{}, StripInternal(nil))
	assert.Equal(t,
		map[string]any{"keep": "v"},
		StripInternal(map[string]any{"keep": "v", "_artifact": map[string]any{}, "__session": 1}),
	)
}

func TestParsers(t *testing.T) {
	v, err := VerbFromString("CONTENT")
	require.NoError(t, err)
	assert.Equal(t, VerbContent, v)
	assert.True(t, VerbGeneric.IsPendingClassification())
	assert.False(t, VerbRule.IsPendingClassification())

	d, err := DecisionFromString("no")
	require.NoError(t, err)
	assert.Equal(t, DecisionNo, d)
	assert.Equal(t, DecisionYes, DecisionFromBool(true))

	_, err = KindFromString("event")
	assert.Error(t, err)
}
