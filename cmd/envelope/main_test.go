// Package main provides tests for the envelope CLI.
//
// Commands run in-process through the cobra tree with stdin and stdout
// replaced by buffers.
package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/transport"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// runCLI executes the CLI with the given arguments and stdin, returning stdout
// and the exit code main would use.
func runCLI(t *testing.T, input string, args ...string) (string, int) {
	t.Helper()

	root := newRootCmd()
	var stdout bytes.Buffer
	root.SetIn(strings.NewReader(input))
	root.SetOut(&stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		return stdout.String(), 1
	}
	return stdout.String(), 0
}

// parseLines decodes every stdout line into a generic map.
func parseLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var results []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line: %s", line)
		results = append(results, m)
	}
	return results
}

func encoded(t *testing.T, env *envelope.Envelope) string {
	t.Helper()
	data, err := envelope.Encode(env)
	require.NoError(t, err)
	return string(data)
}

func sampleRequest(t *testing.T) *envelope.Envelope {
	t.Helper()
	env, err := envelope.NewRequest(
		envelope.Header{SessionID: "sess_1", RequestID: "req_1", Verb: envelope.VerbGeneric},
		envelope.DecisionNone,
		map[string]any{envelope.BodyKeyRawText: "run LATE_SHIP"},
	)
	require.NoError(t, err)
	return env
}

// =============================================================================
// VERSION COMMAND TESTS
// =============================================================================

func TestVersion(t *testing.T) {
	out, code := runCLI(t, "", "version")
	require.Equal(t, 0, code)

	results := parseLines(t, out)
	require.Len(t, results, 1)
	assert.Equal(t, Version, results[0]["version"])
	assert.Equal(t, envelope.ProtocolVersion, results[0]["protocol_version"])
	assert.Contains(t, results[0], "build_time")
}

// =============================================================================
// CREATE COMMAND TESTS
// =============================================================================

func TestCreateBasic(t *testing.T) {
	out, code := runCLI(t, `{"text":"run LATE_SHIP","sessionId":"sess_a","requestId":"req_a"}`, "create")
	require.Equal(t, 0, code, out)

	env, err := envelope.Decode([]byte(strings.TrimSpace(out)))
	require.NoError(t, err)
	assert.Equal(t, envelope.KindRequest, env.Kind)
	assert.Equal(t, "sess_a", env.SessionID)
	assert.Equal(t, "req_a", env.RequestID)
	assert.Equal(t, envelope.VerbGeneric, env.Verb)
	assert.Equal(t, "run LATE_SHIP", env.RawText())
	assert.Equal(t, envelope.ReturnCodeContinue, env.ReturnCode)
}

func TestCreateGeneratesIDs(t *testing.T) {
	out, code := runCLI(t, "", "create")
	require.Equal(t, 0, code, out)

	env, err := envelope.Decode([]byte(strings.TrimSpace(out)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(env.SessionID, "sess_"))
	assert.True(t, strings.HasPrefix(env.RequestID, "req_"))
}

func TestCreateResume(t *testing.T) {
	out, code := runCLI(t, `{"sessionId":"s","requestId":"r","verb":"CONTENT","decision":"yes","body":{"url":"https://example.com"}}`, "create")
	require.Equal(t, 0, code, out)

	env, err := envelope.Decode([]byte(strings.TrimSpace(out)))
	require.NoError(t, err)
	assert.Equal(t, envelope.VerbContent, env.Verb)
	assert.Equal(t, envelope.DecisionYes, env.Decision)
	assert.Equal(t, "https://example.com", env.Body["url"])
}

func TestCreateErrors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantCode string
	}{
		{"invalid json", `{not json`, "parse_error"},
		{"unknown verb", `{"verb":"DELETE"}`, "invalid_request"},
		{"unknown decision", `{"decision":"maybe"}`, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, code := runCLI(t, tt.input, "create")
			assert.Equal(t, 1, code)
			results := parseLines(t, out)
			require.Len(t, results, 1)
			assert.Equal(t, true, results[0]["error"])
			assert.Equal(t, tt.wantCode, results[0]["code"])
		})
	}
}

// =============================================================================
// VALIDATE COMMAND TESTS
// =============================================================================

func TestValidateStream(t *testing.T) {
	input := encoded(t, sampleRequest(t)) + "\n\n" +
		`{"kind":"request","protocolVersion":"9.0.0"}` + "\n" +
		`{"kind":"response","protocolVersion":"1.0.0","confidence":2}` + "\n"

	out, code := runCLI(t, input, "validate")
	require.Equal(t, 0, code)

	results := parseLines(t, out)
	require.Len(t, results, 3)

	assert.Equal(t, true, results[0]["valid"])
	assert.Equal(t, "request", results[0]["kind"])
	assert.Equal(t, "req_1", results[0]["requestId"])
	assert.EqualValues(t, 1, results[0]["line"])

	assert.Equal(t, false, results[1]["valid"])
	assert.Equal(t, "protocolVersion", results[1]["field"])
	assert.EqualValues(t, 3, results[1]["line"])

	assert.Equal(t, false, results[2]["valid"])
	assert.Equal(t, "confidence", results[2]["field"])
}

func TestValidateStrict(t *testing.T) {
	_, code := runCLI(t, encoded(t, sampleRequest(t))+"\n", "validate", "--strict")
	assert.Equal(t, 0, code)

	out, code := runCLI(t, "not json\n", "validate", "--strict")
	assert.Equal(t, 1, code)
	results := parseLines(t, out)
	require.Len(t, results, 1)
	assert.Equal(t, "$", results[0]["field"])
}

func TestValidateOversizeLineEndsStream(t *testing.T) {
	input := strings.Repeat("x", transport.MaxLineBytes+1) + "\n" + encoded(t, sampleRequest(t)) + "\n"

	out, code := runCLI(t, input, "validate", "--strict")
	assert.Equal(t, 1, code)

	results := parseLines(t, out)
	require.Len(t, results, 1)
	assert.Equal(t, false, results[0]["valid"])
	assert.Equal(t, "$", results[0]["field"])
	assert.EqualValues(t, 1, results[0]["line"])
}

func TestValidateEmptyInput(t *testing.T) {
	out, code := runCLI(t, "", "validate")
	assert.Equal(t, 0, code)
	assert.Empty(t, out)
}

// =============================================================================
// INSPECT COMMAND TESTS
// =============================================================================

func TestInspectRequest(t *testing.T) {
	out, code := runCLI(t, encoded(t, sampleRequest(t)), "inspect")
	require.Equal(t, 0, code, out)

	results := parseLines(t, out)
	require.Len(t, results, 1)
	assert.Equal(t, "request", results[0]["kind"])
	assert.Equal(t, false, results[0]["terminal"])
	assert.Equal(t, []any{envelope.BodyKeyRawText}, results[0]["bodyKeys"])
	assert.NotContains(t, results[0], "decision")
}

func TestInspectError(t *testing.T) {
	env, err := envelope.NewError(
		envelope.Header{SessionID: "sess_1", RequestID: "req_1", Verb: envelope.VerbRule},
		"step failed", envelope.CodeStepExecutionFailure, nil,
	)
	require.NoError(t, err)

	out, code := runCLI(t, encoded(t, env), "inspect")
	require.Equal(t, 0, code, out)

	results := parseLines(t, out)
	require.Len(t, results, 1)
	assert.Equal(t, "error", results[0]["kind"])
	assert.Equal(t, true, results[0]["terminal"])
	assert.EqualValues(t, envelope.ReturnCodeError, results[0]["returnCode"])
	assert.Equal(t, envelope.CodeStepExecutionFailure, results[0]["errorCode"])
}

func TestInspectMalformed(t *testing.T) {
	out, code := runCLI(t, `{"kind":"request"}`, "inspect")
	assert.Equal(t, 1, code)

	results := parseLines(t, out)
	require.Len(t, results, 1)
	assert.Equal(t, envelope.CodeMalformedEnvelope, results[0]["code"])
	assert.Contains(t, results[0]["message"], "protocolVersion")
}

// =============================================================================
// COMMAND TREE
// =============================================================================

func TestUnknownCommand(t *testing.T) {
	_, code := runCLI(t, "", "process")
	assert.Equal(t, 1, code)
}
