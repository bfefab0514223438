package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/supervisor/commbus"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/config"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/logging"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/rules"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/transport"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var lateShip = rules.Rule{Code: "LATE_SHIP", Name: "Late shipments", Logic: "shipped_at > promised_at"}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Rules.Seed = []rules.Rule{lateShip}
	cfg.HTTP.Address = ""
	return cfg
}

func requestLine(t *testing.T, sessionID, requestID, text string) string {
	t.Helper()
	env, err := envelope.NewRequest(
		envelope.Header{SessionID: sessionID, RequestID: requestID, Verb: envelope.VerbGeneric},
		envelope.DecisionNone,
		map[string]any{envelope.BodyKeyRawText: text},
	)
	require.NoError(t, err)
	data, err := envelope.Encode(env)
	require.NoError(t, err)
	return string(data) + "\n"
}

func decodeAll(t *testing.T, out *bytes.Buffer) []*envelope.Envelope {
	t.Helper()
	var envs []*envelope.Envelope
	r := transport.NewReader(out)
	for {
		env, err := r.Next()
		if errors.Is(err, io.EOF) {
			return envs
		}
		require.NoError(t, err)
		envs = append(envs, env)
	}
}

// =============================================================================
// WIRING
// =============================================================================

func TestBuildAppDefaults(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(t), logging.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []envelope.Verb{envelope.VerbContent, envelope.VerbRule}, a.engine.Verbs())
	assert.Nil(t, a.watcher)
	assert.True(t, a.bus.HasHandler("GetRule"))
	assert.True(t, a.bus.HasHandler("ReloadWorkflows"))

	got, err := a.bus.QuerySync(context.Background(), &commbus.GetRule{Code: "LATE_SHIP"})
	require.NoError(t, err)
	assert.Equal(t, "Late shipments", got.(rules.Rule).Name)
}

func TestBuildAppSQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rules.DSN = filepath.Join(t.TempDir(), "rules.db")

	a, err := buildApp(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)

	listed, err := a.store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "LATE_SHIP", listed[0].Code)
	a.Close()

	// Seeds are upserted, so reopening the same database is idempotent.
	b, err := buildApp(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	defer b.Close()
	listed, err = b.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestBuildAppWorkflowFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`graphs:
  - verb: RULE
    entry: parseRuleRequest
    nodes:
      - step: parseRuleRequest
        on_yes: registerRule
      - step: registerRule
        on_yes: sendMessageToChat
`), 0o644))

	cfg := testConfig(t)
	cfg.Workflow.Path = path
	cfg.Workflow.Watch = true

	a, err := buildApp(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []envelope.Verb{envelope.VerbRule}, a.engine.Verbs())
	assert.NotNil(t, a.watcher)
}

func TestBuildAppRejectsUnknownStep(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`graphs:
  - verb: RULE
    entry: teleport
    nodes:
      - step: teleport
        on_yes: end
`), 0o644))

	cfg := testConfig(t)
	cfg.Workflow.Path = path

	_, err := buildApp(context.Background(), cfg, logging.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestBuildAppMissingWorkflowFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workflow.Path = filepath.Join(t.TempDir(), "absent.yaml")

	_, err := buildApp(context.Background(), cfg, logging.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load workflows")
}

// =============================================================================
// RUN COMMAND
// =============================================================================

func TestRunStdioWalksRequests(t *testing.T) {
	input := requestLine(t, "sess_cli", "req_1", "run LATE_SHIP") +
		"not json\n" +
		requestLine(t, "sess_cli", "req_2", "hello there")

	var out, logs bytes.Buffer
	err := runStdio(context.Background(), testConfig(t), "sess_cli", strings.NewReader(input), &out, &logs)
	require.NoError(t, err)

	envs := decodeAll(t, &out)
	require.Len(t, envs, 8)
	for _, env := range envs[:6] {
		assert.Equal(t, "req_1", env.RequestID)
	}
	assert.Equal(t, envelope.ReturnCodeTerminal, envs[5].ReturnCode)

	assert.Equal(t, envelope.KindError, envs[6].Kind)
	assert.Equal(t, "sess_cli", envs[6].SessionID)
	assert.Equal(t, envelope.CodeMalformedEnvelope, envs[6].Body[envelope.BodyKeyErrorCode])

	assert.Equal(t, "req_2", envs[7].RequestID)
	assert.Contains(t, logs.String(), "supervisor_ready")
	assert.Contains(t, logs.String(), "ndjson_line_rejected")
}

func TestRunCommandThroughCobra(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "supervisor.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`rules:
  seed:
    - code: LATE_SHIP
      name: Late shipments
      logic: shipped_at > promised_at
http:
  address: ""
`), 0o600))

	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetIn(strings.NewReader(requestLine(t, "sess_cli", "req_1", "run LATE_SHIP")))
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"run", "--config", cfgPath, "--session-id", "sess_cli", "--log-level", "debug"})

	require.NoError(t, root.Execute())
	envs := decodeAll(t, &out)
	require.Len(t, envs, 6)
	assert.Contains(t, errOut.String(), "ndjson_input_closed")
}

func TestRunCommandRejectsBadLogLevel(t *testing.T) {
	root := newRootCmd()
	root.SetIn(strings.NewReader(""))
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"run", "--config", filepath.Join(t.TempDir(), "none.yaml"), "--log-level", "loud"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

// =============================================================================
// COMMAND TREE
// =============================================================================

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0, len(root.Commands()))
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
		assert.NotEmpty(t, cmd.Short, cmd.Name())
	}
	assert.Subset(t, names, []string{"serve", "run", "version"})
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "protocol "+envelope.ProtocolVersion)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.GRPC.Address = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, runServe(ctx, cfg))
}
