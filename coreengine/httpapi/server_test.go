package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/supervisor/commbus"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/logging"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/rules"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/runtime"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/steps"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/transport"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/workflow"
)

// =============================================================================
// HELPERS
// =============================================================================

type testServer struct {
	server  *Server
	manager *runtime.SessionManager
	bus     *commbus.InMemoryCommBus
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logging.NewNop()

	store, err := rules.NewMemoryStore(rules.Rule{Code: "LATE_SHIP", Name: "Late shipments", Logic: "shipped_at > promised_at"})
	require.NoError(t, err)
	reg, err := steps.NewRegistry(steps.Deps{Rules: store})
	require.NoError(t, err)
	engine, err := workflow.NewEngine(workflow.StaticLoader{})
	require.NoError(t, err)

	bus := commbus.NewInMemoryCommBus(time.Second)
	require.NoError(t, runtime.RegisterBusHandlers(bus, store, engine, workflow.StaticLoader{}, logger))

	sup, err := runtime.NewSupervisor(runtime.Deps{
		Engine:   engine,
		Registry: reg,
		Rules:    store,
		Bus:      bus,
		Logger:   logger,
	}, runtime.Options{})
	require.NoError(t, err)

	manager := runtime.NewSessionManager(sup, runtime.DefaultManagerConfig())
	t.Cleanup(manager.CloseAll)

	server, err := NewServer(Deps{Manager: manager, Engine: engine, Bus: bus, Logger: logger}, nil)
	require.NoError(t, err)
	return &testServer{server: server, manager: manager, bus: bus}
}

func (ts *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, MIMEApplicationNDJSON)
	}
	rec := httptest.NewRecorder()
	ts.server.echo.ServeHTTP(rec, req)
	return rec
}

func requestLine(t *testing.T, sessionID, requestID string, verb envelope.Verb, decision envelope.Decision, text string) string {
	t.Helper()
	env, err := envelope.NewRequest(
		envelope.Header{SessionID: sessionID, RequestID: requestID, Verb: verb},
		decision,
		map[string]any{envelope.BodyKeyRawText: text},
	)
	require.NoError(t, err)
	data, err := envelope.Encode(env)
	require.NoError(t, err)
	return string(data) + "\n"
}

func decodeStream(t *testing.T, body string) []*envelope.Envelope {
	t.Helper()
	r := transport.NewReader(strings.NewReader(body))
	var out []*envelope.Envelope
	for {
		env, err := r.Next()
		if err != nil {
			return out
		}
		out = append(out, env)
	}
}

// =============================================================================
// CONSTRUCTOR TESTS
// =============================================================================

func TestNewServer(t *testing.T) {
	t.Run("requires manager and engine", func(t *testing.T) {
		_, err := NewServer(Deps{Logger: logging.NewNop()}, nil)
		assert.Error(t, err)
	})

	t.Run("requires logger", func(t *testing.T) {
		ts := setupTestServer(t)
		_, err := NewServer(Deps{Manager: ts.manager, Engine: ts.server.engine}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("uses default address", func(t *testing.T) {
		ts := setupTestServer(t)
		assert.Equal(t, "localhost:8080", ts.server.config.Address)
	})
}

// =============================================================================
// READ-ONLY ENDPOINTS
// =============================================================================

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)
	ts.manager.Open("sess_a")

	rec := ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Sessions)
}

func TestHandleMetrics(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "supervisor_active_sessions")
}

func TestHandleWorkflows(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("lists verbs", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/workflows", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		var resp WorkflowsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, []envelope.Verb{envelope.VerbContent, envelope.VerbRule}, resp.Verbs)
	})

	t.Run("returns a graph", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/workflows/RULE", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		var graph workflow.Graph
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &graph))
		assert.Equal(t, workflow.StepParseRuleRequest, graph.Entry)
		assert.Len(t, graph.Nodes, 5)
	})

	t.Run("unknown verb string", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/workflows/DELETE", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("verb without a graph", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/workflows/GENERIC", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("reload", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/api/v1/workflows/reload", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHandleGetRule(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/rules/LATE_SHIP", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var rule rules.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(t, "Late shipments", rule.Name)

	rec = ts.do(http.MethodGet, "/api/v1/rules/NOPE", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndpointsWithoutBus(t *testing.T) {
	ts := setupTestServer(t)
	server, err := NewServer(Deps{Manager: ts.manager, Engine: ts.server.engine, Logger: logging.NewNop()}, nil)
	require.NoError(t, err)

	for _, target := range []string{"/api/v1/rules/LATE_SHIP", "/api/v1/sessions/sess_a/events"} {
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
	}
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workflows/reload", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// =============================================================================
// SESSION ENDPOINTS
// =============================================================================

func TestSessionLifecycle(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var st runtime.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.NotEmpty(t, st.SessionID)
	assert.Equal(t, runtime.StateIdle, st.State)

	rec = ts.do(http.MethodGet, "/api/v1/sessions/"+st.SessionID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodDelete, "/api/v1/sessions/"+st.SessionID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/sessions/"+st.SessionID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(http.MethodDelete, "/api/v1/sessions/"+st.SessionID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleEnvelopesStreamsWalk(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/sessions/sess_http/envelopes",
		requestLine(t, "sess_http", "req_1", envelope.VerbGeneric, envelope.DecisionNone, "run LATE_SHIP"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MIMEApplicationNDJSON, rec.Header().Get(echo.HeaderContentType))

	envs := decodeStream(t, rec.Body.String())
	require.Len(t, envs, 6)
	assert.Equal(t, envelope.ReturnCodeTerminal, envs[5].ReturnCode)
	assert.Equal(t, []string{"sess_http"}, ts.manager.IDs())
}

func TestHandleEnvelopesAcrossRequests(t *testing.T) {
	ts := setupTestServer(t)
	target := "/api/v1/sessions/sess_hitl/envelopes"

	// The session survives between HTTP calls, so a review can be resumed.
	rec := ts.do(http.MethodPost, target, requestLine(t, "sess_hitl", "req_1", envelope.VerbContent, envelope.DecisionNone, ""))
	envs := decodeStream(t, rec.Body.String())
	require.Len(t, envs, 1)
	assert.Equal(t, envelope.DecisionNo, envs[0].Decision)

	rec = ts.do(http.MethodGet, "/api/v1/sessions/sess_hitl", "")
	var st runtime.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, runtime.StateAwaitingReview, st.State)
	assert.Equal(t, workflow.StepFetchContent, st.Step)

	rec = ts.do(http.MethodPost, target, requestLine(t, "sess_hitl", "req_1", envelope.VerbContent, envelope.DecisionYes, "Acme Corp acquired Widget Labs"))
	envs = decodeStream(t, rec.Body.String())
	require.Len(t, envs, 6)
	assert.Equal(t, envelope.ReturnCodeTerminal, envs[5].ReturnCode)
}

func TestHandleEnvelopesRejectsBadLines(t *testing.T) {
	ts := setupTestServer(t)

	body := "{broken\n" +
		requestLine(t, "sess_other", "req_1", envelope.VerbGeneric, envelope.DecisionNone, "run LATE_SHIP") +
		requestLine(t, "sess_http", "req_2", envelope.VerbGeneric, envelope.DecisionNone, "hello there")
	rec := ts.do(http.MethodPost, "/api/v1/sessions/sess_http/envelopes", body)

	envs := decodeStream(t, rec.Body.String())
	require.Len(t, envs, 3)
	for _, env := range envs[:2] {
		assert.Equal(t, envelope.KindError, env.Kind)
		assert.Equal(t, envelope.CodeMalformedEnvelope, env.Body[envelope.BodyKeyErrorCode])
		assert.Equal(t, "sess_http", env.SessionID)
	}
	assert.Equal(t, "req_2", envs[2].RequestID)
	assert.NotContains(t, ts.manager.IDs(), "sess_other")
}

func TestHandleEnvelopesAnswersOversizeLine(t *testing.T) {
	ts := setupTestServer(t)

	body := strings.Repeat("x", transport.MaxLineBytes+1) + "\n" +
		requestLine(t, "sess_http", "req_1", envelope.VerbGeneric, envelope.DecisionNone, "run LATE_SHIP")
	rec := ts.do(http.MethodPost, "/api/v1/sessions/sess_http/envelopes", body)

	envs := decodeStream(t, rec.Body.String())
	require.Len(t, envs, 1)
	assert.Equal(t, envelope.KindError, envs[0].Kind)
	assert.Equal(t, envelope.CodeMalformedEnvelope, envs[0].Body[envelope.BodyKeyErrorCode])
	assert.Equal(t, "sess_http", envs[0].SessionID)
	assert.Equal(t, 0, ts.manager.Len())
}

func TestHandleEvents(t *testing.T) {
	ts := setupTestServer(t)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/sessions/sess_sse/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))

	require.Eventually(t, func() bool {
		return ts.bus.SubscriberCount("ArtifactChanged") > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ts.bus.Publish(ctx, &commbus.ArtifactChanged{SessionID: "someone_else", Name: "rules"}))
	require.NoError(t, ts.bus.Publish(ctx, &commbus.ArtifactChanged{SessionID: "sess_sse", RequestID: "req_1", Name: "rules"}))

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.Equal(t, "event: artifact.changed", scanner.Text())
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), `"session_id":"sess_sse"`)
	assert.Contains(t, scanner.Text(), `"request_id":"req_1"`)
}
