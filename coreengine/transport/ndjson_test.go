package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/logging"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/rules"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/runtime"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/steps"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/workflow"
)

// =============================================================================
// HELPERS
// =============================================================================

func newSession(t *testing.T, id string) *runtime.Session {
	t.Helper()
	store, err := rules.NewMemoryStore(rules.Rule{Code: "LATE_SHIP", Name: "Late shipments", Logic: "shipped_at > promised_at"})
	require.NoError(t, err)
	reg, err := steps.NewRegistry(steps.Deps{Rules: store})
	require.NoError(t, err)
	engine, err := workflow.NewEngine(workflow.StaticLoader{})
	require.NoError(t, err)
	sup, err := runtime.NewSupervisor(runtime.Deps{
		Engine:   engine,
		Registry: reg,
		Rules:    store,
		Logger:   logging.NewNop(),
	}, runtime.Options{})
	require.NoError(t, err)

	sess := sup.NewSession(id)
	t.Cleanup(sess.Close)
	return sess
}

func encodeLine(t *testing.T, env *envelope.Envelope) string {
	t.Helper()
	data, err := envelope.Encode(env)
	require.NoError(t, err)
	return string(data) + "\n"
}

func requestLine(t *testing.T, sessionID, requestID, text string) string {
	t.Helper()
	env, err := envelope.NewRequest(
		envelope.Header{SessionID: sessionID, RequestID: requestID, Verb: envelope.VerbGeneric},
		envelope.DecisionNone,
		map[string]any{envelope.BodyKeyRawText: text},
	)
	require.NoError(t, err)
	return encodeLine(t, env)
}

func readAll(t *testing.T, out *bytes.Buffer) []*envelope.Envelope {
	t.Helper()
	var envs []*envelope.Envelope
	r := NewReader(out)
	for {
		env, err := r.Next()
		if errors.Is(err, io.EOF) {
			return envs
		}
		require.NoError(t, err)
		envs = append(envs, env)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("pipe closed") }

// =============================================================================
// READER / WRITER TESTS
// =============================================================================

func TestReaderSkipsBlankLines(t *testing.T) {
	input := "\n" + requestLine(t, "sess_a", "req_1", "hello") + "   \n" + requestLine(t, "sess_a", "req_2", "again")
	r := NewReader(strings.NewReader(input))

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "req_1", first.RequestID)

	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "req_2", second.RequestID)
	assert.Equal(t, 4, r.Line())

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderMalformedLineKeepsReading(t *testing.T) {
	input := "{not json}\n" + requestLine(t, "sess_a", "req_1", "hello")
	r := NewReader(strings.NewReader(input))

	_, err := r.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, envelope.ErrMalformedEnvelope)

	env, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "req_1", env.RequestID)
}

func TestReaderLineTooLong(t *testing.T) {
	r := NewReader(strings.NewReader(strings.Repeat("x", MaxLineBytes+1) + "\n" + requestLine(t, "sess_a", "req_1", "hi")))
	_, err := r.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, bufio.ErrTooLong)
	assert.ErrorIs(t, err, envelope.ErrMalformedEnvelope)

	var malformed *envelope.MalformedEnvelopeError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "$", malformed.Field)
	assert.True(t, r.Broken())
	assert.Equal(t, 1, r.Line())

	_, err = r.Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, envelope.ErrMalformedEnvelope)
}

func TestWriterFlushesBufferedOutput(t *testing.T) {
	var out bytes.Buffer
	buffered := bufio.NewWriter(&out)
	w := NewWriter(buffered)

	env, err := envelope.NewSuccess(envelope.Header{SessionID: "sess_a", RequestID: "req_1", Verb: envelope.VerbRule}, "done", nil)
	require.NoError(t, err)
	require.NoError(t, w.Emit(context.Background(), env))

	line := out.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	decoded, err := envelope.Decode([]byte(strings.TrimSpace(line)))
	require.NoError(t, err)
	assert.Equal(t, envelope.ReturnCodeTerminal, decoded.ReturnCode)
}

func TestWriterRespectsCancellation(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env, err := envelope.NewSuccess(envelope.Header{SessionID: "sess_a", RequestID: "req_1", Verb: envelope.VerbRule}, "done", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, w.Emit(ctx, env), context.Canceled)
	assert.Zero(t, out.Len())
}

// =============================================================================
// SERVE TESTS
// =============================================================================

func TestServeRunsRequestsInOrder(t *testing.T) {
	sess := newSession(t, "sess_cli")
	input := requestLine(t, "sess_cli", "req_1", "run LATE_SHIP") + requestLine(t, "sess_cli", "req_2", "hello there")

	var out bytes.Buffer
	err := Serve(context.Background(), strings.NewReader(input), &out, sess, "sess_cli", logging.NewNop())
	require.NoError(t, err)

	envs := readAll(t, &out)
	require.Len(t, envs, 7)
	for _, env := range envs[:6] {
		assert.Equal(t, "req_1", env.RequestID)
	}
	assert.Equal(t, envelope.ReturnCodeTerminal, envs[5].ReturnCode)
	assert.Equal(t, "req_2", envs[6].RequestID)
	assert.Equal(t, envelope.DecisionNo, envs[6].Decision)
}

func TestServeAnswersMalformedLines(t *testing.T) {
	sess := newSession(t, "sess_cli")
	input := `{"kind":"bogus","protocolVersion":"1.0.0"}` + "\n" + requestLine(t, "sess_cli", "req_1", "run LATE_SHIP")

	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), strings.NewReader(input), &out, sess, "sess_cli", logging.NewNop()))

	envs := readAll(t, &out)
	require.Len(t, envs, 7)
	assert.Equal(t, envelope.KindError, envs[0].Kind)
	assert.Equal(t, envelope.CodeMalformedEnvelope, envs[0].Body[envelope.BodyKeyErrorCode])
	assert.Equal(t, "sess_cli", envs[0].SessionID)
}

type countingHandler struct {
	calls int
}

func (h *countingHandler) Handle(context.Context, *envelope.Envelope, runtime.Emitter) error {
	h.calls++
	return nil
}

func TestServeAnswersOversizeLineThenStops(t *testing.T) {
	input := strings.Repeat("x", MaxLineBytes+1) + "\n" + requestLine(t, "sess_cli", "req_1", "run LATE_SHIP")
	h := &countingHandler{}

	var out bytes.Buffer
	err := Serve(context.Background(), strings.NewReader(input), &out, h, "sess_cli", logging.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, bufio.ErrTooLong)
	assert.Zero(t, h.calls)

	envs := readAll(t, &out)
	require.Len(t, envs, 1)
	assert.Equal(t, envelope.KindError, envs[0].Kind)
	assert.Equal(t, envelope.CodeMalformedEnvelope, envs[0].Body[envelope.BodyKeyErrorCode])
	assert.Equal(t, "sess_cli", envs[0].SessionID)
}

func TestServeStopsOnWriteFailure(t *testing.T) {
	sess := newSession(t, "sess_cli")
	input := requestLine(t, "sess_cli", "req_1", "run LATE_SHIP")

	err := Serve(context.Background(), strings.NewReader(input), failingWriter{}, sess, "sess_cli", logging.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipe closed")
}

func TestServeCancelled(t *testing.T) {
	sess := newSession(t, "sess_cli")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := Serve(ctx, strings.NewReader(requestLine(t, "sess_cli", "req_1", "run LATE_SHIP")), &out, sess, "sess_cli", logging.NewNop())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, out.Len())
}
