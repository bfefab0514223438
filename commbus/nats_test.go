package commbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func receive(t *testing.T, ch chan *nats.Msg) *nats.Msg {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for NATS message")
		return nil
	}
}

func TestNATSBridgeForwardsNotifications(t *testing.T) {
	server := startTestNATSServer(t)
	pub := connect(t, server)
	sub := connect(t, server)

	msgs := make(chan *nats.Msg, 8)
	s, err := sub.ChanSubscribe("supervisor.>", msgs)
	require.NoError(t, err)
	defer func() { _ = s.Unsubscribe() }()
	require.NoError(t, sub.Flush())

	bus := newTestBus()
	bridge := NewNATSBridge(pub, "", nil)
	bridge.Attach(bus)
	defer bridge.Detach()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, &ArtifactChanged{
		SessionID: "sess_1",
		RequestID: "req_1",
		Name:      "rules",
		Payload:   map[string]any{"code": "LATE_SHIP"},
	}))
	require.NoError(t, bridge.Flush(ctx))

	msg := receive(t, msgs)
	assert.Equal(t, "supervisor.sess_1.artifact.changed", msg.Subject)

	var got ArtifactChanged
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "rules", got.Name)
	assert.Equal(t, "req_1", got.RequestID)
	assert.Equal(t, "LATE_SHIP", got.Payload["code"])
}

func TestNATSBridgeAttachSelectedTypes(t *testing.T) {
	server := startTestNATSServer(t)
	pub := connect(t, server)
	sub := connect(t, server)

	msgs := make(chan *nats.Msg, 8)
	_, err := sub.ChanSubscribe("events.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	bus := newTestBus()
	bridge := NewNATSBridge(pub, "events", nil)
	bridge.Attach(bus, "RequestCompleted")

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, &StepCompleted{SessionID: "s"}))
	require.NoError(t, bus.Publish(ctx, &RequestCompleted{SessionID: "s", Outcome: OutcomeSuccess}))
	require.NoError(t, bridge.Flush(ctx))

	msg := receive(t, msgs)
	assert.Equal(t, "events.s.request.completed", msg.Subject)

	select {
	case extra := <-msgs:
		t.Fatalf("unexpected message on %s", extra.Subject)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNATSBridgeDetach(t *testing.T) {
	server := startTestNATSServer(t)
	bus := newTestBus()
	bridge := NewNATSBridge(connect(t, server), "", nil)

	bridge.Attach(bus)
	for _, eventType := range NotificationTypes {
		assert.Equal(t, 1, bus.SubscriberCount(eventType), eventType)
	}

	bridge.Detach()
	for _, eventType := range NotificationTypes {
		assert.Equal(t, 0, bus.SubscriberCount(eventType), eventType)
	}
}

func TestNATSBridgeFlush(t *testing.T) {
	server := startTestNATSServer(t)
	bridge := NewNATSBridge(connect(t, server), "", nil)

	require.NoError(t, bridge.Flush(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bridge.Flush(ctx))

	closed := connect(t, server)
	closed.Close()
	err := NewNATSBridge(closed, "", nil).Flush(context.Background())
	var busErr *CommBusError
	require.ErrorAs(t, err, &busErr)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestNATSBridgePublishFailure(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	nc.Close()

	bridge := NewNATSBridge(nc, "", nil)
	_, err := bridge.forward(context.Background(), &ArtifactChanged{SessionID: "s"})

	var busErr *CommBusError
	require.True(t, errors.As(err, &busErr))
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestConnectNATS(t *testing.T) {
	server := startTestNATSServer(t)

	nc, err := ConnectNATS(server.ClientURL(), "supervisor-test", nil)
	require.NoError(t, err)
	defer nc.Close()
	assert.True(t, nc.IsConnected())
}
