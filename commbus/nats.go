package commbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the first subject token of every bridged event.
const DefaultSubjectPrefix = "supervisor"

// ConnectNATS dials url with reconnect settings suitable for a long-running
// supervisor. The returned connection is owned by the caller.
func ConnectNATS(url, name string, logger Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats_disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats_reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, &CommBusError{Message: fmt.Sprintf("connect to NATS at %s", url), Cause: err}
	}
	return nc, nil
}

// NATSBridge forwards notification events from a CommBus to NATS subjects
// of the form <prefix>.<session>.<topic>, JSON encoded.
type NATSBridge struct {
	conn   *nats.Conn
	prefix string
	logger Logger

	mu    sync.Mutex
	unsub []func()
}

// NewNATSBridge creates a bridge publishing on conn. An empty prefix uses
// DefaultSubjectPrefix.
func NewNATSBridge(conn *nats.Conn, prefix string, logger Logger) *NATSBridge {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &NATSBridge{conn: conn, prefix: prefix, logger: logger}
}

// Attach subscribes the bridge to eventTypes on bus, or to every
// NotificationTypes entry when none are given.
func (b *NATSBridge) Attach(bus CommBus, eventTypes ...string) {
	if len(eventTypes) == 0 {
		eventTypes = NotificationTypes
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.unsub = append(b.unsub, bus.Subscribe(t, b.forward))
	}
	b.logger.Info("nats_bridge_attached", "prefix", b.prefix, "events", eventTypes)
}

// Detach removes every subscription made by Attach.
func (b *NATSBridge) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range b.unsub {
		u()
	}
	b.unsub = nil
}

// DefaultFlushTimeout bounds Flush when ctx carries no deadline.
const DefaultFlushTimeout = 5 * time.Second

// Flush waits until the server has processed everything published so far.
// nats.go requires a deadline, so one of DefaultFlushTimeout is applied when
// ctx has none.
func (b *NATSBridge) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultFlushTimeout)
		defer cancel()
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return &CommBusError{Message: "flush NATS connection", Cause: err}
	}
	return nil
}

func (b *NATSBridge) forward(_ context.Context, msg Message) (any, error) {
	n, ok := msg.(Notification)
	if !ok {
		return nil, nil
	}

	subject := Subject(b.prefix, n)
	data, err := json.Marshal(n)
	if err != nil {
		return nil, &CommBusError{Message: "marshal " + GetMessageType(msg), Cause: err}
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return nil, &CommBusError{Message: "publish to " + subject, Cause: err}
	}
	return nil, nil
}
