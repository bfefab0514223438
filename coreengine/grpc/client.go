package grpc

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
)

// Client opens supervisor sessions over one connection.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for target. Without options the connection is
// plaintext and traced with otelgrpc.
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// OpenSession starts a session stream. An empty sessionID lets the server
// choose one. The stream lives until ctx is cancelled or CloseSend is called
// and the server finishes.
func (c *Client) OpenSession(ctx context.Context, sessionID string) (*SessionClient, error) {
	if sessionID != "" {
		ctx = ContextWithSessionID(ctx, sessionID)
	}
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], SessionMethod)
	if err != nil {
		return nil, err
	}
	header, err := stream.Header()
	if err != nil {
		return nil, err
	}
	if values := header.Get(SessionIDHeader); len(values) > 0 {
		sessionID = values[0]
	}
	return &SessionClient{stream: stream, sessionID: sessionID}, nil
}

// SessionClient is the client side of one session stream. Send and Recv may
// be called from different goroutines.
type SessionClient struct {
	stream    grpc.ClientStream
	sessionID string
	sendMu    sync.Mutex
}

// SessionID returns the id the server assigned or accepted.
func (s *SessionClient) SessionID() string {
	return s.sessionID
}

// Header returns the response metadata.
func (s *SessionClient) Header() (metadata.MD, error) {
	return s.stream.Header()
}

// Send encodes env and sends it.
func (s *SessionClient) Send(env *envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw sends an already encoded frame.
func (s *SessionClient) SendRaw(data []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.SendMsg(wrapperspb.Bytes(data))
}

// Recv blocks for the next envelope from the server.
func (s *SessionClient) Recv() (*envelope.Envelope, error) {
	frame := new(wrapperspb.BytesValue)
	if err := s.stream.RecvMsg(frame); err != nil {
		return nil, err
	}
	return envelope.Decode(frame.GetValue())
}

// CloseSend tells the server no more envelopes follow.
func (s *SessionClient) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.CloseSend()
}
