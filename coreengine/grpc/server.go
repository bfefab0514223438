// Package grpc provides the gRPC transport for supervisor sessions.
// One bidirectional stream is one session: the client sends request
// envelopes and receives every envelope the supervisor emits, in order.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/runtime"
)

// Logger interface for the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// SessionServer implements SupervisorServer on top of a runtime.Supervisor.
type SessionServer struct {
	logger Logger
	sup    *runtime.Supervisor
}

// NewSessionServer creates a new session server.
func NewSessionServer(logger Logger, sup *runtime.Supervisor) *SessionServer {
	return &SessionServer{
		logger: logger,
		sup:    sup,
	}
}

// =============================================================================
// Session Stream
// =============================================================================

// Session serves one session until the client closes its send side or the
// stream context ends. Undecodable frames are answered with a
// malformed_envelope error envelope and the stream stays open.
func (s *SessionServer) Session(stream SessionStream) error {
	ctx := stream.Context()

	sessionID, err := sessionIDFromContext(ctx)
	if err != nil {
		return err
	}
	if err := stream.SendHeader(metadata.Pairs(SessionIDHeader, sessionID)); err != nil {
		return err
	}

	sess := s.sup.NewSession(sessionID)
	defer sess.Close()

	s.logger.Info("grpc_session_opened", "session_id", sessionID)

	emit := func(_ context.Context, env *envelope.Envelope) error {
		data, err := envelope.Encode(env)
		if err != nil {
			return Internal("encode envelope", err)
		}
		return stream.Send(wrapperspb.Bytes(data))
	}

	frames := 0
	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			s.logger.Info("grpc_session_closed", "session_id", sessionID, "frames", frames)
			return nil
		}
		if err != nil {
			return err
		}
		frames++

		env, err := envelope.Decode(frame.GetValue())
		if err != nil {
			s.logger.Warn("grpc_frame_rejected", "session_id", sessionID, "error", err.Error())
			reply, buildErr := envelope.NewError(envelope.Header{SessionID: sessionID}, err.Error(), envelope.CodeMalformedEnvelope, nil)
			if buildErr != nil {
				return Internal("build error envelope", buildErr)
			}
			if err := emit(ctx, reply); err != nil {
				return err
			}
			continue
		}

		if err := sess.Handle(ctx, env, emit); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				s.logger.Info("grpc_session_cancelled", "session_id", sessionID)
				return status.FromContextError(ctxErr).Err()
			}
			return err
		}
	}
}

// sessionIDFromContext returns the client-chosen session id, or a new one.
func sessionIDFromContext(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return envelope.NewSessionID(), nil
	}
	values := md.Get(SessionIDHeader)
	if len(values) == 0 || values[0] == "" {
		return envelope.NewSessionID(), nil
	}
	if err := validateSessionID(values[0]); err != nil {
		return "", err
	}
	return values[0], nil
}

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer wraps a gRPC server with graceful shutdown support.
// It listens for context cancellation and shuts down cleanly.
type GracefulServer struct {
	grpcServer    *grpc.Server
	sessionServer *SessionServer
	health        *health.Server
	address       string
	listener      net.Listener
	shutdownMu    sync.Mutex
	isShutdown    bool
}

// NewGracefulServer creates a new GracefulServer with interceptors. The
// standard gRPC health service is registered alongside the session service.
func NewGracefulServer(sessionServer *SessionServer, address string, opts ...grpc.ServerOption) (*GracefulServer, error) {
	if sessionServer == nil {
		return nil, fmt.Errorf("session server is required")
	}
	// Add default interceptors if none provided
	if len(opts) == 0 {
		opts = ServerOptions(sessionServer.logger)
	}

	grpcServer := grpc.NewServer(opts...)
	RegisterSupervisorServer(grpcServer, sessionServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return &GracefulServer{
		grpcServer:    grpcServer,
		sessionServer: sessionServer,
		health:        healthServer,
		address:       address,
	}, nil
}

// Start starts the server and blocks until ctx is cancelled.
// When ctx is cancelled, it performs graceful shutdown.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis and blocks until ctx is cancelled or the server fails.
func (s *GracefulServer) Serve(ctx context.Context, lis net.Listener) error {
	s.listener = lis

	s.sessionServer.logger.Info("grpc_graceful_server_started",
		"address", lis.Addr().String(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.sessionServer.logger.Info("grpc_graceful_shutdown_initiated",
			"reason", ctx.Err().Error(),
		)
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// GracefulStop gracefully stops the server.
// It stops accepting new connections and waits for existing ones to complete.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.sessionServer.logger.Info("grpc_graceful_stop_started")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.sessionServer.logger.Info("grpc_graceful_stop_completed")
}

// Stop immediately stops the server.
// Use GracefulStop for production; this is for emergency shutdown.
func (s *GracefulServer) Stop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.sessionServer.logger.Warn("grpc_immediate_stop")
	s.grpcServer.Stop()
}

// ShutdownWithTimeout performs graceful shutdown with a timeout.
// If shutdown doesn't complete within timeout, it forces an immediate stop.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})

	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		s.sessionServer.logger.Warn("grpc_graceful_shutdown_timeout",
			"timeout_ms", timeout.Milliseconds(),
		)
		s.grpcServer.Stop()
	}
}

// GetGRPCServer returns the underlying grpc.Server.
func (s *GracefulServer) GetGRPCServer() *grpc.Server {
	return s.grpcServer
}

// Address returns the server address.
func (s *GracefulServer) Address() string {
	return s.address
}
