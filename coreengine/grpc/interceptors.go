package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/observability"
)

// requestedSessionID returns the x-session-id the client asked for, if any.
// Validation happens in the session handler; this is for log fields only.
func requestedSessionID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(SessionIDHeader); len(values) > 0 {
		return values[0]
	}
	return ""
}

// logCall writes the outcome of one unary call or stream.
func logCall(logger Logger, event, method string, start time.Time, err error, fields ...any) {
	kv := append([]any{"method", method, "duration_ms", time.Since(start).Milliseconds()}, fields...)
	if err == nil {
		logger.Debug(event+"_completed", kv...)
		return
	}
	code := status.Code(err)
	kv = append(kv, "code", code.String(), "error", err.Error())
	// A client hanging up is routine for long-lived session streams.
	if code == codes.Canceled {
		logger.Debug(event+"_cancelled", kv...)
		return
	}
	logger.Error(event+"_failed", kv...)
}

// =============================================================================
// LOGGING INTERCEPTOR
// =============================================================================

// LoggingInterceptor logs unary calls (health checks).
func LoggingInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(logger, "grpc_request", info.FullMethod, start, err)
		return resp, err
	}
}

// StreamLoggingInterceptor logs the opening and the end of every session
// stream with the session id the client requested.
func StreamLoggingInterceptor(logger Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		sessionID := requestedSessionID(ss.Context())
		logger.Debug("grpc_stream_started",
			"method", info.FullMethod,
			"requested_session_id", sessionID,
		)
		err := handler(srv, ss)
		logCall(logger, "grpc_stream", info.FullMethod, start, err, "requested_session_id", sessionID)
		return err
	}
}

// =============================================================================
// RECOVERY INTERCEPTOR
// =============================================================================

// RecoveryHandler converts a recovered panic value into the RPC error.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns an Internal error. The panic value is logged,
// not sent to the client.
func DefaultRecoveryHandler(p any) error {
	return status.Error(codes.Internal, "internal error")
}

func recoverInto(logger Logger, handler RecoveryHandler, method string, err *error) {
	p := recover()
	if p == nil {
		return
	}
	logger.Error("grpc_panic_recovered",
		"method", method,
		"panic", fmt.Sprintf("%v", p),
		"stack", string(debug.Stack()),
	)
	*err = handler(p)
}

// RecoveryInterceptor turns panics in unary handlers into errors.
func RecoveryInterceptor(logger Logger, handler RecoveryHandler) grpc.UnaryServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer recoverInto(logger, handler, info.FullMethod, &err)
		return next(ctx, req)
	}
}

// StreamRecoveryInterceptor turns panics in stream handlers into errors. A
// panic ends the stream; the session it carried is abandoned.
func StreamRecoveryInterceptor(logger Logger, handler RecoveryHandler) grpc.StreamServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) (err error) {
		defer recoverInto(logger, handler, info.FullMethod, &err)
		return next(srv, ss)
	}
}

// =============================================================================
// METRICS INTERCEPTOR
// =============================================================================

// MetricsInterceptor records count and duration of unary calls by method and
// status code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return resp, err
	}
}

// StreamMetricsInterceptor records session stream count and lifetime by
// method and status code.
func StreamMetricsInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return err
	}
}

// =============================================================================
// SERVER OPTIONS BUILDER
// =============================================================================

// ServerOptions returns the default interceptor chain and OpenTelemetry stats
// handler. Recovery runs outermost so panics in the other interceptors are
// caught too.
func ServerOptions(logger Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger, nil),
			MetricsInterceptor(),
			LoggingInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor(logger, nil),
			StreamMetricsInterceptor(),
			StreamLoggingInterceptor(logger),
		),
	}
}
