package grpc

import (
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The session service is a single bidirectional stream. Every frame is a
// BytesValue holding one JSON-encoded envelope, so the service needs no
// generated code beyond the well-known wrapper type.
const (
	ServiceName       = "supervisor.v1.Supervisor"
	SessionStreamName = "Session"
	SessionMethod     = "/" + ServiceName + "/" + SessionStreamName

	// SessionIDHeader carries the session id in request and response metadata.
	SessionIDHeader = "x-session-id"
)

// SupervisorServer is the server API for the session service.
type SupervisorServer interface {
	Session(stream SessionStream) error
}

// SessionStream is the server side of one session stream.
type SessionStream interface {
	Send(frame *wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type sessionServerStream struct {
	grpc.ServerStream
}

func (s *sessionServerStream) Send(frame *wrapperspb.BytesValue) error {
	return s.ServerStream.SendMsg(frame)
}

func (s *sessionServerStream) Recv() (*wrapperspb.BytesValue, error) {
	frame := new(wrapperspb.BytesValue)
	if err := s.ServerStream.RecvMsg(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SupervisorServer).Session(&sessionServerStream{stream})
}

// ServiceDesc describes the session service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SupervisorServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    SessionStreamName,
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "supervisor/v1/supervisor.proto",
}

// RegisterSupervisorServer registers srv on s.
func RegisterSupervisorServer(s grpc.ServiceRegistrar, srv SupervisorServer) {
	s.RegisterService(&ServiceDesc, srv)
}
