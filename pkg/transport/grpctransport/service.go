package grpctransport

import (
	"fmt"

	"google.golang.org/grpc"
)

// serviceName and the method path below stand in for what
// protoc-gen-go-grpc would otherwise generate from a .proto file; there
// is none, so they are spelled out directly.
const serviceName = "swtrigger.transport.Edge"

const streamMethod = "/" + serviceName + "/Frames"

// streamHandler is the interface a grpc.ServiceDesc handler type needs;
// PushServer and FanoutServer both implement it.
type streamHandler interface {
	Frames(stream grpc.ServerStream) error
}

func framesHandler(srv any, stream grpc.ServerStream) error {
	return srv.(streamHandler).Frames(stream)
}

// serviceDesc is the hand-written equivalent of a protoc-gen-go-grpc
// _grpc.pb.go ServiceDesc: one bidirectional-streaming method, Frames,
// carrying Frame values under the pass-through codec registered in
// codec.go.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*streamHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Frames",
			Handler:       framesHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pkg/transport/grpctransport",
}

// register attaches srv's Frames method to s under the hand-written
// service descriptor.
func register(s *grpc.Server, srv streamHandler) {
	s.RegisterService(&serviceDesc, srv)
}

// recvFrame and sendFrame wrap grpc.ServerStream/grpc.ClientStream's
// SendMsg/RecvMsg, giving both server and client sides a typed Frame
// surface instead of repeating the any-typed calls everywhere.

type frameStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

func sendFrame(s frameStream, f *Frame) error {
	return s.SendMsg(f)
}

func recvFrame(s frameStream) (*Frame, error) {
	f := &Frame{}
	if err := s.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func dialErr(addr string, err error) error {
	return fmt.Errorf("grpctransport: dialing %s: %w", addr, err)
}
