package grpctransport

import (
	"context"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nscldaq-go/swtrigger/pkg/transport"
)

// PushServer is the distributed realization of a one-to-one or fan-in
// edge (Worker to Sorter, Sorter to Sink): each connected client stream
// forwards Frames straight onto a local transport.Transport. Several
// producer processes may connect concurrently (e.g. every distributed
// Worker process feeding one Sorter process), so Downstream.End is only
// called once every currently-connected stream has ended, not on the
// first one to finish.
type PushServer struct {
	Downstream transport.Transport

	mu     sync.Mutex
	active int
}

// NewPushServer returns a server forwarding onto downstream.
func NewPushServer(downstream transport.Transport) *PushServer {
	return &PushServer{Downstream: downstream}
}

// Frames implements streamHandler.
func (s *PushServer) Frames(stream grpc.ServerStream) error {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	defer s.disconnect()

	for {
		f, err := recvFrame(stream)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if len(f.Parts) == 0 {
			// The producer's own end-of-stream marker for this stream;
			// stop receiving from it, but leave Downstream open until
			// every sibling stream has also ended.
			return nil
		}
		if err := s.Downstream.Send(transport.Message(f.Parts)); err != nil {
			return err
		}
	}
}

func (s *PushServer) disconnect() {
	s.mu.Lock()
	s.active--
	done := s.active <= 0
	s.mu.Unlock()
	if done {
		s.Downstream.End()
	}
}

// Serve registers s on grpcServer under the hand-written service
// descriptor.
func (s *PushServer) Serve(grpcServer *grpc.Server) {
	register(grpcServer, s)
}

// PushClient is a transport.Transport realizing the producer side of a
// Push edge: Worker.Run and Sorter.Run only ever call Send and End on
// their Downstream, never Recv, so Recv here is an unreachable stub.
type PushClient struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream

	mu sync.Mutex
}

// DialPushClient opens a Push edge to a PushServer listening at addr.
// Extra dial options (e.g. a bufconn dialer for tests) are appended
// after the defaults.
func DialPushClient(ctx context.Context, addr string, opts ...grpc.DialOption) (*PushClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(frameCodec{})),
	}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, dialErr(addr, err)
	}
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], streamMethod)
	if err != nil {
		conn.Close()
		return nil, dialErr(addr, err)
	}
	return &PushClient{conn: conn, stream: stream}, nil
}

// Send forwards msg's parts as one Frame.
func (c *PushClient) Send(msg transport.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sendFrame(c.stream, &Frame{Parts: msg})
}

// Recv is never called: PushClient is only ever used as a Downstream.
func (c *PushClient) Recv() (transport.Message, error) {
	return nil, errRecvUnsupported
}

// End sends the empty-Frame end marker and half-closes the send side.
// It does not tear down the connection: the server-side stream handler
// needs the connection alive to finish draining the frame, and a
// PushClient is a one-shot object discarded by its caller right after.
func (c *PushClient) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := sendFrame(c.stream, &Frame{}); err != nil {
		return err
	}
	return c.stream.CloseSend()
}
