package grpctransport

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nscldaq-go/swtrigger/pkg/transport"
)

var errRecvUnsupported = errors.New("grpctransport: Recv not supported on this role")

// FanoutServer is the distributed realization of the Source to Worker
// fan-out edge: every connected Worker process pulls by sending a
// rank-addressed DataRequest Frame (ClientID set, Parts empty), and the
// server answers with the next message FanoutTransport.Pull routes to
// that rank — the same self-registering-by-client-id mechanism the
// in-process FanoutClient uses.
type FanoutServer struct {
	Upstream *transport.FanoutTransport
}

// NewFanoutServer returns a server pulling from upstream on behalf of
// however many remote client ranks connect.
func NewFanoutServer(upstream *transport.FanoutTransport) *FanoutServer {
	return &FanoutServer{Upstream: upstream}
}

// Frames implements streamHandler: one DataRequest in, one reply out,
// for as long as the remote rank keeps asking.
func (s *FanoutServer) Frames(stream grpc.ServerStream) error {
	for {
		req, err := recvFrame(stream)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		msg := s.Upstream.Pull(req.ClientID)
		if err := sendFrame(stream, &Frame{ClientID: req.ClientID, Parts: msg}); err != nil {
			return err
		}
	}
}

// Serve registers s on grpcServer under the hand-written service
// descriptor.
func (s *FanoutServer) Serve(grpcServer *grpc.Server) {
	register(grpcServer, s)
}

// FanoutPullClient is a transport.Transport realizing one rank's pull
// side of a fan-out edge: Worker.Run only ever calls Recv on its
// Upstream. Send is a no-op stub; End closes the connection.
type FanoutPullClient struct {
	id     uint64
	conn   *grpc.ClientConn
	stream grpc.ClientStream

	mu sync.Mutex
}

// DialFanoutPullClient opens a fan-out pull edge to a FanoutServer
// listening at addr, bound to the given rank. Extra dial options (e.g.
// a bufconn dialer for tests) are appended after the defaults.
func DialFanoutPullClient(ctx context.Context, addr string, rank uint64, opts ...grpc.DialOption) (*FanoutPullClient, error) {
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
	return &FanoutPullClient{id: rank, conn: conn, stream: stream}, nil
}

// Recv sends a DataRequest for this rank and blocks for the reply.
func (c *FanoutPullClient) Recv() (transport.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := sendFrame(c.stream, &Frame{ClientID: c.id}); err != nil {
		return nil, err
	}
	reply, err := recvFrame(c.stream)
	if err != nil {
		return nil, err
	}
	return transport.Message(reply.Parts), nil
}

// Send is never called: FanoutPullClient is only ever used as an
// Upstream.
func (c *FanoutPullClient) Send(transport.Message) error { return nil }

// End closes the connection; there is no producer-side end marker to
// send on a pull edge, since the server already answers every pull with
// an empty Frame once the upstream fan-out has ended.
func (c *FanoutPullClient) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
