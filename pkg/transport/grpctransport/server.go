package grpctransport

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// NewServer returns a grpc.Server forced onto the pass-through frame
// codec, so no message on this server is ever run through the default
// proto codec.
func NewServer() *grpc.Server {
	return grpc.NewServer(grpc.ForceServerCodec(encoding.GetCodec(codecName)))
}

// Listen opens addr for a grpc.Server to Serve on, matching the
// composer's need to bind a distributed-mode role's listen address
// before it can accept connections from its neighbors.
func Listen(addr string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpctransport: listening on %s: %w", addr, err)
	}
	return lis, nil
}
