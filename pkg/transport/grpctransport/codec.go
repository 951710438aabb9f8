// Package grpctransport realizes the Transport contract over gRPC
// bidirectional streaming for the distributed parallel strategy: each
// processing element runs as its own process, and edges that are an
// in-process channel under the threaded strategy become a gRPC stream
// here instead. There is no .proto file and no protoc-gen-go-grpc
// output — the wire format is a Transport Message's byte parts passed
// through unmodified, so a hand-registered service and a pass-through
// codec are all that is needed.
package grpctransport

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding package and selected on
// both ends via ForceServerCodec/ForceCodec, bypassing the default
// proto codec entirely.
const codecName = "swtrigger-frame"

// Frame is the only message type that ever crosses a grpctransport
// stream: a rank-addressed Transport Message. ClientID carries the
// DataRequest rank for fan-out pull edges; Push edges leave it zero.
type Frame struct {
	ClientID uint64
	Parts    [][]byte
}

// frameCodec implements encoding.Codec by writing/reading a Frame's
// fields directly, with no intermediate IDL — a pass-through codec, as
// opposed to a protoc-generated proto.Message marshaler.
type frameCodec struct{}

func init() {
	encoding.RegisterCodec(frameCodec{})
}

func (frameCodec) Name() string { return codecName }

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("grpctransport: Marshal: unsupported type %T", v)
	}
	return f.encode(), nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("grpctransport: Unmarshal: unsupported type %T", v)
	}
	return f.decode(data)
}

// encode lays out a Frame as: u64 client id, u32 part count, then each
// part as a u32 length prefix followed by its bytes.
func (f *Frame) encode() []byte {
	size := 8 + 4
	for _, p := range f.Parts {
		size += 4 + len(p)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], f.ClientID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(f.Parts)))
	off := 12
	for _, p := range f.Parts {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(p)))
		off += 4
		copy(buf[off:], p)
		off += len(p)
	}
	return buf
}

func (f *Frame) decode(buf []byte) error {
	if len(buf) < 12 {
		return fmt.Errorf("grpctransport: frame too short for header: have %d bytes", len(buf))
	}
	f.ClientID = binary.LittleEndian.Uint64(buf[0:8])
	n := binary.LittleEndian.Uint32(buf[8:12])
	cur := buf[12:]
	parts := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(cur) < 4 {
			return fmt.Errorf("grpctransport: truncated part length at index %d", i)
		}
		partLen := binary.LittleEndian.Uint32(cur[0:4])
		cur = cur[4:]
		if uint32(len(cur)) < partLen {
			return fmt.Errorf("grpctransport: truncated part %d: want %d bytes, have %d", i, partLen, len(cur))
		}
		parts = append(parts, append([]byte(nil), cur[:partLen]...))
		cur = cur[partLen:]
	}
	f.Parts = parts
	return nil
}
