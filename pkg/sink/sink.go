// Package sink implements SinkElement: receives scatter/gather chunks
// from upstream (already in the work-chunk convention of a producer id
// followed by (timestamp, ring item) pairs), strips the per-item
// timestamp prefix, and writes the bare ring items to an output.
package sink

import (
	"encoding/binary"
	"fmt"

	"github.com/nscldaq-go/swtrigger/pkg/ringitem"
	"github.com/nscldaq-go/swtrigger/pkg/stats"
	"github.com/nscldaq-go/swtrigger/pkg/transport"
)

// Writer is the external collaborator a sink writes bare ring-item
// bytes to: an output transport, a file, a parquet table, and so on.
type Writer interface {
	WriteItem(raw []byte) error
	Close() error
}

// Element is the SinkElement processing element: it pulls chunks from
// upstream and forwards every ring item they carry to Writer, in
// order, discarding the timestamp prefix each item arrived with.
type Element struct {
	Upstream transport.Transport
	Out      Writer

	// Stats, when set, accumulates each written item's per-source
	// hit/byte counts into a sliding window. OnWindow, if also set, is
	// called with every window that slides out of range, letting the
	// caller publish or log a throughput summary.
	Stats    *stats.Aggregator
	OnWindow func(slots []*stats.TimeSlot)

	lastTimestamp map[uint32]uint64
}

// NewElement returns a sink bound to upstream and out.
func NewElement(upstream transport.Transport, out Writer) *Element {
	return &Element{
		Upstream:      upstream,
		Out:           out,
		lastTimestamp: make(map[uint32]uint64),
	}
}

// Run drains Upstream until end-of-stream, writing every ring item it
// carries, then closes Out.
func (e *Element) Run() error {
	for {
		msg, err := e.Upstream.Recv()
		if err != nil {
			e.Out.Close()
			return err
		}
		if msg == nil || msg.IsEnd() {
			return e.Out.Close()
		}

		// The first part is the producer id; the remainder are
		// (timestamp, ring item) pairs.
		for _, part := range msg[1:] {
			if len(part) < 8 {
				continue
			}
			ts := binary.LittleEndian.Uint64(part[0:8])
			raw := part[8:]
			if err := e.Out.WriteItem(raw); err != nil {
				return fmt.Errorf("sink: write failed: %w", err)
			}
			e.observe(ts, raw)
		}
	}
}

// observe feeds one written item into the throughput window, if Stats
// is configured. Items without a body header carry no source id to key
// the window by and are skipped.
func (e *Element) observe(ts uint64, raw []byte) {
	if e.Stats == nil {
		return
	}
	item, err := decodeForInspection(raw)
	if err != nil || item.BodyHeader == nil {
		return
	}
	module := item.BodyHeader.SourceID

	duration := uint64(1)
	if last, ok := e.lastTimestamp[module]; ok && ts > last {
		duration = ts - last
	}
	e.lastTimestamp[module] = ts

	completed := e.Stats.AdvanceWindow(ts)
	if err := e.Stats.UpdateMeasurement(&stats.Measurement{
		ModuleIndex: module,
		HitCount:    1,
		ByteCount:   uint64(len(raw)),
		Timestamp:   ts,
		Duration:    duration,
	}); err != nil {
		return
	}
	if len(completed) > 0 && e.OnWindow != nil {
		e.OnWindow(completed)
	}
}

// TransportWriter forwards bare ring items downstream over a
// Transport, one item per message part, ending the transport on Close.
type TransportWriter struct {
	downstream transport.Transport
}

// NewTransportWriter wraps downstream.
func NewTransportWriter(downstream transport.Transport) *TransportWriter {
	return &TransportWriter{downstream: downstream}
}

// WriteItem implements Writer.
func (w *TransportWriter) WriteItem(raw []byte) error {
	return w.downstream.Send(transport.Message{raw})
}

// Close implements Writer.
func (w *TransportWriter) Close() error {
	return w.downstream.End()
}

// decodeForInspection is used by writers that need structured fields
// (e.g. the parquet writer) rather than raw bytes.
func decodeForInspection(raw []byte) (*ringitem.Item, error) {
	item, _, err := ringitem.Decode(raw)
	return item, err
}
