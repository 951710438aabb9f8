// Package source implements RingItemSourceElement: reads ring items
// from an upstream byte source, attaches a running timestamp to each,
// batches them into fixed-size chunks, and pushes the chunks to a
// fan-out transport.
package source

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nscldaq-go/swtrigger/pkg/ringitem"
	"github.com/nscldaq-go/swtrigger/pkg/transport"
)

// UpstreamSource is the external collaborator this element reads raw
// ring items from: a ring-buffer reader, a file reader, or similar.
// Recv returning (nil, nil) signals clean end-of-stream. When the
// element has a Backoff, every error Recv returns is retried, up to
// MaxRetries consecutive failures; no error kind (context cancellation
// included) is exempt.
type UpstreamSource interface {
	Recv() ([]byte, error)
}

// Element is the RingItemSourceElement processing element (spec §4.5).
type Element struct {
	Upstream   UpstreamSource
	Fanout     *transport.FanoutTransport
	ClumpSize  int // chunk size in ring items
	ProducerID uint32

	// Backoff governs retries against a flaky upstream (e.g. a
	// ring-buffer reader still waiting on a producer). Nil disables
	// retries entirely; a transient Recv error is then fatal.
	// MaxRetries bounds how many consecutive failed Recv calls are
	// retried before giving up (0 means unlimited).
	Backoff    *backoff.ExponentialBackOff
	MaxRetries int

	runningTimestamp uint64
	chunk            [][]byte // encoded (ts, ring item) pairs
}

// NewElement returns a source element with a default retry policy
// grounded in the teacher's backoff usage for flaky upstreams.
func NewElement(upstream UpstreamSource, fanout *transport.FanoutTransport, clumpSize int, producerID uint32) *Element {
	return &Element{
		Upstream:   upstream,
		Fanout:     fanout,
		ClumpSize:  clumpSize,
		ProducerID: producerID,
		Backoff: &backoff.ExponentialBackOff{
			InitialInterval:     backoff.DefaultInitialInterval,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         5 * time.Second,
		},
		MaxRetries: 10,
	}
}

// Run reads ring items until the upstream signals end-of-stream,
// chunking and pushing them to the fan-out, then flushes any partial
// chunk and ends the fan-out.
func (e *Element) Run() error {
	for {
		raw, err := e.recvWithRetry()
		if err != nil {
			e.flush()
			e.Fanout.End()
			return err
		}
		if raw == nil {
			e.flush()
			return e.Fanout.End()
		}

		item, _, err := ringitem.Decode(raw)
		if err != nil {
			// Corrupt record: skip it with a diagnostic, per the
			// pipeline's documented non-goal of mid-fragment recovery.
			log.Printf("source: dropping corrupt ring item: %v", err)
			continue
		}
		e.updateTimestamp(item)
		e.appendToChunk(item, raw)

		if len(e.chunk) >= e.ClumpSize {
			if err := e.pushChunk(); err != nil {
				return err
			}
		}
	}
}

func (e *Element) recvWithRetry() ([]byte, error) {
	if e.Backoff == nil {
		return e.Upstream.Recv()
	}
	e.Backoff.Reset()
	var lastErr error
	for attempt := 0; e.MaxRetries == 0 || attempt < e.MaxRetries; attempt++ {
		raw, err := e.Upstream.Recv()
		if err == nil {
			return raw, nil
		}
		lastErr = err
		time.Sleep(e.Backoff.NextBackOff())
	}
	return nil, fmt.Errorf("source: upstream exhausted retries: %w", lastErr)
}

// updateTimestamp maintains the running timestamp: reset to zero on a
// stream-format marker, else adopted from a non-null body header
// timestamp, else left unchanged (carried forward from the last item
// that had one).
func (e *Element) updateTimestamp(item *ringitem.Item) {
	if item.Type == ringitem.TypeRingFormat {
		e.runningTimestamp = 0
		return
	}
	if item.BodyHeader != nil && item.BodyHeader.Timestamp != ringitem.NullTimestamp {
		e.runningTimestamp = item.BodyHeader.Timestamp
	}
}

func (e *Element) appendToChunk(item *ringitem.Item, raw []byte) {
	_ = item
	pair := make([]byte, 8+len(raw))
	binary.LittleEndian.PutUint64(pair[0:8], e.runningTimestamp)
	copy(pair[8:], raw)
	e.chunk = append(e.chunk, pair)
}

func (e *Element) pushChunk() error {
	if len(e.chunk) == 0 {
		return nil
	}
	msg := make(transport.Message, 0, 1+len(e.chunk))
	msg = append(msg, idBytes(e.ProducerID))
	msg = append(msg, e.chunk...)
	e.chunk = nil
	return e.Fanout.Push(msg)
}

func (e *Element) flush() {
	e.pushChunk()
}

func idBytes(id uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, id)
	return b
}
