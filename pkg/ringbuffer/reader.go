package ringbuffer

import (
	"container/heap"
	"encoding/binary"
	"errors"
)

var (
	// ErrNoRings is returned when Start is called with no rings added.
	ErrNoRings = errors.New("ringbuffer: no rings available")
	// ErrNotActive is returned when Peek/Pop is used outside of a batch.
	ErrNotActive = errors.New("ringbuffer: reader is not active")
	// ErrAlreadyActive is returned when AddRing/Start is called on an
	// already-active reader.
	ErrAlreadyActive = errors.New("ringbuffer: reader is already active")
)

// TimestampedRecordType is the record type used for records that carry
// an 8-byte timestamp as the first 8 bytes of their payload (the
// work-chunk convention: u64 timestamp followed by a ring item). Any
// other record type is treated as most-urgent (timestamp 0), mirroring
// how non-sample records are handled.
const TimestampedRecordType uint32 = 1

type entry struct {
	timestamp uint64
	ringIndex int
}

type entryHeap struct {
	entries []entry
	size    int
}

func (h *entryHeap) Len() int { return h.size }
func (h *entryHeap) Less(i, j int) bool {
	return h.entries[i].timestamp < h.entries[j].timestamp
}
func (h *entryHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *entryHeap) Push(x interface{}) {
	h.entries[h.size] = x.(entry)
	h.size++
}
func (h *entryHeap) Pop() interface{} {
	h.size--
	return h.entries[h.size]
}

// Reader merges several Rings into one timestamp-ordered stream, used
// where a source element reads from more than one module's ring
// concurrently and must interleave them by the running timestamp each
// record carries.
type Reader struct {
	rings  []*Ring
	heap   entryHeap
	inHeap []bool
	active bool
}

// NewReader returns an empty multi-ring reader.
func NewReader() *Reader {
	return &Reader{
		rings:  make([]*Ring, 0),
		heap:   entryHeap{entries: make([]entry, 0)},
		inHeap: make([]bool, 0),
	}
}

// AddRing registers one more ring to merge across.
func (r *Reader) AddRing(ring *Ring) error {
	if r.active {
		return ErrAlreadyActive
	}
	r.rings = append(r.rings, ring)
	r.inHeap = append(r.inHeap, false)
	if cap(r.heap.entries) < len(r.rings) {
		grown := make([]entry, len(r.rings))
		copy(grown, r.heap.entries)
		r.heap.entries = grown
	}
	return nil
}

// Start begins a read batch across every ring and seeds the heap.
func (r *Reader) Start() error {
	if len(r.rings) == 0 {
		return ErrNoRings
	}
	if r.active {
		return ErrAlreadyActive
	}
	for i, ring := range r.rings {
		ring.StartReadBatch()
		if !r.inHeap[i] {
			r.maintainHeapEntry(i)
		}
	}
	r.active = true
	return nil
}

// Finish ends the current read batch.
func (r *Reader) Finish() error {
	if !r.active {
		return nil
	}
	for _, ring := range r.rings {
		ring.FinishReadBatch()
	}
	r.active = false
	return nil
}

// Empty reports whether no ring currently has a record queued.
func (r *Reader) Empty() bool {
	if !r.active {
		return true
	}
	return r.heap.size == 0
}

// PeekTimestamp returns the timestamp of the earliest queued record.
func (r *Reader) PeekTimestamp() (uint64, error) {
	if !r.active {
		return 0, ErrNotActive
	}
	if r.heap.size == 0 {
		return 0, ErrBufferEmpty
	}
	return r.heap.entries[0].timestamp, nil
}

// CurrentRing returns the ring holding the earliest queued record.
func (r *Reader) CurrentRing() (*Ring, error) {
	if !r.active {
		return nil, ErrNotActive
	}
	if r.heap.size == 0 {
		return nil, ErrBufferEmpty
	}
	return r.rings[r.heap.entries[0].ringIndex], nil
}

// Pop consumes the earliest queued record and re-seeds the heap entry
// for its ring.
func (r *Reader) Pop() error {
	if !r.active {
		return ErrNotActive
	}
	if r.heap.size == 0 {
		return ErrBufferEmpty
	}
	e := r.heap.entries[0]
	ring := r.rings[e.ringIndex]
	if err := ring.Pop(); err != nil {
		return err
	}
	r.maintainHeapEntry(e.ringIndex)
	return nil
}

// maintainHeapEntry refreshes ring idx's position in the heap after a
// Pop, or seeds it for the first time.
func (r *Reader) maintainHeapEntry(idx int) {
	ring := r.rings[idx]
	if r.inHeap[idx] && (r.heap.size == 0 || r.heap.entries[0].ringIndex != idx) {
		panic("ringbuffer: maintainHeapEntry called for a ring that is not the heap minimum")
	}

	if _, err := ring.PeekSize(); err != nil {
		if r.inHeap[idx] {
			heap.Remove(&r.heap, 0)
			r.inHeap[idx] = false
		}
		return
	}

	var ts uint64
	if ring.PeekType() == TimestampedRecordType {
		buf := make([]byte, 8)
		if err := ring.PeekCopy(buf, 0); err == nil {
			ts = binary.LittleEndian.Uint64(buf)
		}
	}

	e := entry{timestamp: ts, ringIndex: idx}
	if r.inHeap[idx] {
		r.heap.entries[0] = e
		heap.Fix(&r.heap, 0)
	} else {
		heap.Push(&r.heap, e)
		r.inHeap[idx] = true
	}
}
