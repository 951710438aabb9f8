// Package hitmanager implements HitManager: a globally time-ordered
// queue of hits built by k-way merging per-module sorted deques, with a
// sliding emission window.
package hitmanager

import (
	"container/heap"
	"sort"

	"github.com/nscldaq-go/swtrigger/pkg/hit"
)

// Manager maintains sorted_hits and the emission window logic described
// in the k-way-merge-then-back-splice design.
type Manager struct {
	emitWindowNs float64
	sortedHits   []hit.Hit
	flushing     bool
}

// New returns a Manager with the given emission window, in nanoseconds.
func New(emitWindowNs float64) *Manager {
	return &Manager{emitWindowNs: emitWindowNs}
}

// SetFlushing toggles flush mode: when true, HaveHit returns true
// whenever the queue is non-empty (used at end-of-run to drain
// everything regardless of window width).
func (m *Manager) SetFlushing(flushing bool) {
	m.flushing = flushing
}

// Len reports the number of hits currently queued.
func (m *Manager) Len() int {
	return len(m.sortedHits)
}

// heapItem tracks one per-module deque's current front during the
// k-way merge.
type heapItem struct {
	deque []hit.Hit
}

type mergeHeap []heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return h[i].deque[0].View.Timestamp < h[j].deque[0].View.Timestamp
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// AddHits accepts one per-module slice of hits per call; each slice is
// sorted in place by timestamp, the slices are k-way merged via a
// min-heap into one sorted run, and that run is spliced into
// sortedHits using the O(1)-in-steady-state back-splice optimization.
func (m *Manager) AddHits(perModule [][]hit.Hit) {
	h := &mergeHeap{}
	heap.Init(h)
	for _, deque := range perModule {
		if len(deque) == 0 {
			continue
		}
		sort.Slice(deque, func(i, j int) bool {
			return deque[i].View.Timestamp < deque[j].View.Timestamp
		})
		heap.Push(h, heapItem{deque: deque})
	}

	merged := make([]hit.Hit, 0)
	for h.Len() > 0 {
		top := (*h)[0]
		merged = append(merged, top.deque[0])
		rest := top.deque[1:]
		if len(rest) == 0 {
			heap.Pop(h)
		} else {
			(*h)[0].deque = rest
			heap.Fix(h, 0)
		}
	}

	m.spliceMerge(merged)
}

// spliceMerge merges the new sorted run into sortedHits. If the run
// begins no earlier than the existing tail, it is simply appended
// (O(1)); otherwise the minimal suffix of sortedHits that overlaps the
// new run's range is popped off, the two sorted ranges are merged, and
// the result is appended back.
func (m *Manager) spliceMerge(newHits []hit.Hit) {
	if len(newHits) == 0 {
		return
	}
	if len(m.sortedHits) == 0 {
		m.sortedHits = newHits
		return
	}
	tail := m.sortedHits[len(m.sortedHits)-1]
	if tail.View.Timestamp <= newHits[0].View.Timestamp {
		m.sortedHits = append(m.sortedHits, newHits...)
		return
	}

	// Pop from the back until the remaining tail is <= newHits[0]'s ts.
	splitAt := len(m.sortedHits)
	for splitAt > 0 && m.sortedHits[splitAt-1].View.Timestamp > newHits[0].View.Timestamp {
		splitAt--
	}
	overlap := m.sortedHits[splitAt:]
	base := m.sortedHits[:splitAt:splitAt]

	merged := make([]hit.Hit, 0, len(overlap)+len(newHits))
	i, j := 0, 0
	for i < len(overlap) && j < len(newHits) {
		if overlap[i].View.Timestamp <= newHits[j].View.Timestamp {
			merged = append(merged, overlap[i])
			i++
		} else {
			merged = append(merged, newHits[j])
			j++
		}
	}
	merged = append(merged, overlap[i:]...)
	merged = append(merged, newHits[j:]...)

	m.sortedHits = append(base, merged...)
}

// HaveHit reports whether a hit is ready to emit: true while flushing
// and the queue is non-empty, or when the queue's timestamp span
// exceeds the emission window.
func (m *Manager) HaveHit() bool {
	if len(m.sortedHits) == 0 {
		return false
	}
	if m.flushing {
		return true
	}
	span := m.sortedHits[len(m.sortedHits)-1].View.Timestamp - m.sortedHits[0].View.Timestamp
	return span > m.emitWindowNs
}

// GetHit pops and returns the earliest queued hit. It is a programmer
// error (abort-class) to call GetHit on an empty queue.
func (m *Manager) GetHit() hit.Hit {
	if len(m.sortedHits) == 0 {
		panic("hitmanager: GetHit called on empty queue")
	}
	h := m.sortedHits[0]
	m.sortedHits = m.sortedHits[1:]
	return h
}

// Clear releases every queued hit's buffer reference via its ZeroCopyHit
// Free, then empties the queue.
func (m *Manager) Clear() {
	for _, h := range m.sortedHits {
		h.View.Free()
	}
	m.sortedHits = nil
}
