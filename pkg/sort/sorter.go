// Package sort implements the multi-source timestamp resort stage:
// fan-in from several already-sorted producers, each delivering chunks
// tagged with a producer id, re-imposed into one globally
// non-decreasing timestamp order.
package sort

import (
	"encoding/binary"
	"log"
	"sort"

	"github.com/nscldaq-go/swtrigger/pkg/ringitem"
	"github.com/nscldaq-go/swtrigger/pkg/transport"
)

type producerQueue struct {
	id     uint32
	queue  [][]byte // each entry is one chunk's raw work-chunk payload
	noMore bool
}

// Sorter is the RingItemSorter processing element (spec §4.7): it
// treats every incoming chunk as an already-sorted atomic unit keyed by
// the timestamp of its first item, and emits the globally earliest
// ready chunk while every still-active producer has at least one chunk
// queued.
type Sorter struct {
	Upstream   transport.Transport
	Downstream transport.Transport

	producers      map[uint32]*producerQueue
	order          []uint32
	nEndsRemaining int
	barrier        bool // a queued chunk contains an END_RUN item: flush everything
}

// NewSorter builds a sorter expecting exactly the given producer ids.
func NewSorter(upstream, downstream transport.Transport, producerIDs []uint32) *Sorter {
	s := &Sorter{
		Upstream:   upstream,
		Downstream: downstream,
		producers:  make(map[uint32]*producerQueue, len(producerIDs)),
	}
	for _, id := range producerIDs {
		s.producers[id] = &producerQueue{id: id}
		s.order = append(s.order, id)
	}
	s.nEndsRemaining = len(producerIDs)
	return s
}

// Run drives the sorter to completion: it reads from Upstream until
// every producer has signaled end-of-stream, emitting chunks to
// Downstream in timestamp order as they become safe to emit, then ends
// Downstream.
func (s *Sorter) Run() error {
	for {
		msg, err := s.Upstream.Recv()
		if err != nil {
			s.Downstream.End()
			return err
		}
		if msg == nil {
			s.flushAll()
			return s.Downstream.End()
		}
		if len(msg) == 0 {
			continue
		}

		id := binary.LittleEndian.Uint32(msg[0])
		payload := transport.Message(msg[1:]).Flatten()

		pq, ok := s.producers[id]
		if !ok {
			log.Printf("sort: chunk from unregistered producer %d, dropping", id)
			continue
		}

		if len(payload) == 0 {
			if !pq.noMore {
				pq.noMore = true
				s.nEndsRemaining--
			}
		} else {
			if containsEndRun(payload) {
				s.barrier = true
			}
			pq.queue = append(pq.queue, payload)
		}

		if err := s.drain(); err != nil {
			s.Downstream.End()
			return err
		}

		if s.nEndsRemaining <= 0 {
			s.flushAll()
			return s.Downstream.End()
		}
	}
}

// drain emits every chunk currently safe to emit: while a barrier is
// pending it empties every queue; otherwise it emits the smallest
// front-timestamp chunk as long as no still-active producer is empty.
func (s *Sorter) drain() error {
	if s.barrier {
		s.flushAll()
		s.barrier = false
		return nil
	}
	for s.canEmit() {
		if err := s.emitSmallest(); err != nil {
			return err
		}
	}
	return nil
}

// canEmit reports whether every producer that has not yet signaled
// end-of-stream has at least one chunk queued.
func (s *Sorter) canEmit() bool {
	any := false
	for _, id := range s.order {
		pq := s.producers[id]
		if !pq.noMore {
			if len(pq.queue) == 0 {
				return false
			}
			any = true
		} else if len(pq.queue) > 0 {
			any = true
		}
	}
	return any
}

// emitSmallest sends the queued chunk with the smallest front
// timestamp, breaking ties toward the lower producer id.
func (s *Sorter) emitSmallest() error {
	bestID := uint32(0)
	bestTS := uint64(0)
	found := false
	for _, id := range s.order {
		pq := s.producers[id]
		if len(pq.queue) == 0 {
			continue
		}
		ts := frontTimestamp(pq.queue[0])
		if !found || ts < bestTS || (ts == bestTS && id < bestID) {
			bestID, bestTS, found = id, ts, true
		}
	}
	if !found {
		return nil
	}
	pq := s.producers[bestID]
	chunk := pq.queue[0]
	pq.queue = pq.queue[1:]
	return s.Downstream.Send(transport.Message{chunk})
}

// flushAll emits every remaining queued chunk across all producers, in
// timestamp order (ties toward the lower producer id), ignoring the
// per-producer starvation gate. Used at run-end barriers and at final
// shutdown.
func (s *Sorter) flushAll() {
	type ready struct {
		id  uint32
		idx int
	}
	for {
		var candidates []ready
		for _, id := range s.order {
			if len(s.producers[id].queue) > 0 {
				candidates = append(candidates, ready{id: id})
			}
		}
		if len(candidates) == 0 {
			return
		}
		sort.Slice(candidates, func(i, j int) bool {
			ti := frontTimestamp(s.producers[candidates[i].id].queue[0])
			tj := frontTimestamp(s.producers[candidates[j].id].queue[0])
			if ti != tj {
				return ti < tj
			}
			return candidates[i].id < candidates[j].id
		})
		best := s.producers[candidates[0].id]
		chunk := best.queue[0]
		best.queue = best.queue[1:]
		if err := s.Downstream.Send(transport.Message{chunk}); err != nil {
			log.Printf("sort: flush send failed: %v", err)
			return
		}
	}
}

// frontTimestamp reads the work-chunk timestamp prefix of the first
// item in a chunk payload.
func frontTimestamp(payload []byte) uint64 {
	if len(payload) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(payload[0:8])
}

// containsEndRun reports whether any item in the chunk is an END_RUN
// ring item, which the protocol treats as a barrier across all
// producers.
func containsEndRun(payload []byte) bool {
	cur := payload
	for len(cur) >= 8 {
		cur = cur[8:]
		item, n, err := ringitem.Decode(cur)
		if err != nil {
			return false
		}
		if item.Type == ringitem.TypeEndRun {
			return true
		}
		cur = cur[n:]
	}
	return false
}
