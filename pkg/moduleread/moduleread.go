// Package moduleread implements ModuleReader: pulls raw 32-bit words
// from one digitizer module into a pool buffer, parses them into
// ZeroCopyHits, validates lengths, and checks per-channel timestamp
// monotonicity.
package moduleread

import (
	"fmt"
	"log"

	"github.com/nscldaq-go/swtrigger/pkg/buffer"
	"github.com/nscldaq-go/swtrigger/pkg/hit"
)

// WordSource is the external digitizer collaborator: it fills dst (a
// byte slice whose length is a multiple of 4) with raw words and
// returns the number of words actually read, or an error if the read
// failed. This is the out-of-scope "ring-buffer IPC primitive"; no type
// in this module implements it (pkg/ringbuffer has no ReadWords).
type WordSource interface {
	ReadWords(dst []byte, maxWords int) (wordsRead int, err error)
}

const numChannels = 16

// Reader is one ModuleReader instance, owning its own BufferArena and
// hit pool; never shared across goroutines.
type Reader struct {
	ModuleIndex       int
	ExpectedEventWords int
	TSMultiplier      float64
	ModuleType        uint32

	source WordSource
	arena  *buffer.BufferArena
	hitPool []*hit.ZeroCopyHit

	lastStamps [numChannels]float64
	haveLast   [numChannels]bool
}

// New constructs a Reader for one module.
func New(moduleIndex, expectedEventWords int, tsMultiplier float64, moduleType uint32, source WordSource) *Reader {
	return &Reader{
		ModuleIndex:        moduleIndex,
		ExpectedEventWords: expectedEventWords,
		TSMultiplier:       tsMultiplier,
		ModuleType:         moduleType,
		source:             source,
		arena:              buffer.NewBufferArena(),
	}
}

// Reset clears the per-channel last-timestamp tracking, e.g. at the
// start of a new run.
func (r *Reader) Reset() {
	for i := range r.lastStamps {
		r.haveLast[i] = false
	}
}

func (r *Reader) allocateHit() *hit.ZeroCopyHit {
	if n := len(r.hitPool); n > 0 {
		h := r.hitPool[n-1]
		r.hitPool = r.hitPool[:n-1]
		return h
	}
	return &hit.ZeroCopyHit{}
}

// FreeHit returns a hit to the reader's pool; the hit's own Free()
// releases its buffer reference (possibly returning the buffer to the
// arena) before it is recycled.
func (r *Reader) FreeHit(h *hit.ZeroCopyHit) {
	h.Free()
	r.hitPool = append(r.hitPool, h)
}

// Read pulls up to maxWords words from the module, parses them into
// hits, and appends the hits to dst. It returns the number of words
// consumed. A HitLengthMismatch is fatal to the current batch and is
// returned as an error; callers that see a non-nil error from Read
// should treat the reader's element as terminated.
func (r *Reader) Read(dst *[]*hit.ZeroCopyHit, maxWords int) (int, error) {
	usable := (maxWords / r.ExpectedEventWords) * r.ExpectedEventWords
	if usable == 0 {
		return 0, nil
	}
	buf := r.arena.Allocate(usable * 4)
	wordsRead, err := r.source.ReadWords(buf.Bytes(), usable)
	if err != nil {
		log.Printf("moduleread: module %d: read failed: %v", r.ModuleIndex, err)
		r.arena.Free(buf)
		return 0, nil
	}
	if wordsRead == 0 {
		r.arena.Free(buf)
		return 0, nil
	}
	buf.Resize(wordsRead * 4)
	return wordsRead, r.parseHits(dst, buf, wordsRead)
}

func (r *Reader) parseHits(dst *[]*hit.ZeroCopyHit, buf *buffer.ReferenceCountedBuffer, nWords int) error {
	data := buf.Bytes()
	offsetWords := 0
	for offsetWords < nWords {
		word0 := leUint32(data, offsetWords*4)
		channelWords := hit.ChannelLengthWords(word0)
		headerWords := hit.HeaderLengthWords(word0)
		if channelWords <= 0 || offsetWords+channelWords > nWords {
			return fmt.Errorf("moduleread: module %d: channel length %d words exceeds remaining %d", r.ModuleIndex, channelWords, nWords-offsetWords)
		}

		h := r.allocateHit()
		h.SetHit(offsetWords*4, channelWords*4, buf, r.arena)

		if err := h.Validate(r.ExpectedEventWords); err != nil {
			return fmt.Errorf("moduleread: module %d: %w", r.ModuleIndex, err)
		}

		var timeErr error
		if headerWords >= 6 {
			timeErr = h.SetTimeExternal(headerWords, r.TSMultiplier)
		} else {
			timeErr = h.SetTime(r.TSMultiplier)
		}
		if timeErr != nil {
			log.Printf("moduleread: module %d: dropping hit: %v", r.ModuleIndex, timeErr)
			r.FreeHit(h)
			offsetWords += channelWords
			continue
		}
		h.SetChannel()
		h.ModuleType = r.ModuleType

		r.checkOrder(h)
		*dst = append(*dst, h)
		offsetWords += channelWords
	}
	return nil
}

// checkOrder compares a hit's timestamp against the last seen timestamp
// on the same channel: equal timestamps are a warning (non-increasing
// clock), a decrease is logged as an error but does not abort the
// batch — the corrupt-record-recovery policy applies.
func (r *Reader) checkOrder(h *hit.ZeroCopyHit) {
	ch := h.Channel
	if ch >= numChannels {
		return
	}
	if r.haveLast[ch] {
		switch {
		case h.Timestamp == r.lastStamps[ch]:
			log.Printf("moduleread: module %d channel %d: time is not increasing (ts=%v)", r.ModuleIndex, ch, h.Timestamp)
		case h.Timestamp < r.lastStamps[ch]:
			log.Printf("moduleread: module %d channel %d: time went backwards (%v -> %v)", r.ModuleIndex, ch, r.lastStamps[ch], h.Timestamp)
		}
	}
	r.lastStamps[ch] = h.Timestamp
	r.haveLast[ch] = true
}

func leUint32(data []byte, off int) uint32 {
	return uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24
}
