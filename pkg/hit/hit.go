// Package hit implements the zero-copy parsed view over one digitized
// channel event (a "hit"), and the bit layout of a digitizer's raw word
// stream.
package hit

import (
	"fmt"

	"github.com/nscldaq-go/swtrigger/pkg/buffer"
)

// Word-0 bit layout of a digitizer channel header, little-endian u32.
const (
	channelIDMask     = 0xF
	slotIDMask        = 0xF0
	crateIDMask       = 0xF00
	headerLengthMask  = 0x1F000
	headerLengthShift = 12
	channelLengthMask = 0x3FFE0000
	channelLengthShift = 17
	overflowBit       = uint32(1) << 30
	finishCodeBit     = uint32(1) << 31
	lower16Mask       = 0xFFFF
)

// ZeroCopyHit is a parsed view over a slice of a ReferenceCountedBuffer:
// the owning buffer, the hit's byte range within it, and the fields
// extracted by SetTime/SetChannel (its word count is checked by
// Validate). It holds one reference on
// its buffer from SetHit/construction until Free/rebind.
type ZeroCopyHit struct {
	buf    *buffer.ReferenceCountedBuffer
	arena  *buffer.BufferArena
	offset int
	length int // bytes

	Timestamp  float64 // calibrated nanoseconds
	Channel    uint32
	ModuleType uint32
}

// SetHit rebinds the hit to a new slice of buf (byte offset/length,
// measured in bytes), releasing any previously held reference first and
// acquiring a reference on buf.
func (h *ZeroCopyHit) SetHit(offsetBytes, lengthBytes int, buf *buffer.ReferenceCountedBuffer, arena *buffer.BufferArena) {
	h.release()
	h.buf = buf
	h.arena = arena
	h.offset = offsetBytes
	h.length = lengthBytes
	buf.Reference()
}

// Data returns the hit's raw bytes as a subslice of the buffer (not a
// copy). They hold little-endian 32-bit words.
func (h *ZeroCopyHit) Data() []byte {
	return h.buf.Bytes()[h.offset : h.offset+h.length]
}

// Words returns the number of 32-bit words spanned by the hit.
func (h *ZeroCopyHit) Words() int {
	return h.length / 4
}

func (h *ZeroCopyHit) release() {
	if h.buf == nil {
		return
	}
	h.buf.Dereference()
	if !h.buf.IsReferenced() && h.arena != nil {
		h.arena.Free(h.buf)
	}
	h.buf = nil
	h.arena = nil
}

// Free releases the hit's reference on its buffer. Once freed, the hit
// must be rebound via SetHit before further use.
func (h *ZeroCopyHit) Free() {
	h.release()
}

func word(data []byte, i int) uint32 {
	base := i * 4
	return uint32(data[base]) | uint32(data[base+1])<<8 | uint32(data[base+2])<<16 | uint32(data[base+3])<<24
}

// ChannelLengthWords extracts the channel length (in 32-bit words) from
// word 0 of a raw hit header.
func ChannelLengthWords(word0 uint32) int {
	return int((word0 & channelLengthMask) >> channelLengthShift)
}

// HeaderLengthWords extracts the header length (in 32-bit words) from
// word 0.
func HeaderLengthWords(word0 uint32) int {
	return int((word0 & headerLengthMask) >> headerLengthShift)
}

// SetChannel extracts and sets the channel id (word 0, bits 0-3).
func (h *ZeroCopyHit) SetChannel() {
	data := h.Data()
	h.Channel = word(data, 0) & channelIDMask
}

// Validate checks that the hit's word count matches expectedWords,
// returning an error (HitLengthMismatch, fatal to the current batch)
// on mismatch.
func (h *ZeroCopyHit) Validate(expectedWords int) error {
	if h.Words() != expectedWords {
		return fmt.Errorf("hit: length mismatch: expected %d words, got %d", expectedWords, h.Words())
	}
	return nil
}

// SetTime extracts the internal 48-bit timestamp: low 32 bits from word
// 1, high 16 bits from the low half of word 2, then multiplies by
// tsMultiplier. Returns an error if the hit has too few words for a
// timestamp (caller logs and drops the hit; processing continues).
func (h *ZeroCopyHit) SetTime(tsMultiplier float64) error {
	if h.Words() < 3 {
		return fmt.Errorf("hit: too few words (%d) to extract internal timestamp", h.Words())
	}
	data := h.Data()
	w1 := word(data, 1)
	w2 := word(data, 2)
	raw := (uint64(w2&lower16Mask) << 32) | uint64(w1)
	h.Timestamp = float64(raw) * tsMultiplier
	return nil
}

// SetTimeExternal extracts the timestamp from the last two header words
// (used when an external clock module is present). headerWords must be
// >= 6; otherwise the caller should fall back to SetTime.
func (h *ZeroCopyHit) SetTimeExternal(headerWords int, tsMultiplier float64) error {
	if headerWords < 6 {
		return fmt.Errorf("hit: external timestamp requires header size >= 6 words, got %d", headerWords)
	}
	if h.Words() < headerWords {
		return fmt.Errorf("hit: too few words (%d) for header size %d", h.Words(), headerWords)
	}
	data := h.Data()
	hi := word(data, headerWords-1) & lower16Mask
	lo := word(data, headerWords-2)
	raw := (uint64(hi) << 32) | uint64(lo)
	h.Timestamp = float64(raw) * tsMultiplier
	return nil
}

// Hit is the manager's queue entry: which module produced it, plus its
// zero-copy view. Hits order by their ZeroCopyHit's Timestamp.
type Hit struct {
	ModuleIndex int
	View        *ZeroCopyHit
}
