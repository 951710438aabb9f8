package hit

import (
	"encoding/binary"
	"testing"

	"github.com/nscldaq-go/swtrigger/pkg/buffer"
)

func makeWord0(channel, headerWords, channelWords uint32) uint32 {
	return (channel & channelIDMask) | (headerWords << headerLengthShift) | (channelWords << channelLengthShift)
}

func packWords(words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

func TestSetTimeInternal(t *testing.T) {
	// word0: channel=3, header=4 words, channel length = 4
	w0 := makeWord0(3, 4, 4)
	w1 := uint32(0xDEADBEEF)
	w2 := uint32(0x1234) // low 16 bits become the high part of the 48-bit stamp
	data := packWords(w0, w1, w2, 0)

	arena := buffer.NewBufferArena()
	buf := arena.Allocate(len(data))
	copy(buf.Bytes(), data)

	h := &ZeroCopyHit{}
	h.SetHit(0, len(data), buf, arena)
	defer h.Free()

	if err := h.SetTime(1.0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := float64((uint64(0x1234) << 32) | uint64(0xDEADBEEF))
	if h.Timestamp != want {
		t.Errorf("expected timestamp %v, got %v", want, h.Timestamp)
	}

	h.SetChannel()
	if h.Channel != 3 {
		t.Errorf("expected channel 3, got %d", h.Channel)
	}
}

func TestSetTimeTooShort(t *testing.T) {
	data := packWords(0, 0)
	arena := buffer.NewBufferArena()
	buf := arena.Allocate(len(data))
	h := &ZeroCopyHit{}
	h.SetHit(0, len(data), buf, arena)
	defer h.Free()

	if err := h.SetTime(1.0); err == nil {
		t.Fatal("expected error for too-short hit")
	}
}

func TestValidateLengthMismatch(t *testing.T) {
	data := packWords(0, 0, 0)
	arena := buffer.NewBufferArena()
	buf := arena.Allocate(len(data))
	h := &ZeroCopyHit{}
	h.SetHit(0, len(data), buf, arena)
	defer h.Free()

	if err := h.Validate(5); err == nil {
		t.Fatal("expected length mismatch error")
	}
	if err := h.Validate(3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFreeReturnsBufferToArena(t *testing.T) {
	arena := buffer.NewBufferArena()
	buf := arena.Allocate(16)

	h1 := &ZeroCopyHit{}
	h1.SetHit(0, 8, buf, arena)
	h2 := &ZeroCopyHit{}
	h2.SetHit(8, 8, buf, arena)

	if !buf.IsReferenced() {
		t.Fatal("expected buffer to be referenced")
	}
	h1.Free()
	if !buf.IsReferenced() {
		t.Fatal("expected buffer still referenced after first Free")
	}
	if arena.Len() != 0 {
		t.Fatal("buffer should not be pooled while still referenced")
	}
	h2.Free()
	if buf.IsReferenced() {
		t.Fatal("expected buffer unreferenced after both Free calls")
	}
	if arena.Len() != 1 {
		t.Fatalf("expected buffer returned to arena, pool len=%d", arena.Len())
	}
}

func TestSetTimeExternalRequiresHeaderSize(t *testing.T) {
	data := packWords(0, 0, 0, 0)
	arena := buffer.NewBufferArena()
	buf := arena.Allocate(len(data))
	h := &ZeroCopyHit{}
	h.SetHit(0, len(data), buf, arena)
	defer h.Free()

	if err := h.SetTimeExternal(4, 1.0); err == nil {
		t.Fatal("expected error: header size below 6 words")
	}
}
