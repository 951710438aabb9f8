// Package buffer implements reference-counted, pooled byte storage for the
// zero-copy hit pipeline.
package buffer

import "fmt"

// ReferenceCountedBuffer is a growable byte slab shared by one or more
// zero-copy views. A buffer may only be resized while it has no
// outstanding references, and it must have none at the time it is
// recycled back into a BufferArena.
type ReferenceCountedBuffer struct {
	data       []byte
	references int
}

// Bytes returns the full backing slice. Callers must not retain it past
// the point where the buffer is dereferenced.
func (b *ReferenceCountedBuffer) Bytes() []byte {
	return b.data
}

// Reference increments the outstanding-view count.
func (b *ReferenceCountedBuffer) Reference() {
	b.references++
}

// Dereference decrements the outstanding-view count. It panics if called
// on a buffer that is not currently referenced; that is always a caller
// bug.
func (b *ReferenceCountedBuffer) Dereference() {
	if b.references == 0 {
		panic("buffer: Dereference called with zero references")
	}
	b.references--
}

// IsReferenced reports whether any view still holds a reference.
func (b *ReferenceCountedBuffer) IsReferenced() bool {
	return b.references > 0
}

// Resize sets the buffer's length to newSize bytes. When newSize fits in
// the current capacity the slice is only resliced: nothing is
// reallocated and capacity never shrinks. Otherwise a new zeroed slice
// is allocated; the old contents are not copied. It panics if the buffer is
// currently referenced: resizing out from under a live view would
// invalidate the view's slice.
func (b *ReferenceCountedBuffer) Resize(newSize int) {
	if b.IsReferenced() {
		panic(fmt.Sprintf("buffer: Resize(%d) called on buffer with %d outstanding references", newSize, b.references))
	}
	if newSize <= cap(b.data) {
		b.data = b.data[:newSize]
		return
	}
	b.data = make([]byte, newSize)
}

// BufferArena is a FIFO pool of ReferenceCountedBuffer instances, owned by
// exactly one ModuleReader. Allocate hands out a buffer sized to at least
// nBytes, reusing a pooled one when possible; Free returns a buffer to the
// pool once its last view has been released.
type BufferArena struct {
	pool []*ReferenceCountedBuffer
}

// NewBufferArena returns an empty arena.
func NewBufferArena() *BufferArena {
	return &BufferArena{}
}

// Allocate pops the oldest pooled buffer (or creates one if the pool is
// empty) and resizes it to nBytes.
func (a *BufferArena) Allocate(nBytes int) *ReferenceCountedBuffer {
	var buf *ReferenceCountedBuffer
	if len(a.pool) > 0 {
		buf = a.pool[0]
		a.pool = a.pool[1:]
	} else {
		buf = &ReferenceCountedBuffer{}
	}
	buf.Resize(nBytes)
	return buf
}

// Free returns buf to the pool. It panics if buf is still referenced: the
// caller tried to recycle a buffer a view is still reading from.
func (a *BufferArena) Free(buf *ReferenceCountedBuffer) {
	if buf.IsReferenced() {
		panic("buffer: Free called on a referenced buffer")
	}
	a.pool = append(a.pool, buf)
}

// Len reports the number of buffers currently pooled (idle).
func (a *BufferArena) Len() int {
	return len(a.pool)
}
