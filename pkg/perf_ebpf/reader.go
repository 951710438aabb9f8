// Package perf_ebpf connects the per-source ring buffers an eBPF
// front-end writes digitizer words into with the pipeline's own
// multi-ring merge reader: it memory-maps one buffer per source,
// publishes each buffer's file descriptor into an eBPF array map so a
// kernel-resident program can find it, and wires the mapped storage
// into a ringbuffer.Reader ready for timestamp-ordered consumption.
package perf_ebpf

import (
	"fmt"
	"runtime"

	"github.com/cilium/ebpf"

	"github.com/nscldaq-go/swtrigger/pkg/ringbuffer"
)

// Options controls the layout of each per-source ring.
type Options struct {
	// BufferSize is the size of each source's buffer in bytes,
	// excluding the metadata page.
	BufferSize int
}

// SourceMapReader owns one mmap'd ring per digitizer source and merges
// them through a ringbuffer.Reader, after publishing each source's
// backing file descriptor into an eBPF array map so the kernel-side
// writer program can look it up by source index.
type SourceMapReader struct {
	fdMap   *ebpf.Map
	storage []*ringbuffer.MmapRingStorage
	rings   []*ringbuffer.Ring
	reader  *ringbuffer.Reader
}

// NewSourceMapReader allocates one ring per fd in sourceFDs (already
// open and sized to hold (1+nPages)*pageSize bytes — see
// ringbuffer.NewMmapRingStorage), publishes each into fdMap at its
// slice index, and merges them into one reader.
func NewSourceMapReader(fdMap *ebpf.Map, sourceFDs []int, opts Options) (*SourceMapReader, error) {
	if fdMap == nil {
		return nil, fmt.Errorf("perf_ebpf: fd map must not be nil")
	}
	if opts.BufferSize < 1 {
		return nil, fmt.Errorf("perf_ebpf: buffer size must be greater than 0")
	}
	if len(sourceFDs) == 0 {
		return nil, fmt.Errorf("perf_ebpf: at least one source fd is required")
	}

	smr := &SourceMapReader{
		fdMap:   fdMap,
		storage: make([]*ringbuffer.MmapRingStorage, 0, len(sourceFDs)),
		rings:   make([]*ringbuffer.Ring, 0, len(sourceFDs)),
	}

	nPages := uint32(opts.BufferSize / 4096)
	for idx, fd := range sourceFDs {
		storage, err := ringbuffer.NewMmapRingStorage(fd, nPages, false)
		if err != nil {
			smr.Close()
			return nil, fmt.Errorf("perf_ebpf: mapping storage for source %d: %w", idx, err)
		}
		smr.storage = append(smr.storage, storage)

		ring, err := ringbuffer.Init(storage.Data(), storage.NumDataPages(), storage.PageSize())
		if err != nil {
			smr.Close()
			return nil, fmt.Errorf("perf_ebpf: initializing ring for source %d: %w", idx, err)
		}
		smr.rings = append(smr.rings, ring)

		if err := fdMap.Put(uint32(idx), uint32(storage.FileDescriptor())); err != nil {
			smr.Close()
			return nil, fmt.Errorf("perf_ebpf: publishing fd for source %d: %w", idx, err)
		}
	}

	reader := ringbuffer.NewReader()
	for _, ring := range smr.rings {
		if err := reader.AddRing(ring); err != nil {
			smr.Close()
			return nil, fmt.Errorf("perf_ebpf: adding ring to reader: %w", err)
		}
	}
	smr.reader = reader

	runtime.SetFinalizer(smr, (*SourceMapReader).Close)
	return smr, nil
}

// Reader returns the merged, timestamp-ordered reader across every
// source's ring.
func (smr *SourceMapReader) Reader() *ringbuffer.Reader {
	return smr.reader
}

// Close unmaps every source's storage. The reader itself is not
// Finish()ed here; callers in the middle of a read batch must call
// Finish on the reader first.
func (smr *SourceMapReader) Close() error {
	for _, storage := range smr.storage {
		if storage != nil {
			storage.Close()
		}
	}
	smr.rings = nil
	smr.storage = nil
	smr.reader = nil
	smr.fdMap = nil
	return nil
}
