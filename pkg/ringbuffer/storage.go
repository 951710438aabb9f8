package ringbuffer

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// Storage is the backing memory for a Ring: metadata page plus data
// pages, however they happen to be obtained.
type Storage interface {
	// Data returns the raw buffer containing the metadata page followed
	// by the data pages.
	Data() []byte
	// NumDataPages returns the number of data pages.
	NumDataPages() uint32
	// PageSize returns the system page size used to lay out Data().
	PageSize() uint64
	// Close releases any resources held by the storage.
	Close() error
	// FileDescriptor returns the backing file descriptor, or -1 if
	// there is none (e.g. plain memory storage).
	FileDescriptor() int
}

// MemoryRingStorage is a plain heap-allocated ring backing with no file
// descriptor.
type MemoryRingStorage struct {
	data       []byte
	nDataPages uint32
	pageSize   uint64
}

// NewMemoryRingStorage allocates nPages data pages plus one metadata
// page.
func NewMemoryRingStorage(nPages uint32) (*MemoryRingStorage, error) {
	pageSize := uint64(os.Getpagesize())
	totalSize := pageSize * (1 + uint64(nPages))
	return &MemoryRingStorage{
		data:       make([]byte, totalSize),
		nDataPages: nPages,
		pageSize:   pageSize,
	}, nil
}

func (s *MemoryRingStorage) Data() []byte         { return s.data }
func (s *MemoryRingStorage) NumDataPages() uint32 { return s.nDataPages }
func (s *MemoryRingStorage) PageSize() uint64     { return s.pageSize }
func (s *MemoryRingStorage) Close() error         { return nil }
func (s *MemoryRingStorage) FileDescriptor() int  { return -1 }

// MmapRingStorage memory-maps an already-open file descriptor — e.g. a
// BPF_MAP_TYPE_RINGBUF map fd handed to us by a kernel-resident
// digitizer front-end, or a memfd shared with a sibling process — as
// the ring's backing memory. The fd must already be sized to
// (1+nPages)*pageSize bytes (mmap does not resize it).
type MmapRingStorage struct {
	data       []byte
	nDataPages uint32
	pageSize   uint64
	fd         int
	ownsFD     bool
}

// NewMmapRingStorage maps fd, which the caller retains ownership of
// unless ownsFD is true (in which case Close also closes it).
func NewMmapRingStorage(fd int, nPages uint32, ownsFD bool) (*MmapRingStorage, error) {
	pageSize := uint64(os.Getpagesize())
	totalSize := pageSize * (1 + uint64(nPages))

	data, err := unix.Mmap(fd, 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: mmap failed: %w", err)
	}

	storage := &MmapRingStorage{
		data:       data,
		nDataPages: nPages,
		pageSize:   pageSize,
		fd:         fd,
		ownsFD:     ownsFD,
	}
	runtime.SetFinalizer(storage, (*MmapRingStorage).Close)
	return storage, nil
}

func (s *MmapRingStorage) Data() []byte         { return s.data }
func (s *MmapRingStorage) NumDataPages() uint32 { return s.nDataPages }
func (s *MmapRingStorage) PageSize() uint64     { return s.pageSize }
func (s *MmapRingStorage) FileDescriptor() int  { return s.fd }

// Close unmaps the backing memory and, if this storage owns the fd,
// closes it.
func (s *MmapRingStorage) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return fmt.Errorf("ringbuffer: munmap failed: %w", err)
		}
		s.data = nil
	}
	if s.ownsFD && s.fd != -1 {
		if err := unix.Close(s.fd); err != nil {
			return fmt.Errorf("ringbuffer: close failed: %w", err)
		}
		s.fd = -1
	}
	runtime.SetFinalizer(s, nil)
	return nil
}
