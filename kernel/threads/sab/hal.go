package sab

import "errors"

// MemoryProvider abstracts access to the shared ring region.
// Implementations may be backed by an mmap'd file or an in-memory buffer.
//
// Offsets are byte offsets from the start of the region. The atomic
// accessors require natural alignment.
type MemoryProvider interface {
	Size() uint32
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicLoad64(offset uint32) (uint64, error)
	AtomicStore64(offset uint32, val uint64) error
	ReadOnly() bool
	Sync() error
	Close() error
}

var ErrOutOfBounds = errors.New("offset out of bounds")
var ErrMisaligned = errors.New("offset is not naturally aligned")
var ErrReadOnly = errors.New("memory region is mapped read-only")
var ErrClosed = errors.New("memory region is closed")

func checkRange(size, offset uint32, n int) error {
	if uint64(offset)+uint64(n) > uint64(size) {
		return ErrOutOfBounds
	}
	return nil
}

func checkAtomic(size, offset, width uint32) error {
	if uint64(offset)+uint64(width) > uint64(size) {
		return ErrOutOfBounds
	}
	if offset%width != 0 {
		return ErrMisaligned
	}
	return nil
}
