package sab

import (
	"sync/atomic"
	"unsafe"
)

// InMemoryProvider stores the region in a local byte slice. Views created
// with ReadOnlyView share the same bytes, which lets tests run a writer and
// readers against one buffer without touching the filesystem.
type InMemoryProvider struct {
	data     []byte
	readOnly bool
	closed   *atomic.Bool
}

// NewInMemoryProvider creates an in-memory provider with the requested size.
// The backing array is allocated as uint64 words so 64-bit atomics are
// aligned on every platform.
func NewInMemoryProvider(size uint32) *InMemoryProvider {
	words := make([]uint64, (uint64(size)+7)/8)
	var data []byte
	if len(words) > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	return &InMemoryProvider{
		data:   data,
		closed: &atomic.Bool{},
	}
}

// ReadOnlyView returns a provider sharing m's bytes that rejects writes.
func (m *InMemoryProvider) ReadOnlyView() *InMemoryProvider {
	return &InMemoryProvider{
		data:     m.data,
		readOnly: true,
		closed:   &atomic.Bool{},
	}
}

// Bytes exposes the raw region. Tests use it to corrupt or inspect files.
func (m *InMemoryProvider) Bytes() []byte {
	return m.data
}

func (m *InMemoryProvider) Size() uint32 {
	return uint32(len(m.data))
}

func (m *InMemoryProvider) ReadOnly() bool {
	return m.readOnly
}

func (m *InMemoryProvider) ReadAt(offset uint32, dest []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := checkRange(m.Size(), offset, len(dest)); err != nil {
		return err
	}
	copy(dest, m.data[offset:offset+uint32(len(dest))])
	return nil
}

func (m *InMemoryProvider) WriteAt(offset uint32, src []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.readOnly {
		return ErrReadOnly
	}
	if err := checkRange(m.Size(), offset, len(src)); err != nil {
		return err
	}
	copy(m.data[offset:offset+uint32(len(src))], src)
	return nil
}

func (m *InMemoryProvider) AtomicLoad32(offset uint32) (uint32, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if err := checkAtomic(m.Size(), offset, 4); err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.data[offset]))), nil
}

func (m *InMemoryProvider) AtomicStore32(offset uint32, val uint32) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.readOnly {
		return ErrReadOnly
	}
	if err := checkAtomic(m.Size(), offset, 4); err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.data[offset])), val)
	return nil
}

func (m *InMemoryProvider) AtomicLoad64(offset uint32) (uint64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if err := checkAtomic(m.Size(), offset, 8); err != nil {
		return 0, err
	}
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&m.data[offset]))), nil
}

func (m *InMemoryProvider) AtomicStore64(offset uint32, val uint64) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.readOnly {
		return ErrReadOnly
	}
	if err := checkAtomic(m.Size(), offset, 8); err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&m.data[offset])), val)
	return nil
}

func (m *InMemoryProvider) Sync() error {
	return nil
}

// Close detaches this view. Other views of the same bytes stay usable.
func (m *InMemoryProvider) Close() error {
	m.closed.Store(true)
	return nil
}
