//go:build unix

package sab

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
)

// SharedMemoryProvider uses a memory-mapped file for shared access.
type SharedMemoryProvider struct {
	path     string
	file     *os.File
	info     os.FileInfo
	data     []byte
	size     uint32
	readOnly bool
}

// SharedMemoryOptions configures shared memory creation/opening.
type SharedMemoryOptions struct {
	Path     string
	Size     uint32
	Create   bool
	ReadOnly bool
	// Perm is applied to newly created files. Zero keeps 0600.
	Perm os.FileMode
	// Initialize runs against the fresh mapping before it becomes visible
	// at Path. Only used with Create.
	Initialize func(MemoryProvider) error
}

// DefaultSharedMemoryPath returns the default shared memory path.
func DefaultSharedMemoryPath() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm/tickring.mmap"
	}
	return filepath.Join(os.TempDir(), "tickring.mmap")
}

// OpenSharedMemory opens or creates a shared memory mapping.
//
// With Create set, the file is built under a temporary name in the same
// directory, initialised, flushed and then renamed over Path. Any existing
// file at Path is replaced. Store.Create resets a compatible ring in place
// instead, so this path only runs for new files or changed geometry.
func OpenSharedMemory(opts SharedMemoryOptions) (*SharedMemoryProvider, error) {
	if opts.Path == "" {
		return nil, errors.New("shared memory path required")
	}
	path := filepath.Clean(opts.Path)

	if opts.Create {
		return createSharedMemory(path, opts)
	}

	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open shared memory file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat shared memory file: %w", err)
	}
	if info.Size() == 0 {
		_ = file.Close()
		return nil, &codec.FormatError{Code: codec.CodeTruncated, Message: fmt.Sprintf("%s is empty", path)}
	}
	if info.Size() > math.MaxUint32 {
		_ = file.Close()
		return nil, fmt.Errorf("shared memory file %s is %d bytes, larger than 32-bit offsets allow", path, info.Size())
	}

	provider, err := mapFile(path, file, info, uint32(info.Size()), opts.ReadOnly)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return provider, nil
}

func createSharedMemory(path string, opts SharedMemoryOptions) (*SharedMemoryProvider, error) {
	if opts.Size == 0 {
		return nil, errors.New("shared memory size required when creating")
	}
	if opts.ReadOnly {
		return nil, errors.New("cannot create a read-only shared memory file")
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	file, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create shared memory file: %w", err)
	}
	tmp := file.Name()

	fail := func(p *SharedMemoryProvider, err error) (*SharedMemoryProvider, error) {
		if p != nil {
			_ = p.Close()
		} else {
			_ = file.Close()
		}
		_ = os.Remove(tmp)
		return nil, err
	}

	if opts.Perm != 0 {
		if err := file.Chmod(opts.Perm); err != nil {
			return fail(nil, fmt.Errorf("chmod shared memory file: %w", err))
		}
	}
	// Extending with Truncate zero-fills the slot region.
	if err := file.Truncate(int64(opts.Size)); err != nil {
		return fail(nil, fmt.Errorf("truncate shared memory file: %w", err))
	}
	info, err := file.Stat()
	if err != nil {
		return fail(nil, fmt.Errorf("stat shared memory file: %w", err))
	}

	provider, err := mapFile(path, file, info, opts.Size, false)
	if err != nil {
		return fail(nil, err)
	}

	if opts.Initialize != nil {
		if err := opts.Initialize(provider); err != nil {
			return fail(provider, fmt.Errorf("initialize shared memory: %w", err))
		}
	}
	if err := provider.Sync(); err != nil {
		return fail(provider, err)
	}
	if err := file.Sync(); err != nil {
		return fail(provider, fmt.Errorf("fsync shared memory file: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return fail(provider, fmt.Errorf("publish shared memory file: %w", err))
	}
	return provider, nil
}

func mapFile(path string, file *os.File, info os.FileInfo, size uint32, readOnly bool) (*SharedMemoryProvider, error) {
	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap shared memory file: %w", err)
	}
	return &SharedMemoryProvider{
		path:     path,
		file:     file,
		info:     info,
		data:     data,
		size:     size,
		readOnly: readOnly,
	}, nil
}

// Path is the path the mapping was opened or published at.
func (s *SharedMemoryProvider) Path() string {
	return s.path
}

// FileInfo identifies the mapped file. Comparing it with os.Stat(Path())
// through os.SameFile tells whether the path was replaced since mapping.
func (s *SharedMemoryProvider) FileInfo() os.FileInfo {
	return s.info
}

func (s *SharedMemoryProvider) Size() uint32 {
	return s.size
}

func (s *SharedMemoryProvider) ReadOnly() bool {
	return s.readOnly
}

func (s *SharedMemoryProvider) ReadAt(offset uint32, dest []byte) error {
	if s.data == nil {
		return ErrClosed
	}
	if err := checkRange(s.size, offset, len(dest)); err != nil {
		return err
	}
	copy(dest, s.data[offset:offset+uint32(len(dest))])
	return nil
}

func (s *SharedMemoryProvider) WriteAt(offset uint32, src []byte) error {
	if s.data == nil {
		return ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}
	if err := checkRange(s.size, offset, len(src)); err != nil {
		return err
	}
	copy(s.data[offset:offset+uint32(len(src))], src)
	return nil
}

func (s *SharedMemoryProvider) AtomicLoad32(offset uint32) (uint32, error) {
	ptr, err := s.ptrAt(offset, 4)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(ptr)), nil
}

func (s *SharedMemoryProvider) AtomicStore32(offset uint32, val uint32) error {
	if s.readOnly {
		return ErrReadOnly
	}
	ptr, err := s.ptrAt(offset, 4)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(ptr), val)
	return nil
}

func (s *SharedMemoryProvider) AtomicLoad64(offset uint32) (uint64, error) {
	ptr, err := s.ptrAt(offset, 8)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64((*uint64)(ptr)), nil
}

func (s *SharedMemoryProvider) AtomicStore64(offset uint32, val uint64) error {
	if s.readOnly {
		return ErrReadOnly
	}
	ptr, err := s.ptrAt(offset, 8)
	if err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(ptr), val)
	return nil
}

// Sync flushes dirty pages to the backing file. Other processes mapping the
// same file see writes without it; it only matters for durability.
func (s *SharedMemoryProvider) Sync() error {
	if s.data == nil || s.readOnly {
		return nil
	}
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync shared memory file: %w", err)
	}
	return nil
}

func (s *SharedMemoryProvider) Close() error {
	var err error
	if s.data != nil {
		if unmapErr := unix.Munmap(s.data); unmapErr != nil {
			err = fmt.Errorf("munmap shared memory file: %w", unmapErr)
		}
		s.data = nil
	}
	if s.file != nil {
		if closeErr := s.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.file = nil
	}
	return err
}

func (s *SharedMemoryProvider) ptrAt(offset, width uint32) (unsafe.Pointer, error) {
	if s.data == nil {
		return nil, ErrClosed
	}
	if err := checkAtomic(s.size, offset, width); err != nil {
		return nil, err
	}
	return unsafe.Pointer(&s.data[offset]), nil
}
