//go:build !unix

package sab

import (
	"errors"
	"os"
	"path/filepath"
)

// SharedMemoryProvider is unavailable on this platform.
type SharedMemoryProvider struct {
	InMemoryProvider
}

// SharedMemoryOptions configures shared memory creation/opening.
type SharedMemoryOptions struct {
	Path       string
	Size       uint32
	Create     bool
	ReadOnly   bool
	Perm       os.FileMode
	Initialize func(MemoryProvider) error
}

var errNoSharedMemory = errors.New("file-backed shared memory is not supported on this platform")

// DefaultSharedMemoryPath returns the default shared memory path.
func DefaultSharedMemoryPath() string {
	return filepath.Join(os.TempDir(), "tickring.mmap")
}

// OpenSharedMemory always fails on platforms without mmap support.
func OpenSharedMemory(opts SharedMemoryOptions) (*SharedMemoryProvider, error) {
	return nil, errNoSharedMemory
}

func (s *SharedMemoryProvider) Path() string          { return "" }
func (s *SharedMemoryProvider) FileInfo() os.FileInfo { return nil }
