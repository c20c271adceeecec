package sab

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/utils"
)

// Store is the backing store of one ring: a mapped region whose header has
// been validated. It never interprets slot contents; callers address it by
// offset and length, plus atomic access to the cursor and slot markers.
type Store struct {
	provider MemoryProvider
	geometry Geometry
	layout   codec.Layout
	header   codec.Header
	mode     AccessMode
	path     string
	info     os.FileInfo
	reused   bool
}

// CreateOptions configures Create.
type CreateOptions struct {
	Path      string
	Version   uint32
	SlotSize  uint32
	SlotCount uint32
	Perm      os.FileMode
	// Session defaults to a fresh random UUID.
	Session uuid.UUID
}

// Create builds a fresh ring file at path and maps it for writing.
//
// WARNING: Create is destructive. A ring already at path with the same
// geometry is reset in place: its cursor drops to 0, its slots are zeroed
// and it gets a new session, so readers still mapping it see the restart.
// Anything else at path is replaced atomically by a new file: readers see
// either the old file or a fully initialised new one, never a partial
// header.
func Create(path string, version, slotSize, slotCount uint32) (*Store, error) {
	return CreateWithOptions(CreateOptions{
		Path:      path,
		Version:   version,
		SlotSize:  slotSize,
		SlotCount: slotCount,
	})
}

// CreateWithOptions is Create with permissions and session control.
func CreateWithOptions(opts CreateOptions) (*Store, error) {
	g, err := NewGeometry(opts.Version, opts.SlotSize, opts.SlotCount)
	if err != nil {
		return nil, err
	}
	session := opts.Session
	if session == uuid.Nil {
		session = utils.NewSessionID()
	}

	if s, err := resetExisting(opts, g, session); s != nil || err != nil {
		return s, err
	}

	provider, err := OpenSharedMemory(SharedMemoryOptions{
		Path:   opts.Path,
		Size:   g.FileSize(),
		Create: true,
		Perm:   opts.Perm,
		Initialize: func(p MemoryProvider) error {
			return Format(p, g, session)
		},
	})
	if err != nil {
		return nil, err
	}

	s, err := NewStore(provider, AccessSingleWriter)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	return s, nil
}

// resetExisting reinitialises the ring at opts.Path in place when it is a
// valid ring with exactly geometry g. It returns nil, nil when there is no
// such file, leaving Create to build a new one.
func resetExisting(opts CreateOptions, g Geometry, session uuid.UUID) (*Store, error) {
	info, err := os.Stat(opts.Path)
	if err != nil || !info.Mode().IsRegular() || info.Size() != int64(g.FileSize()) {
		return nil, nil
	}
	provider, err := OpenSharedMemory(SharedMemoryOptions{Path: opts.Path})
	if err != nil {
		return nil, nil
	}
	existing, err := NewStore(provider, AccessSingleWriter)
	if err != nil || existing.Geometry() != g {
		_ = provider.Close()
		return nil, nil
	}

	if err := Reset(provider, g, session); err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("reset ring in place: %w", err)
	}
	if err := provider.Sync(); err != nil {
		_ = provider.Close()
		return nil, err
	}
	if opts.Perm != 0 {
		if err := os.Chmod(opts.Path, opts.Perm); err != nil {
			_ = provider.Close()
			return nil, fmt.Errorf("chmod ring file: %w", err)
		}
	}

	s, err := NewStore(provider, AccessSingleWriter)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	s.reused = true
	return s, nil
}

// OpenReadOnly maps an existing ring file read-only and validates it.
// A missing file yields an error matching fs.ErrNotExist.
func OpenReadOnly(path string) (*Store, error) {
	provider, err := OpenSharedMemory(SharedMemoryOptions{
		Path:     path,
		ReadOnly: true,
	})
	if err != nil {
		return nil, err
	}

	s, err := NewStore(provider, AccessReadOnly)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	return s, nil
}

// Format writes a fresh header and zero-fills the slot region of p.
// p must be at least g.FileSize() bytes.
func Format(p MemoryProvider, g Geometry, session uuid.UUID) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if p.Size() < g.FileSize() {
		return fmt.Errorf("provider is %d bytes, geometry needs %d: %w", p.Size(), g.FileSize(), ErrOutOfBounds)
	}

	zero := make([]byte, g.SlotSize)
	for i := uint32(0); i < g.SlotCount; i++ {
		if err := p.WriteAt(OFFSET_SLOTS+i*g.SlotSize, zero); err != nil {
			return fmt.Errorf("zero slot %d: %w", i, err)
		}
	}

	header := make([]byte, SIZE_HEADER)
	codec.EncodeHeaderInto(header, codec.Header{
		Version:   g.Version,
		SlotSize:  g.SlotSize,
		SlotCount: g.SlotCount,
		Session:   session,
	})
	if err := p.WriteAt(OFFSET_HEADER, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// Reset reinitialises a formatted ring for a new session. The cursor drops
// to 0 before any slot changes, so a reader mapping p stops trusting its
// slots before they are zeroed, then sees a smaller cursor and a new
// session once the next producer publishes.
func Reset(p MemoryProvider, g Geometry, session uuid.UUID) error {
	if err := p.AtomicStore32(OFFSET_LATEST_TICK, 0); err != nil {
		return fmt.Errorf("clear cursor: %w", err)
	}
	if err := p.AtomicStore64(OFFSET_PUBLISHED_AT, 0); err != nil {
		return fmt.Errorf("clear publish time: %w", err)
	}
	return Format(p, g, session)
}

// NewStore validates the header held by p and wraps it. mode must not
// exceed what p allows: a read-only provider cannot back a writer store.
func NewStore(p MemoryProvider, mode AccessMode) (*Store, error) {
	if mode == AccessSingleWriter && p.ReadOnly() {
		return nil, fmt.Errorf("writer store over read-only mapping: %w", ErrReadOnly)
	}
	if p.Size() < SIZE_HEADER {
		return nil, &codec.FormatError{
			Code:    codec.CodeTruncated,
			Message: fmt.Sprintf("file is %d bytes, header needs %d", p.Size(), SIZE_HEADER),
		}
	}

	raw := make([]byte, SIZE_HEADER)
	if err := p.ReadAt(OFFSET_HEADER, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header, err := codec.DecodeHeader(raw)
	if err != nil {
		return nil, err
	}

	g := GeometryOf(header)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if p.Size() < g.FileSize() {
		return nil, &codec.FormatError{
			Code:    codec.CodeTruncated,
			Message: fmt.Sprintf("file is %d bytes, declared geometry needs %d", p.Size(), g.FileSize()),
		}
	}
	layout, err := codec.LayoutFor(g.Version)
	if err != nil {
		return nil, err
	}

	s := &Store{
		provider: p,
		geometry: g,
		layout:   layout,
		header:   header,
		mode:     mode,
	}
	if fp, ok := p.(interface {
		Path() string
		FileInfo() os.FileInfo
	}); ok {
		s.path = fp.Path()
		s.info = fp.FileInfo()
	}
	return s, nil
}

// Geometry returns the immutable geometry of the file.
func (s *Store) Geometry() Geometry {
	return s.geometry
}

// Layout returns the slot layout for the file's version.
func (s *Store) Layout() codec.Layout {
	return s.layout
}

// Header returns the header as it was when the store was opened.
func (s *Store) Header() codec.Header {
	return s.header
}

// Session identifies the producer session that created the file, as of
// when the store was opened.
func (s *Store) Session() uuid.UUID {
	return uuid.UUID(s.header.Session)
}

// LoadSession reads the session currently in the header. It differs from
// Session once another producer has reset the file in place.
func (s *Store) LoadSession() (uuid.UUID, error) {
	var id uuid.UUID
	if err := s.provider.ReadAt(OFFSET_HEADER+codec.OffsetSession, id[:]); err != nil {
		return uuid.Nil, fmt.Errorf("load session: %w", err)
	}
	return id, nil
}

// Reused reports whether Create reset an existing ring in place instead of
// building a new file.
func (s *Store) Reused() bool {
	return s.reused
}

// Mode reports whether this store may write.
func (s *Store) Mode() AccessMode {
	return s.mode
}

// Path is the filesystem path of the store, empty for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// ReadAt copies len(dst) bytes at offset into dst. The range must lie in a
// single region and, inside the slot region, a single slot.
func (s *Store) ReadAt(offset uint32, dst []byte) error {
	if _, err := s.geometry.RegionFor(offset, uint32(len(dst))); err != nil {
		return err
	}
	return s.provider.ReadAt(offset, dst)
}

// WriteAt copies src to offset. Only the slot region accepts plain writes.
func (s *Store) WriteAt(offset uint32, src []byte) error {
	region, err := s.geometry.RegionFor(offset, uint32(len(src)))
	if err != nil {
		return err
	}
	id := RegionGeometry
	if region.Name == "Slots" {
		id = RegionSlots
	}
	if err := s.checkWrite(id); err != nil {
		return err
	}
	return s.provider.WriteAt(offset, src)
}

// LoadLatestTick atomically reads the publication cursor.
func (s *Store) LoadLatestTick() (uint32, error) {
	return s.provider.AtomicLoad32(OFFSET_LATEST_TICK)
}

// StoreLatestTick atomically publishes tick. Everything written before it
// is visible to any reader that observes the new value.
func (s *Store) StoreLatestTick(tick uint32) error {
	if err := s.checkWrite(RegionCursor); err != nil {
		return err
	}
	return s.provider.AtomicStore32(OFFSET_LATEST_TICK, tick)
}

// LoadPublishedAt reads the producer's last publication time in ms.
func (s *Store) LoadPublishedAt() (uint64, error) {
	return s.provider.AtomicLoad64(OFFSET_PUBLISHED_AT)
}

// StorePublishedAt records the producer's publication time in ms.
func (s *Store) StorePublishedAt(ms uint64) error {
	if err := s.checkWrite(RegionCursor); err != nil {
		return err
	}
	return s.provider.AtomicStore64(OFFSET_PUBLISHED_AT, ms)
}

// LoadSlotMarker atomically reads the tick field of the slot holding tick.
func (s *Store) LoadSlotMarker(tick uint32) (uint32, error) {
	return s.provider.AtomicLoad32(s.geometry.MarkerOffset(tick))
}

// StoreSlotMarker atomically sets the tick field of the slot holding tick.
func (s *Store) StoreSlotMarker(tick, value uint32) error {
	if err := s.checkWrite(RegionSlots); err != nil {
		return err
	}
	return s.provider.AtomicStore32(s.geometry.MarkerOffset(tick), value)
}

// Replaced reports whether the path now names a different file than the
// one mapped, which means a new producer session took over. A removed file
// counts as replaced. In-memory stores are never replaced.
func (s *Store) Replaced() (bool, error) {
	if s.info == nil || s.path == "" {
		return false, nil
	}
	current, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("stat ring file: %w", err)
	}
	return !os.SameFile(s.info, current), nil
}

// Sync flushes the mapping to its file.
func (s *Store) Sync() error {
	return s.provider.Sync()
}

// Close unmaps the region. The file itself is left in place.
func (s *Store) Close() error {
	return s.provider.Close()
}

func (s *Store) checkWrite(region RegionId) error {
	if !PolicyFor(region).CanWrite(ownerFor(s.mode), s.mode) {
		return ErrReadOnly
	}
	return nil
}
