// Package testutil builds ring images by hand, including ones no writer
// would produce: torn slots, stale markers, corrupt headers.
package testutil

import (
	"encoding/binary"
	"os"

	"github.com/google/uuid"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/threads/sab"
)

// RingBuilder helps create ring images for testing. Methods chain; the
// first error sticks and is returned by Build.
type RingBuilder struct {
	mem      *sab.InMemoryProvider
	geometry sab.Geometry
	layout   codec.Layout
	session  uuid.UUID
	err      error
}

// NewRingBuilder formats an empty ring with the given geometry.
func NewRingBuilder(version, slotSize, slotCount uint32) *RingBuilder {
	b := &RingBuilder{session: uuid.New()}

	g, err := sab.NewGeometry(version, slotSize, slotCount)
	if err != nil {
		b.err = err
		return b
	}
	b.geometry = g
	b.layout, b.err = codec.LayoutFor(version)
	if b.err != nil {
		return b
	}
	b.mem = sab.NewInMemoryProvider(g.FileSize())
	b.err = sab.Format(b.mem, g, b.session)
	return b
}

// WithSession rewrites the session UUID in the header.
func (b *RingBuilder) WithSession(id uuid.UUID) *RingBuilder {
	if b.err != nil {
		return b
	}
	b.session = id
	copy(b.mem.Bytes()[codec.OffsetSession:], id[:])
	return b
}

// PutSlot encodes a complete slot for tick without moving the cursor.
func (b *RingBuilder) PutSlot(tick uint32, timestampMs uint64, f codec.Fields) *RingBuilder {
	if b.err != nil {
		return b
	}
	off := b.geometry.SlotOffset(tick)
	b.err = b.layout.EncodeSlot(b.mem.Bytes()[off:off+b.geometry.SlotSize], tick, timestampMs, f)
	return b
}

// Publish puts a slot and advances the cursor to it, the way a writer does.
func (b *RingBuilder) Publish(tick uint32, timestampMs uint64, f codec.Fields) *RingBuilder {
	return b.PutSlot(tick, timestampMs, f).SetLatest(tick).SetPublishedAt(timestampMs)
}

// SetLatest stores latest_tick.
func (b *RingBuilder) SetLatest(tick uint32) *RingBuilder {
	if b.err != nil {
		return b
	}
	binary.LittleEndian.PutUint32(b.mem.Bytes()[sab.OFFSET_LATEST_TICK:], tick)
	return b
}

// SetPublishedAt stores published_at_ms.
func (b *RingBuilder) SetPublishedAt(ms uint64) *RingBuilder {
	if b.err != nil {
		return b
	}
	binary.LittleEndian.PutUint64(b.mem.Bytes()[sab.OFFSET_PUBLISHED_AT:], ms)
	return b
}

// SetMarker overwrites the tick field of the slot holding tick. A marker
// of 0 is a slot mid-write; any other mismatch is a slot that was lapped.
func (b *RingBuilder) SetMarker(tick, marker uint32) *RingBuilder {
	if b.err != nil {
		return b
	}
	binary.LittleEndian.PutUint32(b.mem.Bytes()[b.geometry.MarkerOffset(tick):], marker)
	return b
}

// CorruptMagic replaces the magic bytes.
func (b *RingBuilder) CorruptMagic(magic string) *RingBuilder {
	if b.err != nil {
		return b
	}
	copy(b.mem.Bytes()[codec.OffsetMagic:codec.OffsetMagic+4], magic)
	return b
}

// SetVersion rewrites the header version without touching the slots.
func (b *RingBuilder) SetVersion(version uint32) *RingBuilder {
	if b.err != nil {
		return b
	}
	binary.LittleEndian.PutUint32(b.mem.Bytes()[codec.OffsetVersion:], version)
	return b
}

// Session returns the session written into the header.
func (b *RingBuilder) Session() uuid.UUID {
	return b.session
}

// Geometry returns the geometry the ring was formatted with.
func (b *RingBuilder) Geometry() sab.Geometry {
	return b.geometry
}

// Build returns the provider holding the image. Open it with
// sab.NewStore, or use ReadOnlyView for a reader.
func (b *RingBuilder) Build() (*sab.InMemoryProvider, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.mem, nil
}

// Bytes returns a copy of the image.
func (b *RingBuilder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return append([]byte(nil), b.mem.Bytes()...), nil
}

// WriteFile writes the image to path, for tests that go through mmap.
// truncate, when positive, cuts the file short.
func (b *RingBuilder) WriteFile(path string, truncate int) error {
	data, err := b.Bytes()
	if err != nil {
		return err
	}
	if truncate > 0 && truncate < len(data) {
		data = data[:truncate]
	}
	return os.WriteFile(path, data, 0o644)
}
