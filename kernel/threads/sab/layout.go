package sab

import (
	"fmt"
	"math"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
)

// Ring file layout.
//
//	0x00 .. 0x40                      header (see codec.Header)
//	0x40 .. 0x40+slot_count*slot_size slot region, slot i at 0x40+i*slot_size
const (
	OFFSET_HEADER = 0x000000
	SIZE_HEADER   = codec.HeaderSize

	OFFSET_LATEST_TICK  = OFFSET_HEADER + codec.OffsetLatestTick
	OFFSET_PUBLISHED_AT = OFFSET_HEADER + codec.OffsetPublishedAt

	OFFSET_SLOTS = OFFSET_HEADER + SIZE_HEADER

	// Defaults match the original GUI ring: 1000 slots of 8KiB.
	SLOT_COUNT_DEFAULT = 1000
)

// MemoryRegion describes a region of the ring file
type MemoryRegion struct {
	Name    string
	Offset  uint32
	Size    uint32
	Purpose string
	// Stride splits the region into fixed records. A single access may not
	// cross a record boundary. Zero means the region is one record.
	Stride uint32
}

// Geometry is the immutable shape of one ring file.
type Geometry struct {
	Version   uint32
	SlotSize  uint32
	SlotCount uint32
}

// NewGeometry validates a requested geometry. A zero slotSize selects the
// layout's default.
func NewGeometry(version, slotSize, slotCount uint32) (Geometry, error) {
	layout, err := codec.LayoutFor(version)
	if err != nil {
		return Geometry{}, err
	}
	if slotSize == 0 {
		slotSize = layout.DefaultSlotSize
	}
	g := Geometry{Version: version, SlotSize: slotSize, SlotCount: slotCount}
	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

// GeometryOf extracts the geometry recorded in a header.
func GeometryOf(h codec.Header) Geometry {
	return Geometry{Version: h.Version, SlotSize: h.SlotSize, SlotCount: h.SlotCount}
}

// Validate checks layout compatibility, capacity and addressability.
func (g Geometry) Validate() error {
	layout, err := codec.LayoutFor(g.Version)
	if err != nil {
		return err
	}
	if err := layout.ValidateSlotSize(g.SlotSize); err != nil {
		return err
	}
	if g.SlotCount < codec.MinSlotCount {
		return &codec.FormatError{
			Code:    codec.CodeBadGeometry,
			Message: fmt.Sprintf("slot_count %d below minimum %d", g.SlotCount, codec.MinSlotCount),
		}
	}
	if g.fileSize64() > math.MaxUint32 {
		return &codec.FormatError{
			Code:    codec.CodeBadGeometry,
			Message: fmt.Sprintf("%d slots of %d bytes exceed 32-bit offsets", g.SlotCount, g.SlotSize),
		}
	}
	return nil
}

func (g Geometry) fileSize64() uint64 {
	return uint64(SIZE_HEADER) + uint64(g.SlotCount)*uint64(g.SlotSize)
}

// FileSize is the exact length of a ring file with this geometry.
func (g Geometry) FileSize() uint32 {
	return uint32(g.fileSize64())
}

// SlotIndex is the slot a tick occupies: tick mod slot_count.
func (g Geometry) SlotIndex(tick uint32) uint32 {
	return tick % g.SlotCount
}

// SlotOffset is the byte offset of the slot holding tick.
func (g Geometry) SlotOffset(tick uint32) uint32 {
	return OFFSET_SLOTS + g.SlotIndex(tick)*g.SlotSize
}

// MarkerOffset is the offset of the tick field inside the slot holding tick.
func (g Geometry) MarkerOffset(tick uint32) uint32 {
	return g.SlotOffset(tick) + codec.OffsetTick
}

// Regions returns the regions of a ring file with this geometry.
func (g Geometry) Regions() []MemoryRegion {
	return []MemoryRegion{
		{
			Name:    "Header",
			Offset:  OFFSET_HEADER,
			Size:    SIZE_HEADER,
			Purpose: "Magic, version, geometry, cursor and session",
		},
		{
			Name:    "Slots",
			Offset:  OFFSET_SLOTS,
			Size:    g.SlotCount * g.SlotSize,
			Purpose: "Tick snapshots, slot = tick mod slot_count",
			Stride:  g.SlotSize,
		},
	}
}

// RegionFor returns the region fully containing [offset, offset+size).
func (g Geometry) RegionFor(offset, size uint32) (MemoryRegion, error) {
	end := uint64(offset) + uint64(size)
	for _, r := range g.Regions() {
		if offset < r.Offset || end > uint64(r.Offset)+uint64(r.Size) {
			continue
		}
		if r.Stride != 0 && size > 0 {
			first := (offset - r.Offset) / r.Stride
			last := (uint32(end) - 1 - r.Offset) / r.Stride
			if first != last {
				return MemoryRegion{}, &LayoutError{
					Code:    "RECORD_STRADDLE",
					Message: fmt.Sprintf("access at %d size %d crosses a %s record boundary", offset, size, r.Name),
				}
			}
		}
		return r, nil
	}
	return MemoryRegion{}, &LayoutError{
		Code:    "INVALID_OFFSET",
		Message: fmt.Sprintf("access at %d size %d does not fit any region", offset, size),
	}
}

// LayoutError represents an out-of-layout access
type LayoutError struct {
	Code    string
	Message string
}

func (e *LayoutError) Error() string {
	return e.Code + ": " + e.Message
}
