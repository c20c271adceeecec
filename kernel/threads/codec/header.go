package codec

import (
	"encoding/binary"
	"fmt"
)

// Header layout. All integers are little-endian and naturally aligned so
// that latest_tick and published_at can be accessed atomically in place.
const (
	HeaderSize = 64
	Magic      = "DAWN"

	OffsetMagic       = 0
	OffsetVersion     = 4
	OffsetSlotSize    = 8
	OffsetSlotCount   = 12
	OffsetLatestTick  = 16
	OffsetPublishedAt = 24
	OffsetSession     = 32
	SessionSize       = 16

	// MinSlotCount is the smallest ring that keeps the latest slot out of
	// the writer's way while it prepares the next tick.
	MinSlotCount = 2
	// SlotAlignment keeps every slot's tick marker 4-byte aligned and its
	// timestamp region predictable across runtimes.
	SlotAlignment = 8
)

// Header is the decoded fixed-size file header.
type Header struct {
	Version       uint32
	SlotSize      uint32
	SlotCount     uint32
	LatestTick    uint32
	PublishedAtMs uint64
	Session       [SessionSize]byte
}

// EncodeHeader returns a fresh header with no published tick.
func EncodeHeader(version, slotSize, slotCount uint32) []byte {
	buf := make([]byte, HeaderSize)
	EncodeHeaderInto(buf, Header{Version: version, SlotSize: slotSize, SlotCount: slotCount})
	return buf
}

// EncodeHeaderInto writes h into dst[:HeaderSize], zeroing reserved bytes.
// It panics if dst is shorter than HeaderSize.
func EncodeHeaderInto(dst []byte, h Header) {
	if len(dst) < HeaderSize {
		panic(fmt.Sprintf("codec: header buffer is %d bytes, need %d", len(dst), HeaderSize))
	}
	dst = dst[:HeaderSize]
	clear(dst)

	copy(dst[OffsetMagic:OffsetMagic+4], Magic)
	binary.LittleEndian.PutUint32(dst[OffsetVersion:], h.Version)
	binary.LittleEndian.PutUint32(dst[OffsetSlotSize:], h.SlotSize)
	binary.LittleEndian.PutUint32(dst[OffsetSlotCount:], h.SlotCount)
	binary.LittleEndian.PutUint32(dst[OffsetLatestTick:], h.LatestTick)
	binary.LittleEndian.PutUint64(dst[OffsetPublishedAt:], h.PublishedAtMs)
	copy(dst[OffsetSession:OffsetSession+SessionSize], h.Session[:])
}

// DecodeHeader parses and validates a header. Reserved bytes are ignored.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &FormatError{
			Code:    CodeTruncated,
			Message: fmt.Sprintf("header is %d bytes, need %d", len(b), HeaderSize),
		}
	}

	if string(b[OffsetMagic:OffsetMagic+4]) != Magic {
		return Header{}, &FormatError{
			Code:    CodeBadMagic,
			Message: fmt.Sprintf("expected %q, found %q", Magic, b[OffsetMagic:OffsetMagic+4]),
		}
	}

	h := Header{
		Version:       binary.LittleEndian.Uint32(b[OffsetVersion:]),
		SlotSize:      binary.LittleEndian.Uint32(b[OffsetSlotSize:]),
		SlotCount:     binary.LittleEndian.Uint32(b[OffsetSlotCount:]),
		LatestTick:    binary.LittleEndian.Uint32(b[OffsetLatestTick:]),
		PublishedAtMs: binary.LittleEndian.Uint64(b[OffsetPublishedAt:]),
	}
	copy(h.Session[:], b[OffsetSession:OffsetSession+SessionSize])

	layout, err := LayoutFor(h.Version)
	if err != nil {
		return Header{}, err
	}
	if err := layout.ValidateSlotSize(h.SlotSize); err != nil {
		return Header{}, err
	}
	// slot_count 0 is only meaningful for archives, which validate it themselves.
	if h.SlotCount != 0 && h.SlotCount < MinSlotCount {
		return Header{}, &FormatError{
			Code:    CodeBadGeometry,
			Message: fmt.Sprintf("slot_count %d below minimum %d", h.SlotCount, MinSlotCount),
		}
	}

	return h, nil
}
