package codec

import "fmt"

// Slot layout versions. A version pins every field offset; a new field
// means a new version and a new Layout, never a computed offset.
const (
	// VersionExtended is the original GUI layout: core metrics, sector mask
	// at 72, semantic heatmap, forecast vector and a state hash.
	VersionExtended uint32 = 1
	// VersionCompact carries only the core metrics and the sector mask.
	VersionCompact uint32 = 2

	DefaultVersion = VersionExtended
)

// Offsets shared by every layout.
const (
	OffsetTick      = 0
	OffsetTimestamp = 4
	OffsetMetrics   = 12
	MetricCount     = 9
	metricsEnd      = OffsetMetrics + MetricCount*4 // 48
)

// Extended layout offsets.
const (
	OffsetExtendedSectors = 72
	OffsetHeatmap         = 80
	HeatmapLen            = 256
	OffsetForecast        = OffsetHeatmap + HeatmapLen*4 // 1104
	ForecastLen           = 32
	OffsetStateHash       = OffsetForecast + ForecastLen*4 // 1232
	StateHashSize         = 32
	MaxStateHashLen       = StateHashSize - 1
	extendedEnd           = OffsetStateHash + StateHashSize // 1264
)

// Compact layout offsets.
const (
	OffsetCompactSectors = metricsEnd
	compactEnd           = OffsetCompactSectors + 8 // 56
)

// Layout describes the fixed field offsets of one slot version.
type Layout struct {
	Version         uint32
	Name            string
	MinSlotSize     uint32
	DefaultSlotSize uint32

	sectorOffset int
	extended     bool
}

var layouts = map[uint32]Layout{
	VersionExtended: {
		Version:         VersionExtended,
		Name:            "extended",
		MinSlotSize:     extendedEnd,
		DefaultSlotSize: 8192,
		sectorOffset:    OffsetExtendedSectors,
		extended:        true,
	},
	VersionCompact: {
		Version:         VersionCompact,
		Name:            "compact",
		MinSlotSize:     compactEnd,
		DefaultSlotSize: 64,
		sectorOffset:    OffsetCompactSectors,
	},
}

// LayoutFor returns the layout for a version recognised by this build.
func LayoutFor(version uint32) (Layout, error) {
	l, ok := layouts[version]
	if !ok {
		return Layout{}, &FormatError{
			Code:    CodeUnsupportedVersion,
			Message: fmt.Sprintf("version %d is not known to this build", version),
		}
	}
	return l, nil
}

// SupportedVersions lists every version this build can decode.
func SupportedVersions() []uint32 {
	return []uint32{VersionExtended, VersionCompact}
}

// Extended reports whether the layout carries heatmap, forecast and hash.
func (l Layout) Extended() bool {
	return l.extended
}

// ValidateSlotSize checks a stored or requested slot size against the layout.
func (l Layout) ValidateSlotSize(slotSize uint32) error {
	if slotSize < l.MinSlotSize {
		return &FormatError{
			Code:    CodeBadGeometry,
			Message: fmt.Sprintf("slot_size %d below %s layout minimum %d", slotSize, l.Name, l.MinSlotSize),
		}
	}
	if slotSize%SlotAlignment != 0 {
		return &FormatError{
			Code:    CodeBadGeometry,
			Message: fmt.Sprintf("slot_size %d is not a multiple of %d", slotSize, SlotAlignment),
		}
	}
	return nil
}

func (l Layout) String() string {
	return fmt.Sprintf("%s(v%d)", l.Name, l.Version)
}
