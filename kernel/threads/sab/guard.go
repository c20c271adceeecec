package sab

// Region owner bitmask, shared with readers in other runtimes.
type RegionOwner uint32

const (
	RegionOwnerProducer RegionOwner = 1 << 0
	RegionOwnerConsumer RegionOwner = 1 << 1
)

// AccessMode defines how a store or region may be touched.
type AccessMode int

const (
	AccessReadOnly AccessMode = iota
	AccessSingleWriter
)

func (m AccessMode) String() string {
	switch m {
	case AccessReadOnly:
		return "read-only"
	case AccessSingleWriter:
		return "single-writer"
	default:
		return "unknown"
	}
}

// RegionId identifies guarded parts of the ring file.
type RegionId uint32

const (
	// RegionGeometry is magic, version, slot_size, slot_count and session.
	// Written once by Format, immutable afterwards.
	RegionGeometry RegionId = iota
	// RegionCursor is latest_tick and published_at.
	RegionCursor
	// RegionSlots is the slot data, including each slot's tick marker.
	RegionSlots
)

// RegionPolicy declares who can access a region and how.
type RegionPolicy struct {
	RegionID   RegionId
	Access     AccessMode
	WriterMask RegionOwner
	ReaderMask RegionOwner
}

// PolicyFor returns the canonical policy for a region.
func PolicyFor(region RegionId) RegionPolicy {
	switch region {
	case RegionCursor, RegionSlots:
		return RegionPolicy{
			RegionID:   region,
			Access:     AccessSingleWriter,
			WriterMask: RegionOwnerProducer,
			ReaderMask: RegionOwnerProducer | RegionOwnerConsumer,
		}
	default:
		return RegionPolicy{
			RegionID:   region,
			Access:     AccessReadOnly,
			WriterMask: 0,
			ReaderMask: RegionOwnerProducer | RegionOwnerConsumer,
		}
	}
}

// CanWrite reports whether an owner holding a store in mode may write region.
func (p RegionPolicy) CanWrite(owner RegionOwner, mode AccessMode) bool {
	return mode == AccessSingleWriter && p.Access == AccessSingleWriter && p.WriterMask&owner != 0
}

func ownerFor(mode AccessMode) RegionOwner {
	if mode == AccessSingleWriter {
		return RegionOwnerProducer
	}
	return RegionOwnerConsumer
}
