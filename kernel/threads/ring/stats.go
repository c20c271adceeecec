package ring

import (
	"sync/atomic"
	"time"
)

// WriterStats is a point-in-time copy of writer counters.
type WriterStats struct {
	Published     uint64
	Failed        uint64
	LatestTick    uint32
	LastPublished time.Time
}

type writerCounters struct {
	published  atomic.Uint64
	failed     atomic.Uint64
	latestTick atomic.Uint32
	lastUnixMs atomic.Int64
}

func (c *writerCounters) snapshot() WriterStats {
	s := WriterStats{
		Published:  c.published.Load(),
		Failed:     c.failed.Load(),
		LatestTick: c.latestTick.Load(),
	}
	if ms := c.lastUnixMs.Load(); ms != 0 {
		s.LastPublished = time.UnixMilli(ms)
	}
	return s
}

// ReaderStats is a point-in-time copy of reader counters.
type ReaderStats struct {
	Reads      uint64 // successful snapshot reads
	Retries    uint64 // inconsistent attempts that were retried
	StaleReads uint64 // reads that gave up with ErrStaleRead
	Expired    uint64 // ReadTick calls for ticks outside the window
	NotReady   uint64
	Restarts   uint64 // cursor went backwards or the session changed
}

// Add returns the field-wise sum of s and o.
func (s ReaderStats) Add(o ReaderStats) ReaderStats {
	return ReaderStats{
		Reads:      s.Reads + o.Reads,
		Retries:    s.Retries + o.Retries,
		StaleReads: s.StaleReads + o.StaleReads,
		Expired:    s.Expired + o.Expired,
		NotReady:   s.NotReady + o.NotReady,
		Restarts:   s.Restarts + o.Restarts,
	}
}

type readerCounters struct {
	reads      atomic.Uint64
	retries    atomic.Uint64
	staleReads atomic.Uint64
	expired    atomic.Uint64
	notReady   atomic.Uint64
	restarts   atomic.Uint64
}

func (c *readerCounters) snapshot() ReaderStats {
	return ReaderStats{
		Reads:      c.reads.Load(),
		Retries:    c.retries.Load(),
		StaleReads: c.staleReads.Load(),
		Expired:    c.expired.Load(),
		NotReady:   c.notReady.Load(),
		Restarts:   c.restarts.Load(),
	}
}
