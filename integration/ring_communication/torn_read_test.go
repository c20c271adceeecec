package ring_communication

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tickring/internal/core"
	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/threads/ring"
	"github.com/nmxmxh/tickring/kernel/utils"
)

// ========== CONCURRENT INTEGRITY ==========

// TestConcurrentReaders_NoTornSnapshots runs one writer against several
// readers, each with its own mapping of the same file. Every snapshot a
// reader accepts must carry the fields the writer encoded for that tick.
func TestConcurrentReaders_NoTornSnapshots(t *testing.T) {
	const (
		ticks   = 20000
		readers = 4
	)
	path, w := createRing(t, codec.VersionCompact, 64, 4)

	var (
		wg       sync.WaitGroup
		done     atomic.Bool
		accepted atomic.Int64
		stale    atomic.Int64
	)

	for i := 0; i < readers; i++ {
		r := openReader(t, path)
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint32
			for !done.Load() {
				snap, err := r.ReadLatest()
				switch {
				case errors.Is(err, ring.ErrNotReady):
					continue
				case errors.Is(err, ring.ErrStaleRead):
					stale.Add(1)
					continue
				case err != nil:
					t.Errorf("read latest: %v", err)
					return
				}
				if snap.Fields != fieldsFor(snap.Tick) {
					t.Errorf("tick %d: torn snapshot %+v", snap.Tick, snap.Fields)
					return
				}
				if snap.Tick < last {
					t.Errorf("cursor went backwards: %d after %d", snap.Tick, last)
					return
				}
				last = snap.Tick
				accepted.Add(1)
			}
		}()
	}

	for i := uint32(1); i <= ticks; i++ {
		tick, err := w.Publish(fieldsFor(i))
		require.NoError(t, err)
		require.Equal(t, i, tick)
	}
	done.Store(true)
	wg.Wait()

	assert.Positive(t, accepted.Load())
	t.Logf("accepted=%d stale=%d", accepted.Load(), stale.Load())
}

// TestConcurrentReadTick_ExpiredOrExact hammers ReadTick on ticks near the
// edge of the window while the writer laps the ring.
func TestConcurrentReadTick_ExpiredOrExact(t *testing.T) {
	const ticks = 10000
	path, w := createRing(t, codec.VersionCompact, 64, 4)
	r := openReader(t, path)

	var (
		wg      sync.WaitGroup
		done    atomic.Bool
		exact   atomic.Int64
		expired atomic.Int64
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !done.Load() {
			latest, err := r.LatestTick()
			if err != nil {
				t.Errorf("latest tick: %v", err)
				return
			}
			if latest < 4 {
				continue
			}
			// The oldest tick still in the window is the most likely to be
			// overwritten mid-read.
			n := latest - 3
			snap, err := r.ReadTick(n)
			switch {
			case errors.Is(err, ring.ErrExpired):
				expired.Add(1)
			case err != nil:
				t.Errorf("read tick %d: %v", n, err)
				return
			default:
				if snap.Tick != n || snap.Fields != fieldsFor(n) {
					t.Errorf("tick %d: got tick %d fields %+v", n, snap.Tick, snap.Fields)
					return
				}
				exact.Add(1)
			}
		}
	}()

	for i := uint32(1); i <= ticks; i++ {
		_, err := w.Publish(fieldsFor(i))
		require.NoError(t, err)
	}
	done.Store(true)
	wg.Wait()

	t.Logf("exact=%d expired=%d", exact.Load(), expired.Load())
}

// TestFollowerSequential_SeesEveryTickOrCountsMiss checks the follower's
// accounting: every tick is either delivered or counted as missed.
func TestFollowerSequential_SeesEveryTickOrCountsMiss(t *testing.T) {
	const ticks = 500
	path, w := createRing(t, codec.VersionCompact, 64, 64)

	f := ring.NewFollower(ring.FollowerConfig{
		Path:         path,
		Reader:       ring.ReaderConfig{Logger: utils.NopLogger()},
		PollInterval: time.Millisecond,
		Sequential:   true,
		Logger:       utils.NopLogger(),
	})
	t.Cleanup(func() { _ = f.Close() })

	_, err := w.Publish(fieldsFor(1))
	require.NoError(t, err)

	go func() {
		for i := uint32(2); i <= ticks; i++ {
			if _, err := w.Publish(fieldsFor(i)); err != nil {
				return
			}
			if i%50 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var delivered uint64
	var first, last uint32
	for last < ticks {
		snap, err := f.Next(ctx)
		require.NoError(t, err)
		require.Greater(t, snap.Tick, last)
		require.Equal(t, fieldsFor(snap.Tick), snap.Fields)
		if first == 0 {
			// The first delivery is whatever was latest on attach.
			first = snap.Tick
		}
		last = snap.Tick
		delivered++
	}

	status := f.Status()
	assert.Equal(t, uint64(ticks-first+1), delivered+status.Missed)
	assert.Zero(t, status.Restarts)
}

// ========== LAYOUTS ==========

// TestExtendedLayout_GeneratorRoundTrip publishes simulated extended
// snapshots and reads them back through a second mapping.
func TestExtendedLayout_GeneratorRoundTrip(t *testing.T) {
	path, w := createRing(t, codec.VersionExtended, 0, 8)
	r := openReader(t, path)
	gen := core.NewGenerator(core.GeneratorConfig{Seed: 7, Extended: true})

	start := time.UnixMilli(1_700_000_000_000)
	published := make(map[uint32]codec.Fields)
	for i := 0; i < 12; i++ {
		ts := start.Add(time.Duration(i) * 100 * time.Millisecond)
		fields := gen.Next(ts)
		tick, err := w.PublishAt(ts, fields)
		require.NoError(t, err)
		published[tick] = fields
	}

	for n := uint32(5); n <= 12; n++ {
		snap, err := r.ReadTick(n)
		require.NoError(t, err, "tick %d", n)
		require.NotNil(t, snap.Fields.Extended)
		assert.Equal(t, published[n], snap.Fields, "tick %d", n)
		assert.Equal(t, uint64(start.Add(time.Duration(n-1)*100*time.Millisecond).UnixMilli()), snap.TimestampMs)
	}

	_, err := r.ReadTick(4)
	assert.ErrorIs(t, err, ring.ErrExpired)
}

// TestCompactLayout_MatchesExtendedCore confirms both layouts agree on the
// fields they share.
func TestCompactLayout_MatchesExtendedCore(t *testing.T) {
	compactPath, compact := createRing(t, codec.VersionCompact, 0, 4)
	extendedPath, extended := createRing(t, codec.VersionExtended, 0, 4)

	fields := fieldsFor(42)
	_, err := compact.Publish(fields)
	require.NoError(t, err)
	_, err = extended.Publish(fields)
	require.NoError(t, err)

	a, err := openReader(t, compactPath).ReadLatest()
	require.NoError(t, err)
	b, err := openReader(t, extendedPath).ReadLatest()
	require.NoError(t, err)

	assert.Nil(t, a.Fields.Extended)
	require.NotNil(t, b.Fields.Extended)
	b.Fields.Extended = nil
	assert.Equal(t, a.Fields, b.Fields)
	assert.Equal(t, 64, int(compact.Geometry().SlotSize))
	assert.Equal(t, 8192, int(extended.Geometry().SlotSize))
}

// ========== HELPERS ==========

func createRing(t testing.TB, version, slotSize, slotCount uint32) (string, *ring.Writer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ring.mmap")
	w, err := ring.OpenWriterWithConfig(ring.WriterConfig{
		Path:      path,
		Version:   version,
		SlotSize:  slotSize,
		SlotCount: slotCount,
		Logger:    utils.NopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return path, w
}

func openReader(t testing.TB, path string) *ring.Reader {
	t.Helper()
	r, err := ring.OpenReaderWithConfig(path, ring.ReaderConfig{Logger: utils.NopLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// fieldsFor derives every field from the tick so a reader can tell a torn
// snapshot from a whole one.
func fieldsFor(tick uint32) codec.Fields {
	v := float32(tick)
	return codec.Fields{
		Mood:          codec.Mood{Valence: v, Arousal: -v, Dominance: v / 4, Coherence: v * 2},
		Cognition:     codec.Cognition{SemanticAlignment: v + 1, EntropyGradient: v + 2, DriftMagnitude: v + 3, RebloomIntensity: v + 4},
		Depth:         v / 8,
		ActiveSectors: uint64(tick)<<32 | uint64(tick),
	}
}
