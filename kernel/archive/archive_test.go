package archive

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/threads/ring"
	"github.com/nmxmxh/tickring/kernel/utils"
)

func compactSlot(tick uint32) codec.Slot {
	return codec.Slot{
		Tick:        tick,
		TimestampMs: 1_000 + uint64(tick),
		Fields: codec.Fields{
			Mood:          codec.Mood{Valence: float32(tick) / 10},
			Depth:         0.5,
			ActiveSectors: 0b1011,
		},
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	session := uuid.New()

	w, err := NewWriter(&buf, Options{Version: codec.VersionCompact, Session: session})
	require.NoError(t, err)
	for tick := uint32(1); tick <= 50; tick++ {
		require.NoError(t, w.Append(compactSlot(tick)))
	}
	assert.Equal(t, uint64(50), w.Count())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, codec.VersionCompact, r.Header().Version)
	assert.Equal(t, uint32(64), r.Header().SlotSize)
	assert.Equal(t, uint32(0), r.Header().SlotCount)
	assert.Equal(t, session, r.Session())

	for tick := uint32(1); tick <= 50; tick++ {
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, compactSlot(tick), got)
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestArchiveExtendedLayout(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Options{Quality: brotli.BestSpeed})
	require.NoError(t, err)
	assert.Equal(t, uint32(8192), w.Header().SlotSize)

	slot := compactSlot(1)
	slot.Fields.Extended = &codec.Extended{StateHash: "deadbeef"}
	slot.Fields.Extended.Heatmap[3] = 0.25
	require.NoError(t, w.Append(slot))
	require.NoError(t, w.Close())

	// Zero padding compresses away.
	assert.Less(t, buf.Len(), 1024)

	r, err := NewReader(&buf)
	require.NoError(t, err)
	got, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, slot, got)
}

func TestArchiveRejectsOutOfOrderTicks(t *testing.T) {
	w, err := NewWriter(io.Discard, Options{Version: codec.VersionCompact})
	require.NoError(t, err)

	require.NoError(t, w.Append(compactSlot(5)))
	assert.Error(t, w.Append(compactSlot(5)))
	assert.Error(t, w.Append(compactSlot(4)))
	assert.Error(t, w.Append(compactSlot(0)))
	assert.Equal(t, uint32(5), w.LastTick())
}

func TestArchiveTruncated(t *testing.T) {
	var raw bytes.Buffer
	zw := brotli.NewWriter(&raw)
	_, err := zw.Write(codec.EncodeHeader(codec.VersionCompact, 64, 0))
	require.NoError(t, err)
	_, err = zw.Write(make([]byte, 64+10))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	r, err := NewReader(&raw)
	require.NoError(t, err)

	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, codec.ErrTruncated)
}

func TestArchiveBadHeader(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		var raw bytes.Buffer
		zw := brotli.NewWriter(&raw)
		require.NoError(t, zw.Close())

		_, err := NewReader(&raw)
		assert.ErrorIs(t, err, codec.ErrTruncated)
	})

	t.Run("BadMagic", func(t *testing.T) {
		var raw bytes.Buffer
		zw := brotli.NewWriter(&raw)
		_, err := zw.Write(make([]byte, codec.HeaderSize))
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		_, err = NewReader(&raw)
		assert.ErrorIs(t, err, codec.ErrBadMagic)
	})

	t.Run("BadOptions", func(t *testing.T) {
		_, err := NewWriter(io.Discard, Options{Version: 7})
		assert.ErrorIs(t, err, codec.ErrUnsupportedVersion)
		_, err = NewWriter(io.Discard, Options{Version: codec.VersionCompact, SlotSize: 60})
		assert.ErrorIs(t, err, codec.ErrBadGeometry)
		_, err = NewWriter(io.Discard, Options{Quality: 12})
		assert.Error(t, err)
	})
}

func TestExportFromRing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.mmap")
	rw, err := ring.OpenWriterWithConfig(ring.WriterConfig{
		Path:      path,
		Version:   codec.VersionCompact,
		SlotCount: 4,
		Logger:    utils.NopLogger(),
	})
	require.NoError(t, err)
	defer rw.Close()

	rr, err := ring.OpenReaderWithConfig(path, ring.ReaderConfig{Logger: utils.NopLogger()})
	require.NoError(t, err)
	defer rr.Close()

	var buf bytes.Buffer
	w, err := NewWriter(&buf, Options{Version: codec.VersionCompact, Session: rr.Session()})
	require.NoError(t, err)

	n, err := Export(rr, w)
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 1; i <= 3; i++ {
		_, err := rw.Publish(codec.Fields{Depth: float32(i)})
		require.NoError(t, err)
	}
	n, err = Export(rr, w)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Seven more: only the last four are still in the ring.
	for i := 4; i <= 10; i++ {
		_, err := rw.Publish(codec.Fields{Depth: float32(i)})
		require.NoError(t, err)
	}
	n, err = Export(rr, w)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	var ticks []uint32
	for {
		s, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ticks = append(ticks, s.Tick)
		assert.Equal(t, float32(s.Tick), s.Fields.Depth)
	}
	assert.Equal(t, []uint32{1, 2, 3, 7, 8, 9, 10}, ticks)
}
