package ring

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/utils"
)

// openCompact creates the 4-slot, 64-byte compact ring used across tests.
func openCompact(t *testing.T) (string, *Writer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ring.mmap")
	w, err := OpenWriterWithConfig(WriterConfig{
		Path:      path,
		Version:   codec.VersionCompact,
		SlotSize:  64,
		SlotCount: 4,
		Logger:    utils.NopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return path, w
}

func openReader(t *testing.T, path string) *Reader {
	t.Helper()
	r, err := OpenReaderWithConfig(path, ReaderConfig{Logger: utils.NopLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func fieldsFor(tick uint32) codec.Fields {
	v := float32(tick)
	return codec.Fields{
		Mood:          codec.Mood{Valence: v, Arousal: v / 2, Dominance: -v, Coherence: 1},
		Cognition:     codec.Cognition{SemanticAlignment: v * 3},
		Depth:         v / 10,
		ActiveSectors: uint64(tick) | 1<<63,
	}
}

func fixedClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
}
