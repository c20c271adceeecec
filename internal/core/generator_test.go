package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
)

func TestGeneratorDeterministic(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	a := NewGenerator(GeneratorConfig{Seed: 42, Start: start, Extended: true})
	b := NewGenerator(GeneratorConfig{Seed: 42, Start: start, Extended: true})

	for i := 0; i < 20; i++ {
		now := start.Add(time.Duration(i) * 500 * time.Millisecond)
		assert.Equal(t, a.Next(now), b.Next(now))
	}
}

func TestGeneratorSeedsDiffer(t *testing.T) {
	start := time.Unix(0, 0)
	a := NewGenerator(GeneratorConfig{Seed: 1, Start: start})
	b := NewGenerator(GeneratorConfig{Seed: 2, Start: start})

	same := 0
	for i := 0; i < 10; i++ {
		now := start.Add(time.Duration(i) * time.Second)
		if a.Next(now).ActiveSectors == b.Next(now).ActiveSectors {
			same++
		}
	}
	assert.Less(t, same, 10)
}

func TestGeneratorRanges(t *testing.T) {
	start := time.Unix(0, 0)
	g := NewGenerator(GeneratorConfig{Seed: 7, Start: start, Extended: true})

	total := 0
	const ticks = 500
	for i := 0; i < ticks; i++ {
		f := g.Next(start.Add(time.Duration(i) * time.Second))

		assert.InDelta(t, 0.1, f.Mood.Valence, 0.41)
		assert.InDelta(t, 0.5, f.Mood.Arousal, 0.31)
		assert.InDelta(t, 0.6, f.Depth, 0.41)
		assert.GreaterOrEqual(t, f.Cognition.RebloomIntensity, float32(0))

		require.NotNil(t, f.Extended)
		assert.Len(t, f.Extended.StateHash, 12)
		assert.LessOrEqual(t, len(f.Extended.StateHash), codec.MaxStateHashLen)
		total += f.ActiveSectorCount()
	}

	// About one sector in ten is active.
	mean := float64(total) / ticks
	assert.InDelta(t, 6.4, mean, 1.5)
}

func TestGeneratorCompactOmitsExtended(t *testing.T) {
	g := NewGenerator(GeneratorConfig{Seed: 1})
	f := g.Next(time.Now())
	assert.Nil(t, f.Extended)

	buf := make([]byte, 64)
	l, err := codec.LayoutFor(codec.VersionCompact)
	require.NoError(t, err)
	require.NoError(t, l.EncodeSlot(buf, 1, 0, f))
}

func TestGeneratorStartsAtFirstCall(t *testing.T) {
	g := NewGenerator(GeneratorConfig{Seed: 3})
	now := time.Now()
	f := g.Next(now)

	// t == 0: sin terms vanish.
	assert.InDelta(t, 0.1, f.Mood.Valence, 1e-6)
	assert.InDelta(t, 0.6, f.Depth, 1e-6)
}
