package core

import (
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"time"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
)

// SectorCount is the number of memory sectors in the active-sector mask.
const SectorCount = 64

// sectorActiveRate is the chance a sector is flagged on a given tick.
const sectorActiveRate = 0.1

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Seed int64
	// Start is time zero for the waveforms. Defaults to the first Next call.
	Start time.Time
	// Extended fills heatmap, forecast and state hash for the extended layout.
	Extended bool
}

// Generator produces simulated state: smooth sinusoidal mood and cognition
// signals plus a random sparse sector mask. The same seed and start time
// give the same sequence.
type Generator struct {
	rng      *rand.Rand
	seed     int64
	start    time.Time
	extended bool
	count    uint64
}

// NewGenerator creates a generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	seed := uint64(cfg.Seed)
	return &Generator{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		seed:     cfg.Seed,
		start:    cfg.Start,
		extended: cfg.Extended,
	}
}

// Next returns the state at now.
func (g *Generator) Next(now time.Time) codec.Fields {
	if g.start.IsZero() {
		g.start = now
	}
	g.count++
	t := now.Sub(g.start).Seconds()

	scup := 0.5 + 0.3*math.Sin(t*0.1) + 0.1*math.Sin(t*0.33)
	entropy := 0.3 + 0.2*math.Cos(t*0.05) + 0.1*math.Cos(t*0.17)

	f := codec.Fields{
		Mood: codec.Mood{
			Valence:   float32(0.1 + 0.3*math.Sin(t*0.08) + 0.1*math.Sin(t*0.29)),
			Arousal:   float32(0.5 + 0.2*math.Cos(t*0.06) + 0.1*math.Cos(t*0.13)),
			Dominance: float32(0.6 + 0.3*math.Sin(t*0.03)),
			Coherence: float32(scup),
		},
		Cognition: codec.Cognition{
			SemanticAlignment: float32(scup),
			EntropyGradient:   float32(entropy),
			DriftMagnitude:    float32(0.05 + 0.02*math.Sin(t*0.06)),
			RebloomIntensity:  float32(math.Max(0, 0.3*math.Sin(t*0.08))),
		},
		Depth:         float32(0.6 + 0.3*math.Sin(t*0.03) + 0.1*math.Sin(t*0.19)),
		ActiveSectors: g.sectorMask(),
	}

	if g.extended {
		ext := &codec.Extended{}
		for i := range ext.Heatmap {
			ext.Heatmap[i] = float32(0.5 + 0.3*math.Sin(t*0.01+float64(i)*0.1))
		}
		for i := range ext.Forecast {
			ext.Forecast[i] = float32(math.Cos(t*0.02 + float64(i)*0.2))
		}
		ext.StateHash = g.stateHash(now)
		f.Extended = ext
	}
	return f
}

func (g *Generator) sectorMask() uint64 {
	var mask uint64
	for i := 0; i < SectorCount; i++ {
		if g.rng.Float64() < sectorActiveRate {
			mask |= 1 << i
		}
	}
	return mask
}

// stateHash is a short fingerprint of the generator position, "sim_"
// followed by 8 hex digits.
func (g *Generator) stateHash(now time.Time) string {
	h := fnv.New32a()
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(g.seed))
	binary.LittleEndian.PutUint64(buf[8:], g.count)
	binary.LittleEndian.PutUint64(buf[16:], uint64(now.UnixMicro()))
	_, _ = h.Write(buf[:])
	return "sim_" + hex.EncodeToString(h.Sum(nil))
}

