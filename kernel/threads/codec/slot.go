package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// Mood is the emotional quadrant of a snapshot.
type Mood struct {
	Valence   float32
	Arousal   float32
	Dominance float32
	Coherence float32
}

// Cognition is the pure-logic vector of a snapshot.
type Cognition struct {
	SemanticAlignment float32
	EntropyGradient   float32
	DriftMagnitude    float32
	RebloomIntensity  float32
}

// Extended holds the arrays only the extended layout can carry.
type Extended struct {
	Heatmap   [HeatmapLen]float32
	Forecast  [ForecastLen]float32
	StateHash string
}

// Fields is the versioned, fixed-shape payload of one tick.
type Fields struct {
	Mood          Mood
	Cognition     Cognition
	Depth         float32
	ActiveSectors uint64
	// Extended must be nil for the compact layout. The extended layout
	// always decodes it as non-nil.
	Extended *Extended
}

// ActiveSectorCount is the number of set bits in the sector mask.
func (f Fields) ActiveSectorCount() int {
	return bits.OnesCount64(f.ActiveSectors)
}

// Slot is one decoded ring entry.
type Slot struct {
	Tick        uint32
	TimestampMs uint64
	Fields      Fields
}

// EncodeSlot writes tick, timestamp and fields into dst and zeroes every
// other byte of dst. dst is normally exactly slot_size bytes long.
//
// A dst shorter than the layout minimum is a programming error and panics;
// geometry validation at create time keeps it from happening at runtime.
func (l Layout) EncodeSlot(dst []byte, tick uint32, timestampMs uint64, f Fields) error {
	l.mustFit(len(dst))

	if f.Extended != nil && !l.extended {
		return fmt.Errorf("%w: %s layout has no extended fields", ErrFieldOverflow, l.Name)
	}
	if f.Extended != nil {
		if len(f.Extended.StateHash) > MaxStateHashLen {
			return fmt.Errorf("%w: state hash is %d bytes, max %d", ErrFieldOverflow, len(f.Extended.StateHash), MaxStateHashLen)
		}
		if strings.IndexByte(f.Extended.StateHash, 0) >= 0 {
			return fmt.Errorf("%w: state hash contains NUL", ErrFieldOverflow)
		}
	}

	clear(dst)

	binary.LittleEndian.PutUint32(dst[OffsetTick:], tick)
	binary.LittleEndian.PutUint64(dst[OffsetTimestamp:], timestampMs)

	metrics := [MetricCount]float32{
		f.Mood.Valence, f.Mood.Arousal, f.Mood.Dominance, f.Mood.Coherence,
		f.Cognition.SemanticAlignment, f.Cognition.EntropyGradient,
		f.Cognition.DriftMagnitude, f.Cognition.RebloomIntensity,
		f.Depth,
	}
	putFloats(dst[OffsetMetrics:], metrics[:])

	binary.LittleEndian.PutUint64(dst[l.sectorOffset:], f.ActiveSectors)

	if f.Extended != nil {
		putFloats(dst[OffsetHeatmap:], f.Extended.Heatmap[:])
		putFloats(dst[OffsetForecast:], f.Extended.Forecast[:])
		copy(dst[OffsetStateHash:OffsetStateHash+StateHashSize], f.Extended.StateHash)
	}
	return nil
}

// DecodeSlot reinterprets src as a slot of this layout. It performs no
// range validation: out-of-range floats decode as they are.
func (l Layout) DecodeSlot(src []byte) Slot {
	l.mustFit(len(src))

	var metrics [MetricCount]float32
	getFloats(src[OffsetMetrics:], metrics[:])

	s := Slot{
		Tick:        binary.LittleEndian.Uint32(src[OffsetTick:]),
		TimestampMs: binary.LittleEndian.Uint64(src[OffsetTimestamp:]),
		Fields: Fields{
			Mood: Mood{
				Valence:   metrics[0],
				Arousal:   metrics[1],
				Dominance: metrics[2],
				Coherence: metrics[3],
			},
			Cognition: Cognition{
				SemanticAlignment: metrics[4],
				EntropyGradient:   metrics[5],
				DriftMagnitude:    metrics[6],
				RebloomIntensity:  metrics[7],
			},
			Depth:         metrics[8],
			ActiveSectors: binary.LittleEndian.Uint64(src[l.sectorOffset:]),
		},
	}

	if l.extended {
		ext := &Extended{}
		getFloats(src[OffsetHeatmap:], ext.Heatmap[:])
		getFloats(src[OffsetForecast:], ext.Forecast[:])
		hash := src[OffsetStateHash : OffsetStateHash+StateHashSize]
		if i := bytes.IndexByte(hash, 0); i >= 0 {
			hash = hash[:i]
		}
		ext.StateHash = string(hash)
		s.Fields.Extended = ext
	}
	return s
}

// EncodeSlot allocates a slotSize buffer and encodes into it.
func EncodeSlot(version, slotSize, tick uint32, timestampMs uint64, f Fields) ([]byte, error) {
	l, err := LayoutFor(version)
	if err != nil {
		return nil, err
	}
	if err := l.ValidateSlotSize(slotSize); err != nil {
		return nil, err
	}
	buf := make([]byte, slotSize)
	if err := l.EncodeSlot(buf, tick, timestampMs, f); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeSlot decodes src with the layout for version.
func DecodeSlot(version uint32, src []byte) (Slot, error) {
	l, err := LayoutFor(version)
	if err != nil {
		return Slot{}, err
	}
	if uint32(len(src)) < l.MinSlotSize {
		return Slot{}, &FormatError{
			Code:    CodeTruncated,
			Message: fmt.Sprintf("slot is %d bytes, %s layout needs %d", len(src), l.Name, l.MinSlotSize),
		}
	}
	return l.DecodeSlot(src), nil
}

func (l Layout) mustFit(n int) {
	if uint32(n) < l.MinSlotSize {
		panic(fmt.Sprintf("codec: %s slot buffer is %d bytes, need at least %d", l.Name, n, l.MinSlotSize))
	}
}

func putFloats(dst []byte, values []float32) {
	for i, v := range values {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

func getFloats(src []byte, out []float32) {
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
}
