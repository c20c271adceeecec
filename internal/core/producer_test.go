package core

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/threads/ring"
	"github.com/nmxmxh/tickring/kernel/utils"
)

type recordingPublisher struct {
	mu    sync.Mutex
	ticks []uint32
	err   error
	panic bool
}

func (r *recordingPublisher) PublishAt(ts time.Time, fields codec.Fields) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panic {
		panic("boom")
	}
	if r.err != nil {
		return 0, r.err
	}
	tick := uint32(len(r.ticks) + 1)
	r.ticks = append(r.ticks, tick)
	return tick, nil
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

func newProducer(t *testing.T, pub Publisher, maxRate float64) *Producer {
	t.Helper()
	p, err := NewProducer(ProducerConfig{
		Publisher: pub,
		Generator: NewGenerator(GeneratorConfig{Seed: 1}),
		Interval:  time.Millisecond,
		MaxRate:   maxRate,
		Logger:    utils.NopLogger(),
	})
	require.NoError(t, err)
	return p
}

func TestProducerPublishesUntilCancelled(t *testing.T) {
	pub := &recordingPublisher{}
	p := newProducer(t, pub, 0)
	assert.Equal(t, StateUninitialized, p.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.count() >= 5 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, StateStopped, p.State())
	assert.GreaterOrEqual(t, p.Stats().Published, uint64(5))

	// A stopped producer does not run again.
	assert.Error(t, p.Run(context.Background()))
}

func TestProducerCancelledBeforeRun(t *testing.T) {
	pub := &recordingPublisher{}
	p := newProducer(t, pub, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	assert.Zero(t, pub.count())
	assert.Zero(t, p.Stats().Published)
	assert.Equal(t, StateStopped, p.State())
}

func TestProducerRateCap(t *testing.T) {
	pub := &recordingPublisher{}
	p := newProducer(t, pub, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	assert.Equal(t, 1, pub.count())
	assert.Positive(t, p.Stats().Throttled)
}

func TestProducerStopsOnExhaustedRing(t *testing.T) {
	pub := &recordingPublisher{err: ring.ErrTickSpaceExhausted}
	p := newProducer(t, pub, 0)

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, ring.ErrTickSpaceExhausted)
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestProducerKeepsGoingOnTransientErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("disk hiccup")}
	p := newProducer(t, pub, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))
	assert.Greater(t, p.Stats().Failed, uint64(1))
}

func TestProducerRecoversPanic(t *testing.T) {
	p := newProducer(t, &recordingPublisher{panic: true}, 0)

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, StatePanic, p.State())
}

func TestProducerConfigErrors(t *testing.T) {
	_, err := NewProducer(ProducerConfig{Interval: time.Second})
	assert.Error(t, err)

	_, err = NewProducer(ProducerConfig{
		Publisher: &recordingPublisher{},
		Generator: NewGenerator(GeneratorConfig{}),
	})
	assert.Error(t, err)
}

func TestProducerIntoRing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.mmap")
	w, err := ring.OpenWriterWithConfig(ring.WriterConfig{
		Path:      path,
		Version:   codec.VersionExtended,
		SlotCount: 16,
		Logger:    utils.NopLogger(),
	})
	require.NoError(t, err)
	defer w.Close()

	p, err := NewProducer(ProducerConfig{
		Publisher: w,
		Generator: NewGenerator(GeneratorConfig{Seed: 9, Extended: true}),
		Interval:  time.Millisecond,
		Logger:    utils.NopLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool { return w.LatestTick() >= 20 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	r, err := ring.OpenReaderWithConfig(path, ring.ReaderConfig{Logger: utils.NopLogger()})
	require.NoError(t, err)
	defer r.Close()

	snap, err := r.ReadLatest()
	require.NoError(t, err)
	require.NotNil(t, snap.Fields.Extended)
	assert.Contains(t, snap.Fields.Extended.StateHash, "sim_")
}
