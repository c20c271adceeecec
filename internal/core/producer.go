package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/threads/ring"
	"github.com/nmxmxh/tickring/kernel/utils"
)

// ProducerState represents the lifecycle state of the producer
type ProducerState int32

const (
	StateUninitialized ProducerState = iota
	StateRunning
	StateStopping
	StateStopped
	StatePanic
)

var stateNames = map[ProducerState]string{
	StateUninitialized: "UNINITIALIZED",
	StateRunning:       "RUNNING",
	StateStopping:      "STOPPING",
	StateStopped:       "STOPPED",
	StatePanic:         "PANIC",
}

func (s ProducerState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int32(s))
}

// Publisher is implemented by *ring.Writer.
type Publisher interface {
	PublishAt(ts time.Time, fields codec.Fields) (uint32, error)
}

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	Publisher Publisher
	Generator *Generator
	// Interval between ticks.
	Interval time.Duration
	// MaxRate caps publications per second. Zero disables the cap.
	MaxRate float64
	Burst   int
	Logger  *utils.Logger
	Clock   func() time.Time
}

// ProducerStats counts what Run did.
type ProducerStats struct {
	Published uint64
	Throttled uint64
	Failed    uint64
}

// Producer publishes generated state into a ring on a fixed interval.
type Producer struct {
	state     atomic.Int32
	publisher Publisher
	generator *Generator
	interval  time.Duration
	limiter   *rate.Limiter
	logger    *utils.Logger
	clock     func() time.Time

	published atomic.Uint64
	throttled atomic.Uint64
	failed    atomic.Uint64
}

// NewProducer creates a producer. Publisher and Generator are required.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if cfg.Publisher == nil || cfg.Generator == nil {
		return nil, errors.New("producer needs a publisher and a generator")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("producer interval must be positive, got %s", cfg.Interval)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = utils.DefaultLogger("producer")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	p := &Producer{
		publisher: cfg.Publisher,
		generator: cfg.Generator,
		interval:  cfg.Interval,
		logger:    logger,
		clock:     clock,
	}
	if cfg.MaxRate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), burst)
	}
	p.setState(StateUninitialized)
	return p, nil
}

// Run publishes one tick per interval until ctx ends or the ring refuses
// further ticks. A cancelled context is a clean stop and returns nil.
func (p *Producer) Run(ctx context.Context) (err error) {
	if !p.transitionState(StateUninitialized, StateRunning) {
		return fmt.Errorf("producer cannot run from state %s", p.State())
	}
	defer p.recoverPanic(&err)

	p.logger.Info("producer running",
		utils.Duration("interval", p.interval),
		utils.Bool("rate_capped", p.limiter != nil),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		// A tick and a cancellation can be ready together; cancellation wins.
		if ctx.Err() != nil {
			p.stop()
			return nil
		}
		if err := p.step(); err != nil {
			p.setState(StateStopped)
			return err
		}

		select {
		case <-ctx.Done():
			p.stop()
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Producer) stop() {
	p.setState(StateStopping)
	p.logger.Info("producer stopping", utils.Uint64("published", p.published.Load()))
	p.setState(StateStopped)
}

// step publishes a single tick. Only errors that make further ticks
// impossible are returned.
func (p *Producer) step() error {
	now := p.clock()
	if p.limiter != nil && !p.limiter.AllowN(now, 1) {
		p.throttled.Add(1)
		return nil
	}

	fields := p.generator.Next(now)
	tick, err := p.publisher.PublishAt(now, fields)
	switch {
	case err == nil:
		p.published.Add(1)
		if tick%100 == 0 {
			p.logger.Info("tick milestone",
				utils.Uint32("tick", tick),
				utils.Int("active_sectors", fields.ActiveSectorCount()),
			)
		}
		return nil
	case errors.Is(err, ring.ErrTickSpaceExhausted), errors.Is(err, ring.ErrWriterClosed):
		p.failed.Add(1)
		return err
	default:
		p.failed.Add(1)
		p.logger.Error("publish failed", utils.Err(err))
		return nil
	}
}

// State returns the current lifecycle state.
func (p *Producer) State() ProducerState {
	return ProducerState(p.state.Load())
}

// Stats returns a copy of the producer counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Published: p.published.Load(),
		Throttled: p.throttled.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Producer) setState(s ProducerState) {
	p.state.Store(int32(s))
}

func (p *Producer) transitionState(from, to ProducerState) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

func (p *Producer) recoverPanic(err *error) {
	if r := recover(); r != nil {
		p.setState(StatePanic)
		p.logger.Error("PRODUCER PANIC",
			utils.Any("reason", r),
			utils.String("stack", string(debug.Stack())))
		*err = fmt.Errorf("producer panic: %v", r)
	}
}
