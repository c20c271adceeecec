package ring

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/utils"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultRateWindow   = 120
)

// FollowerConfig configures a Follower.
type FollowerConfig struct {
	Path   string
	Reader ReaderConfig

	// PollInterval bounds every wait so that producer restarts are noticed
	// even when the cursor stops moving.
	PollInterval time.Duration
	// Sequential delivers every tick in order instead of only the latest.
	// Ticks that expire before they are read are counted as missed.
	Sequential bool
	// RateWindow is the number of deliveries used to estimate the rate.
	RateWindow int

	// BreakerFailures consecutive attach failures open the breaker for
	// BreakerTimeout. Defaults are 5 and 5s.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Logger *utils.Logger
	Clock  func() time.Time
}

// Status describes a follower at one point in time.
type Status struct {
	Path         string
	Attached     bool
	Session      uuid.UUID
	Tick         uint32
	RateHz       float64
	Uptime       time.Duration
	Restarts     uint64
	Missed       uint64
	BreakerState string
}

type rateSample struct {
	tick uint32
	at   time.Time
}

// Follower tracks a ring across producer restarts. It waits for the file
// to appear, reattaches when the file is replaced and delivers snapshots in
// tick order. Next must be called from a single goroutine; Status is safe
// from any.
type Follower struct {
	cfg     FollowerConfig
	logger  *utils.Logger
	clock   func() time.Time
	breaker *gobreaker.CircuitBreaker
	watcher *fsnotify.Watcher
	started time.Time

	mu       sync.Mutex
	reader   *Reader
	session  uuid.UUID
	lastTick uint32
	restarts uint64
	missed   uint64
	samples  []rateSample
	closed   bool

	// restartPending is set by a cursor drop so that the session change
	// delivered next is not counted a second time.
	restartPending bool
	// retired sums the counters of readers already detached.
	retired ReaderStats
}

// NewFollower creates a follower. It does not touch the file until Next.
func NewFollower(cfg FollowerConfig) *Follower {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RateWindow <= 1 {
		cfg.RateWindow = DefaultRateWindow
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = utils.DefaultLogger("ring-follower")
	}
	if cfg.Reader.Logger == nil {
		cfg.Reader.Logger = logger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	f := &Follower{
		cfg:     cfg,
		logger:  logger.With(utils.String("path", cfg.Path)),
		clock:   clock,
		started: clock(),
		samples: make([]rateSample, 0, cfg.RateWindow),
	}
	failures := cfg.BreakerFailures
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ring-attach",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A missing or empty ring is the normal state before a producer starts.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotReady)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("attach breaker changed state",
				utils.String("from", from.String()),
				utils.String("to", to.String()),
			)
		},
	})
	return f
}

// Next blocks until a snapshot newer than the last one delivered is
// available, or ctx ends. Format errors are returned as they are and
// stop the follower from making progress; everything else is retried.
func (f *Follower) Next(ctx context.Context) (Snapshot, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, err
		}
		if f.isClosed() {
			return Snapshot{}, ErrReaderClosed
		}

		r := f.currentReader()
		if r == nil {
			if err := f.attach(); err != nil {
				if codec.IsFormatError(err) {
					return Snapshot{}, err
				}
				if errors.Is(err, ErrNotReady) {
					f.waitForFile(ctx)
				} else {
					f.logger.Debug("attach failed", utils.Err(err))
					f.sleep(ctx, f.cfg.PollInterval)
				}
				continue
			}
			r = f.currentReader()
		}

		if replaced, err := r.Replaced(); err != nil {
			f.logger.Warn("cannot check ring file", utils.Err(err))
		} else if replaced {
			f.logger.Warn("ring file replaced, reattaching")
			f.detach()
			continue
		}

		snap, err := f.read(r)
		switch {
		case err == nil:
			f.deliver(snap)
			return snap, nil
		case errors.Is(err, ErrNotReady), errors.Is(err, ErrStaleRead):
		case errors.Is(err, ErrReplaced):
			f.logger.Warn("ring file replaced, reattaching")
			f.detach()
			continue
		case codec.IsFormatError(err):
			return Snapshot{}, err
		default:
			f.logger.Warn("read failed, reattaching", utils.Err(err))
			f.detach()
			continue
		}

		epoch := r.Epoch()
		epoch.Observe(f.lastTick)
		if _, err := epoch.WaitForChange(ctx, f.cfg.PollInterval); err != nil {
			return Snapshot{}, err
		}
	}
}

// read returns the next snapshot to deliver, or ErrNotReady if there is
// nothing newer than the last delivery.
func (f *Follower) read(r *Reader) (Snapshot, error) {
	latest, err := r.LatestTick()
	if err != nil {
		return Snapshot{}, err
	}
	if latest < f.lastTick {
		f.restartInPlace(latest)
	}

	if f.cfg.Sequential && f.lastTick > 0 {
		snap, err := r.ReadTick(f.lastTick + 1)
		if err == nil || !errors.Is(err, ErrExpired) {
			return snap, err
		}
	}

	snap, err := r.ReadLatest()
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Tick <= f.lastTick {
		return Snapshot{}, ErrNotReady
	}
	return snap, nil
}

func (f *Follower) attach() error {
	result, err := f.breaker.Execute(func() (interface{}, error) {
		return OpenReaderWithConfig(f.cfg.Path, f.cfg.Reader)
	})
	if err != nil {
		return err
	}
	r := result.(*Reader)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.session != uuid.Nil && f.session != r.Session() {
		f.restarts++
		f.lastTick = 0
		f.samples = f.samples[:0]
		f.logger.Warn("producer restarted",
			utils.String("previous_session", f.session.String()),
			utils.String("session", r.Session().String()),
		)
	}
	f.reader = r
	f.session = r.Session()
	f.restartPending = false
	f.logger.Info("attached to ring",
		utils.String("session", r.Session().String()),
		utils.Uint32("slot_count", r.Geometry().SlotCount),
	)
	return nil
}

// restartInPlace handles a producer that reset the cursor without
// replacing the file.
func (f *Follower) restartInPlace(latest uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.logger.Warn("cursor went backwards, restarting from latest",
		utils.Uint32("previous", f.lastTick),
		utils.Uint32("latest", latest),
	)
	f.restarts++
	f.lastTick = 0
	f.samples = f.samples[:0]
	f.restartPending = true
}

func (f *Follower) detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reader != nil {
		f.retired = f.retired.Add(f.reader.Stats())
		_ = f.reader.Close()
		f.reader = nil
	}
}

func (f *Follower) deliver(snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// A reset in place that published past the old cursor only shows up
	// as a new session.
	if f.session != uuid.Nil && snap.Session != f.session {
		if !f.restartPending {
			f.restarts++
			f.lastTick = 0
			f.samples = f.samples[:0]
			f.logger.Warn("producer restarted",
				utils.String("previous_session", f.session.String()),
				utils.String("session", snap.Session.String()),
			)
		}
		f.session = snap.Session
	}
	f.restartPending = false

	if f.lastTick > 0 && snap.Tick > f.lastTick+1 {
		f.missed += uint64(snap.Tick - f.lastTick - 1)
	}
	f.lastTick = snap.Tick

	if len(f.samples) == f.cfg.RateWindow {
		copy(f.samples, f.samples[1:])
		f.samples = f.samples[:len(f.samples)-1]
	}
	f.samples = append(f.samples, rateSample{tick: snap.Tick, at: f.clock()})
}

// waitForFile blocks until something is created in the ring's directory,
// PollInterval passes or ctx ends.
func (f *Follower) waitForFile(ctx context.Context) {
	if f.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(filepath.Dir(f.cfg.Path))
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			f.logger.Debug("file watch unavailable, polling", utils.Err(err))
			f.sleep(ctx, f.cfg.PollInterval)
			return
		}
		f.watcher = w
	}

	timer := time.NewTimer(f.cfg.PollInterval)
	defer timer.Stop()

	name := filepath.Clean(f.cfg.Path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == name && (event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
				return
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Debug("file watch error", utils.Err(err))
		}
	}
}

func (f *Follower) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (f *Follower) currentReader() *Reader {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reader
}

func (f *Follower) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reader is the currently attached reader, or nil.
func (f *Follower) Reader() *Reader {
	return f.currentReader()
}

// ReaderStats sums the counters of every reader the follower has attached,
// so totals keep growing across reattaches.
func (f *Follower) ReaderStats() ReaderStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	total := f.retired
	if f.reader != nil {
		total = total.Add(f.reader.Stats())
	}
	return total
}

// Status reports attachment, progress and the delivery rate.
func (f *Follower) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := Status{
		Path:         f.cfg.Path,
		Attached:     f.reader != nil,
		Session:      f.session,
		Tick:         f.lastTick,
		Uptime:       f.clock().Sub(f.started),
		Restarts:     f.restarts,
		Missed:       f.missed,
		BreakerState: f.breaker.State().String(),
	}
	if n := len(f.samples); n >= 2 {
		first, last := f.samples[0], f.samples[n-1]
		if dt := last.at.Sub(first.at).Seconds(); dt > 0 {
			s.RateHz = float64(last.tick-first.tick) / dt
		}
	}
	return s
}

// Close releases the reader and the file watcher.
func (f *Follower) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	if f.reader != nil {
		f.retired = f.retired.Add(f.reader.Stats())
		errs = append(errs, f.reader.Close())
		f.reader = nil
	}
	if f.watcher != nil {
		errs = append(errs, f.watcher.Close())
		f.watcher = nil
	}
	return errors.Join(errs...)
}
