package foundation

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const (
	spinWindow        = time.Microsecond
	initialBackoff    = 50 * time.Microsecond
	DefaultMaxBackoff = 10 * time.Millisecond
)

// CursorSource is anything holding a 32-bit publication cursor.
type CursorSource interface {
	LoadLatestTick() (uint32, error)
}

// CursorEpoch waits for a shared 32-bit cursor to change.
//
// Writers in other processes cannot signal us, so waiting is a short spin
// followed by sleeps with exponential backoff. Writers in this process may
// call Notify to cut the sleep short.
type CursorEpoch struct {
	source    CursorSource
	lastValue uint32

	// MaxBackoff caps a single sleep while waiting.
	MaxBackoff time.Duration

	// Notification channels for waiters
	waiters   *[]chan struct{}
	waitersMu *sync.RWMutex

	stats *EpochStats
}

// EpochStats tracks epoch wait behaviour
type EpochStats struct {
	Wakes    uint64 // Changes observed
	Timeouts uint64 // Waits that ended without a change
	Sleeps   uint64 // Backoff sleeps taken
	Notifies uint64 // In-process wake-ups sent
}

// NewCursorEpoch creates an epoch primed with the source's current value.
func NewCursorEpoch(source CursorSource) (*CursorEpoch, error) {
	current, err := source.LoadLatestTick()
	if err != nil {
		return nil, err
	}

	waiters := make([]chan struct{}, 0, 8)

	return &CursorEpoch{
		source:     source,
		lastValue:  current,
		MaxBackoff: DefaultMaxBackoff,
		waiters:    &waiters,
		waitersMu:  &sync.RWMutex{},
		stats:      &EpochStats{},
	}, nil
}

// Reader creates a new watcher sharing the signaling mechanism. Each
// goroutine waiting on the cursor needs its own watcher.
func (ce *CursorEpoch) Reader() (*CursorEpoch, error) {
	current, err := ce.source.LoadLatestTick()
	if err != nil {
		return nil, err
	}

	return &CursorEpoch{
		source:     ce.source,
		lastValue:  current,
		MaxBackoff: ce.MaxBackoff,
		waiters:    ce.waiters,
		waitersMu:  ce.waitersMu,
		stats:      ce.stats,
	}, nil
}

// Last is the value seen by the most recent successful wait.
func (ce *CursorEpoch) Last() uint32 {
	return ce.lastValue
}

// Observe records v as seen, so the next wait looks for a different value.
func (ce *CursorEpoch) Observe(v uint32) {
	ce.lastValue = v
}

// Value loads the cursor without touching the last seen value.
func (ce *CursorEpoch) Value() (uint32, error) {
	return ce.source.LoadLatestTick()
}

// WaitForChange blocks until the cursor differs from the last seen value,
// the timeout passes or ctx ends. It reports whether a change was seen.
// A decrease counts as a change.
func (ce *CursorEpoch) WaitForChange(ctx context.Context, timeout time.Duration) (bool, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	// Fast path
	if changed, err := ce.check(); changed || err != nil {
		return changed, err
	}

	// Spin-wait
	spinDeadline := start.Add(spinWindow)
	for time.Now().Before(spinDeadline) {
		runtime.Gosched()
		if changed, err := ce.check(); changed || err != nil {
			return changed, err
		}
	}

	ch := make(chan struct{}, 1)
	ce.addWaiter(ch)
	defer ce.removeWaiter(ch)

	backoff := initialBackoff
	maxBackoff := ce.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			atomic.AddUint64(&ce.stats.Timeouts, 1)
			return false, nil
		}
		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		atomic.AddUint64(&ce.stats.Sleeps, 1)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}

		if changed, err := ce.check(); changed || err != nil {
			return changed, err
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Notify wakes every waiter in this process so it re-checks the cursor.
func (ce *CursorEpoch) Notify() {
	atomic.AddUint64(&ce.stats.Notifies, 1)

	ce.waitersMu.RLock()
	waiters := make([]chan struct{}, len(*ce.waiters))
	copy(waiters, *ce.waiters)
	ce.waitersMu.RUnlock()

	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Stats returns a snapshot of the shared counters.
func (ce *CursorEpoch) Stats() EpochStats {
	return EpochStats{
		Wakes:    atomic.LoadUint64(&ce.stats.Wakes),
		Timeouts: atomic.LoadUint64(&ce.stats.Timeouts),
		Sleeps:   atomic.LoadUint64(&ce.stats.Sleeps),
		Notifies: atomic.LoadUint64(&ce.stats.Notifies),
	}
}

func (ce *CursorEpoch) check() (bool, error) {
	current, err := ce.source.LoadLatestTick()
	if err != nil {
		return false, err
	}
	if current != ce.lastValue {
		ce.lastValue = current
		atomic.AddUint64(&ce.stats.Wakes, 1)
		return true, nil
	}
	return false, nil
}

func (ce *CursorEpoch) addWaiter(ch chan struct{}) {
	ce.waitersMu.Lock()
	defer ce.waitersMu.Unlock()
	*ce.waiters = append(*ce.waiters, ch)
}

func (ce *CursorEpoch) removeWaiter(ch chan struct{}) {
	ce.waitersMu.Lock()
	defer ce.waitersMu.Unlock()
	for i, waiter := range *ce.waiters {
		if waiter == ch {
			*ce.waiters = append((*ce.waiters)[:i], (*ce.waiters)[i+1:]...)
			break
		}
	}
}
