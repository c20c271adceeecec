package ring

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/tickring/kernel/utils"
)

var (
	// ErrNotReady means nothing has been published yet: the file does not
	// exist or latest_tick is still 0. Callers poll.
	ErrNotReady = errors.New("ring not ready")

	// ErrStaleRead matches every *StaleReadError.
	ErrStaleRead = errors.New("stale read")

	// ErrExpired matches a *StaleReadError for a tick that has been
	// overwritten. Expired reads also match ErrStaleRead.
	ErrExpired = errors.New("tick expired")

	// ErrReplaced means the path now names a different ring file. The
	// mapping will never change again; reopen the path to follow the new
	// producer.
	ErrReplaced = errors.New("ring file replaced")

	ErrPollTimeout        = utils.TimeoutError("poll")
	ErrTickSpaceExhausted = errors.New("tick counter exhausted")
	ErrWriterClosed       = errors.New("writer closed")
	ErrReaderClosed       = errors.New("reader closed")
)

// StaleReadError reports that no consistent slot could be read.
type StaleReadError struct {
	Tick     uint32 // tick the reader was after
	Latest   uint32 // cursor at the last attempt
	Attempts int
	Expired  bool // the tick fell out of the window or was overwritten mid-read
}

func (e *StaleReadError) Error() string {
	if e.Expired {
		return fmt.Sprintf("tick %d expired: latest is %d", e.Tick, e.Latest)
	}
	return fmt.Sprintf("stale read of tick %d after %d attempts: latest is %d", e.Tick, e.Attempts, e.Latest)
}

func (e *StaleReadError) Is(target error) bool {
	switch target {
	case ErrStaleRead:
		return true
	case ErrExpired:
		return e.Expired
	}
	return false
}

func notReady(cause error) error {
	return fmt.Errorf("%w: %w", ErrNotReady, cause)
}
