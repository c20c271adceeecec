package ring

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PollUntil reads the latest snapshot until predicate accepts one, ctx ends
// or timeout passes. NotReady and stale reads keep it polling; format and
// I/O errors end it, and so does ErrReplaced. Between reads it waits on the cursor epoch.
func (r *Reader) PollUntil(ctx context.Context, predicate func(Snapshot) bool, timeout time.Duration) (Snapshot, error) {
	deadline := time.Now().Add(timeout)

	for {
		snap, err := r.ReadLatest()
		switch {
		case err == nil:
			if predicate(snap) {
				return snap, nil
			}
			r.epoch.Observe(snap.Tick)
		case errors.Is(err, ErrNotReady):
			r.epoch.Observe(0)
		case errors.Is(err, ErrStaleRead):
		default:
			return Snapshot{}, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Snapshot{}, fmt.Errorf("%w after %s", ErrPollTimeout, timeout)
		}
		if _, err := r.epoch.WaitForChange(ctx, remaining); err != nil {
			return Snapshot{}, err
		}
	}
}
