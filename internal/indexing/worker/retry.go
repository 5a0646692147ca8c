package worker

import (
	"context"
	"errors"
	"time"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
)

// LockRetryInterval is the fixed delay between attempts to take a writer lock
const LockRetryInterval = 250 * time.Millisecond

// RetryOnLock calls fn until it returns something other than model.ErrLocked
// or ctx is done. onRetry, when set, runs before every wait.
func RetryOnLock[T any](ctx context.Context, interval time.Duration, fn func() (T, error), onRetry func()) (T, error) {
	if interval <= 0 {
		interval = LockRetryInterval
	}
	for {
		v, err := fn()
		if err == nil || !errors.Is(err, model.ErrLocked) {
			return v, err
		}
		if onRetry != nil {
			onRetry()
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
