package homeassistant

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Startup probe schedule.
const (
	defaultMaxAttempts = 3
	baseDelay          = 500 * time.Millisecond
	maxDelay           = 5 * time.Second
)

// Retry runs fn until it succeeds, attempts are used up, or fn fails in a
// way another attempt cannot fix: a rejected token, a missing endpoint, or
// a malformed request. Only startup probes use it; service calls are never
// retried.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoffDelay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
			case <-timer.C:
			}
		} else if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("retry cancelled: %w", ctxErr)
		}

		if err = fn(); err == nil {
			return nil
		}
		if permanent(err) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

func permanent(err error) bool {
	return IsKind(err, KindUnauthorized) || IsKind(err, KindNotFound) || IsKind(err, KindBadRequest)
}

// backoffDelay doubles from baseDelay up to maxDelay, then draws uniformly
// from the upper half of that interval.
func backoffDelay(attempt int) time.Duration {
	delay := maxDelay
	if attempt < 4 {
		delay = min(baseDelay<<attempt, maxDelay)
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1)) //nolint:gosec // jitter does not need crypto/rand
}
