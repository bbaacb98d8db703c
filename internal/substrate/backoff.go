package substrate

import (
	"context"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// withRetry retries an idempotent read with jittered exponential backoff,
// per spec.md §4.1: "Failures from the substrate are retried with
// exponential backoff for idempotent reads; for writes, propagated as
// Unavailable errors." redis.Nil (key absent) is not a failure and is
// returned immediately so callers can translate it to NotFound.
func withRetry[T any](ctx context.Context, logger *zap.Logger, fn func() (T, error)) (T, error) {
	const maxAttempts = 3
	base := 20 * time.Millisecond

	var zero T
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		v, err := fn()
		if err == nil || err == redis.Nil {
			return v, err
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}
		wait := base * time.Duration(1<<attempt)
		wait += time.Duration(rand.Int63n(int64(wait) / 2+1))
		logger.Debug("substrate read retry", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}
	return zero, lastErr
}
