package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds how long a statement may chase SQLite's write lock when
// another process holds it. Backoff is exponential from BaseDelay up to
// MaxDelay; attempts are capped rather than blocking forever.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy suits the common case of a handful of processes sharing
// one WAL-mode database file.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 6,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
	}
}

// withRetry runs fn, retrying on busy errors per the policy. Non-busy errors
// return immediately. After the final attempt the busy condition surfaces as
// ErrBusy wrapped in a write failure for op.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.retry.BaseDelay
	var err error
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			s.log.Debug("retrying busy statement",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return writeErr(op, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.retry.MaxDelay {
				delay = s.retry.MaxDelay
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			var ce *CacheError
			if errors.As(err, &ce) {
				return err
			}
			return writeErr(op, err)
		}
	}
	return writeErr(op, ErrBusy)
}
