package util

import (
	"context"
	"errors"
	"time"
)

const maxRetryDelay = 30 * time.Second

// Retry calls fn up to maxAttempts times, doubling the pause between
// attempts from baseDelay up to a 30s ceiling. It returns nil on the first
// successful call, or the last error once the attempts are spent. Context
// cancellation stops the retries, and an error from fn that is itself a
// cancellation is not retried.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	delay := baseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	return err
}
