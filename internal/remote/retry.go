package remote

import (
	"context"
	"log/slog"
	"time"
)

// withRetry runs fn and retries it up to retries more times, waiting wait
// between attempts. The last error is returned.
func withRetry(ctx context.Context, clock Clock, retries int, wait time.Duration, op string, fn func() error) error {
	if retries < 0 {
		retries = 0
	}
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= retries {
			return err
		}
		slog.Warn("remote operation failed, retrying",
			"op", op, "attempt", attempt+1, "of", retries+1, "error", err)
		select {
		case <-clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
