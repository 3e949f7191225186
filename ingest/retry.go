package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/nmoreau/permitwatch/strategy"
)

// withRetry runs fn up to maxAttempts times with exponential backoff.
// Permanent failures stop immediately; transient ones wait baseBackoff
// doubled per attempt, respecting context cancellation between tries.
func withRetry(ctx context.Context, maxAttempts int, baseBackoff time.Duration,
	logger *slog.Logger, fn func(ctx context.Context) error) error {

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if strategy.IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return lastErr
		}

		if attempt < maxAttempts-1 {
			wait := baseBackoff * (1 << uint(attempt))
			logger.WarnContext(ctx, "retrying fetch",
				"attempt", attempt+1,
				"max_attempts", maxAttempts,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}
