package scheduler

import (
	"context"
	"time"
)

// Periodic wraps fn as a Work that runs once immediately and then once per
// interval until ctx is cancelled. An error from fn is passed to onErr
// (when onErr is non-nil) and does not stop the ticking; Periodic itself only
// returns (nil) when ctx is done, so a single failed tick never tears down
// the loop — only a panic or the process-wide restart/backoff path does.
func Periodic(interval time.Duration, fn func(ctx context.Context) error, onErr func(error)) Work {
	return func(ctx context.Context) error {
		if err := fn(ctx); err != nil && onErr != nil {
			onErr(err)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := fn(ctx); err != nil && onErr != nil {
					onErr(err)
				}
			}
		}
	}
}
