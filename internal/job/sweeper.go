package job

import (
	"context"
	"log/slog"
	"time"
)

// StartSweeper launches a background goroutine that periodically deletes
// terminal jobs older than ttl. Stops when ctx is cancelled.
func StartSweeper(ctx context.Context, store Store, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-ttl)
				n, err := store.DeleteTerminalBefore(ctx, cutoff)
				if err != nil {
					slog.Error("sweeper: delete terminal jobs", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("sweeper: removed expired jobs", "count", n, "cutoff", cutoff)
				}
			}
		}
	}()
}
