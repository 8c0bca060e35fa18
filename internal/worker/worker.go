// Package worker runs the relay's periodic maintenance: database snapshots
// and expiry of idempotency entries and capability records.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// loop runs cycle immediately and then on every tick until ctx ends.
func loop(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, cycle func(context.Context)) {
	logger.Info("worker started",
		"component", "worker",
		"worker", name,
		"action", "worker_started",
		"interval", interval.String(),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped",
				"component", "worker",
				"worker", name,
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			cycle(ctx)
		}
	}
}
