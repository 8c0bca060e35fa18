package worker

import (
	"context"
	"log/slog"
	"time"

	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
)

// CleanupStore is the relay store surface the cleanup worker needs.
type CleanupStore interface {
	CleanExpiredIdempotency(ctx context.Context) (int64, error)
	CleanCapabilities(ctx context.Context, cutoff time.Time) (int64, error)
	SetSyncMeta(ctx context.Context, key, value string) error
}

// CleanupCoordinator deletes expired push idempotency entries and
// capability records older than the capability lifetime. Expired tokens are
// rejected by signature checks anyway, so their rows carry no information.
type CleanupCoordinator struct {
	store         CleanupStore
	capabilityTTL time.Duration
	interval      time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewCleanupCoordinator creates a cleanup coordinator.
func NewCleanupCoordinator(st CleanupStore, capabilityTTL, interval time.Duration, logger *slog.Logger) *CleanupCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupCoordinator{
		store:         st,
		capabilityTTL: capabilityTTL,
		interval:      interval,
		logger:        logger,
		now:           time.Now,
	}
}

// Run cleans immediately and then every interval until ctx ends.
func (c *CleanupCoordinator) Run(ctx context.Context) {
	loop(ctx, c.logger, "cleanup-coordinator", c.interval, func(ctx context.Context) { c.RunOnce(ctx) })
}

// CleanupResult counts the rows one cleanup cycle removed.
type CleanupResult struct {
	Idempotency  int64
	Capabilities int64
}

// RunOnce performs one cleanup cycle. A failing step does not stop the other.
func (c *CleanupCoordinator) RunOnce(ctx context.Context) CleanupResult {
	var res CleanupResult
	now := c.now()

	n, err := c.store.CleanExpiredIdempotency(ctx)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("idempotency cleanup failed",
			"component", "worker",
			"worker", "cleanup-coordinator",
			"action", "cleanup_failed",
			"target", "idempotency",
			"error", err,
		)
	}
	res.Idempotency = n

	n, err = c.store.CleanCapabilities(ctx, now.Add(-c.capabilityTTL))
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("capability cleanup failed",
			"component", "worker",
			"worker", "cleanup-coordinator",
			"action", "cleanup_failed",
			"target", "capabilities",
			"error", err,
		)
	}
	res.Capabilities = n

	if ctx.Err() != nil {
		return res
	}
	_ = c.store.SetSyncMeta(ctx, bbsync.SyncMetaLastCleanupAt, now.UTC().Format(time.RFC3339))
	c.logger.Info("cleanup cycle completed",
		"component", "worker",
		"worker", "cleanup-coordinator",
		"action", "cycle_complete",
		"idempotency_removed", res.Idempotency,
		"capabilities_removed", res.Capabilities,
	)
	return res
}
