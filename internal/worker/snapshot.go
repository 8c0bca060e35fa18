package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/snapshot"
	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
)

// SnapshotStore is the relay store surface the snapshot worker needs.
type SnapshotStore interface {
	Snapshot(ctx context.Context, destPath string) error
	SetSyncMeta(ctx context.Context, key, value string) error
}

// SnapshotCoordinator periodically writes a consistent copy of the relay
// database and uploads it when S3 storage is configured.
type SnapshotCoordinator struct {
	store    SnapshotStore
	uploader snapshot.Uploader
	dir      string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSnapshotCoordinator creates a coordinator writing snapshots to dir.
// A nil uploader keeps snapshots local.
func NewSnapshotCoordinator(st SnapshotStore, dir string, interval time.Duration, uploader snapshot.Uploader, logger *slog.Logger) *SnapshotCoordinator {
	if uploader == nil {
		uploader = snapshot.NoopUploader{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotCoordinator{
		store:    st,
		uploader: uploader,
		dir:      dir,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Path returns where snapshots are written.
func (c *SnapshotCoordinator) Path() string {
	return filepath.Join(c.dir, "current.db")
}

// Run snapshots immediately and then every interval until ctx ends.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	loop(ctx, c.logger, "snapshot-coordinator", c.interval, func(ctx context.Context) { c.RunOnce(ctx) })
}

// RunOnce takes one snapshot and reports whether it succeeded. Upload
// failures are logged but not fatal; the local snapshot remains valid.
func (c *SnapshotCoordinator) RunOnce(ctx context.Context) bool {
	start := c.now()
	path := c.Path()

	if err := c.store.Snapshot(ctx, path); err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.logger.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return false
	}

	var size uint64
	if fi, err := os.Stat(path); err == nil {
		size = uint64(fi.Size())
	}
	_ = c.store.SetSyncMeta(ctx, bbsync.SyncMetaLastSnapshotAt, start.UTC().Format(time.RFC3339))
	c.logger.Info("snapshot generated",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_generated",
		"path", path,
		"size", humanize.Bytes(size),
		"duration_ms", c.now().Sub(start).Milliseconds(),
	)

	for _, key := range []string{snapshot.CurrentKey, snapshot.ArchiveKey(start)} {
		if err := c.uploader.Upload(ctx, key, path); err != nil {
			c.logger.Warn("snapshot upload failed",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "snapshot_upload_failed",
				"object", key,
				"error", err,
			)
			return true
		}
	}
	return true
}
