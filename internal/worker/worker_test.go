package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/snapshot"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/store"
	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
)

// fakeStore records worker calls.
type fakeStore struct {
	mu           sync.Mutex
	snapshots    []string
	snapshotErr  error
	idemErr      error
	capErr       error
	idemRemoved  int64
	capRemoved   int64
	cutoffs      []time.Time
	meta         map[string]string
	cleanupCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{meta: map[string]string{}, idemRemoved: 3, capRemoved: 2}
}

func (f *fakeStore) Snapshot(ctx context.Context, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshotErr != nil {
		return f.snapshotErr
	}
	f.snapshots = append(f.snapshots, dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte("snapshot"), 0644)
}

func (f *fakeStore) CleanExpiredIdempotency(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupCalls++
	if f.idemErr != nil {
		return 0, f.idemErr
	}
	return f.idemRemoved, nil
}

func (f *fakeStore) CleanCapabilities(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.capErr != nil {
		return 0, f.capErr
	}
	return f.capRemoved, nil
}

func (f *fakeStore) SetSyncMeta(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta[key] = value
	return nil
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanupCalls
}

type recordingUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (u *recordingUploader) Upload(ctx context.Context, key, path string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.keys = append(u.keys, key)
	return nil
}

func (u *recordingUploader) PresignedURL(ctx context.Context, key string) (string, time.Time, error) {
	return "", time.Time{}, snapshot.ErrNotConfigured
}

func TestSnapshotCoordinator_RunOnce(t *testing.T) {
	st := newFakeStore()
	up := &recordingUploader{}
	dir := t.TempDir()
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	c := NewSnapshotCoordinator(st, dir, time.Hour, up, nil)
	c.now = func() time.Time { return now }

	// When: one cycle runs
	ok := c.RunOnce(context.Background())

	// Then: the snapshot is written, recorded and uploaded twice
	if !ok {
		t.Fatal("RunOnce() = false, want true")
	}
	if len(st.snapshots) != 1 || st.snapshots[0] != filepath.Join(dir, "current.db") {
		t.Errorf("snapshots = %v", st.snapshots)
	}
	if st.meta[bbsync.SyncMetaLastSnapshotAt] != "2026-10-17T09:00:00Z" {
		t.Errorf("last snapshot meta = %q", st.meta[bbsync.SyncMetaLastSnapshotAt])
	}
	want := []string{snapshot.CurrentKey, snapshot.ArchiveKey(now)}
	if len(up.keys) != 2 || up.keys[0] != want[0] || up.keys[1] != want[1] {
		t.Errorf("uploaded %v, want %v", up.keys, want)
	}
}

func TestSnapshotCoordinator_Failures(t *testing.T) {
	st := newFakeStore()
	st.snapshotErr = errors.New("disk full")
	up := &recordingUploader{}
	c := NewSnapshotCoordinator(st, t.TempDir(), time.Hour, up, nil)

	if c.RunOnce(context.Background()) {
		t.Error("RunOnce() = true after snapshot failure")
	}
	if len(up.keys) != 0 {
		t.Errorf("uploaded %v after failed snapshot", up.keys)
	}

	// Upload failure keeps the local snapshot
	st.snapshotErr = nil
	up.err = errors.New("s3 down")
	if !c.RunOnce(context.Background()) {
		t.Error("RunOnce() = false after upload failure, want true")
	}
}

func TestSnapshotCoordinator_RealStore(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	dir := t.TempDir()

	c := NewSnapshotCoordinator(st, dir, time.Hour, nil, nil)
	if !c.RunOnce(context.Background()) {
		t.Fatal("RunOnce() = false")
	}

	snap, err := store.NewSQLiteStore(filepath.Join(dir, "current.db"))
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()
	if _, err := snap.GetStats(context.Background()); err != nil {
		t.Errorf("snapshot unreadable: %v", err)
	}
}

func TestCleanupCoordinator_RunOnce(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	c := NewCleanupCoordinator(st, time.Hour, time.Minute, nil)
	c.now = func() time.Time { return now }

	res := c.RunOnce(context.Background())

	if res.Idempotency != 3 || res.Capabilities != 2 {
		t.Errorf("result = %+v, want 3 and 2", res)
	}
	if len(st.cutoffs) != 1 || !st.cutoffs[0].Equal(now.Add(-time.Hour)) {
		t.Errorf("cutoffs = %v, want %v", st.cutoffs, now.Add(-time.Hour))
	}
	if st.meta[bbsync.SyncMetaLastCleanupAt] == "" {
		t.Error("expected last cleanup meta to be set")
	}
}

func TestCleanupCoordinator_StepFailureDoesNotStopOther(t *testing.T) {
	st := newFakeStore()
	st.idemErr = errors.New("locked")
	c := NewCleanupCoordinator(st, time.Hour, time.Minute, nil)

	res := c.RunOnce(context.Background())

	if res.Idempotency != 0 || res.Capabilities != 2 {
		t.Errorf("result = %+v, want 0 and 2", res)
	}
}

func TestCleanupCoordinator_RunStopsOnCancel(t *testing.T) {
	st := newFakeStore()
	c := NewCleanupCoordinator(st, time.Hour, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for st.calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if st.calls() < 2 {
		t.Errorf("expected immediate and ticked cycles, got %d", st.calls())
	}
}
