package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

func pushRecords(epoch uint32, ids ...string) []bbsync.PushRecord {
	out := make([]bbsync.PushRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, bbsync.PushRecord{RecordID: id, Epoch: epoch, Envelope: []byte("env-" + id)})
	}
	return out
}

func TestAppendRecords_AssignsSequencesInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSpace(t, s)

	// When: a batch of three records is appended
	seqs, epoch, err := s.AppendRecords(ctx, "space-1", "did:key:alice", "dev-1", pushRecords(1, "a", "b", "c"))
	if err != nil {
		t.Fatalf("AppendRecords failed: %v", err)
	}

	// Then: sequences are strictly increasing in request order
	if len(seqs) != 3 {
		t.Fatalf("expected 3 sequences, got %d", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("sequence %d not increasing: %v", i, seqs)
		}
	}
	if epoch != 1 {
		t.Errorf("expected current epoch 1, got %d", epoch)
	}
}

func TestAppendRecords_RejectsStaleEpoch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSpace(t, s)
	if err := s.PublishEpoch(ctx, "space-1", 2, nil, nil); err != nil {
		t.Fatalf("PublishEpoch failed: %v", err)
	}

	// When: a batch mixes current and stale epochs
	batch := append(pushRecords(2, "a"), pushRecords(1, "b")...)
	_, epoch, err := s.AppendRecords(ctx, "space-1", "did:key:alice", "dev-1", batch)

	// Then: the whole batch is rejected
	if !errors.Is(err, types.ErrStaleEpoch) {
		t.Fatalf("expected ErrStaleEpoch, got %v", err)
	}
	if epoch != 2 {
		t.Errorf("expected current epoch 2 reported, got %d", epoch)
	}
	latest, _ := s.LatestSequence(ctx, "space-1")
	if latest != 0 {
		t.Errorf("expected nothing appended, latest=%d", latest)
	}
}

func TestAppendRecords_RejectsFutureEpoch(t *testing.T) {
	s := newTestStore(t)
	seedSpace(t, s)

	_, _, err := s.AppendRecords(context.Background(), "space-1", "did:key:alice", "dev-1", pushRecords(5, "a"))
	if !errors.Is(err, types.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestAppendRecords_UnknownSpace(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.AppendRecords(context.Background(), "nope", "did:key:alice", "dev-1", pushRecords(1, "a"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChangesAfter_FiltersBySpaceAndSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSpace(t, s)
	err := s.CreateSpace(ctx,
		types.Space{ID: "space-2", Kind: types.SpaceShared, CreatedBy: "did:key:bob", CurrentEpoch: 1},
		types.Member{MembershipID: "m-bob", SpaceID: "space-2", DID: "did:key:bob", Role: types.RoleAdmin, Status: types.StatusJoined},
		nil)
	if err != nil {
		t.Fatalf("CreateSpace failed: %v", err)
	}

	first, _, _ := s.AppendRecords(ctx, "space-1", "did:key:alice", "dev-1", pushRecords(1, "a", "b"))
	if _, _, err := s.AppendRecords(ctx, "space-2", "did:key:bob", "dev-2", pushRecords(1, "x")); err != nil {
		t.Fatalf("AppendRecords failed: %v", err)
	}
	if _, _, err := s.AppendRecords(ctx, "space-1", "did:key:alice", "dev-1", pushRecords(1, "c")); err != nil {
		t.Fatalf("AppendRecords failed: %v", err)
	}

	// When: pulling space-1 after the first entry
	got, err := s.ChangesAfter(ctx, "space-1", first[0], 100)
	if err != nil {
		t.Fatalf("ChangesAfter failed: %v", err)
	}

	// Then: only later space-1 entries are returned with metadata intact
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].RecordID != "b" || got[1].RecordID != "c" {
		t.Errorf("unexpected order: %s, %s", got[0].RecordID, got[1].RecordID)
	}
	if got[0].AuthorDID != "did:key:alice" || got[0].DeviceID != "dev-1" || string(got[0].Envelope) != "env-b" {
		t.Errorf("unexpected entry: %+v", got[0])
	}
	if got[0].ReceivedAt.IsZero() {
		t.Error("expected received_at to be set")
	}

	latest, err := s.LatestSequence(ctx, "space-1")
	if err != nil {
		t.Fatalf("LatestSequence failed: %v", err)
	}
	if latest != got[1].Sequence {
		t.Errorf("expected latest %d, got %d", got[1].Sequence, latest)
	}
}

func TestChangesAfter_RespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSpace(t, s)
	if _, _, err := s.AppendRecords(ctx, "space-1", "did:key:alice", "dev-1", pushRecords(1, "a", "b", "c", "d")); err != nil {
		t.Fatalf("AppendRecords failed: %v", err)
	}

	got, err := s.ChangesAfter(ctx, "space-1", 0, 3)
	if err != nil {
		t.Fatalf("ChangesAfter failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 entries, got %d", len(got))
	}
}

func TestLatestSequence_Empty(t *testing.T) {
	s := newTestStore(t)
	seq, err := s.LatestSequence(context.Background(), "space-1")
	if err != nil {
		t.Fatalf("LatestSequence failed: %v", err)
	}
	if seq != 0 {
		t.Errorf("expected 0, got %d", seq)
	}
}

func TestCheckPushIdempotency_NotFound(t *testing.T) {
	s := newTestStore(t)
	resp, found, err := s.CheckPushIdempotency(context.Background(), "missing")
	if err != nil {
		t.Fatalf("CheckPushIdempotency failed: %v", err)
	}
	if found || resp != nil {
		t.Errorf("expected not found, got %v %q", found, resp)
	}
}

func TestCheckPushIdempotency_Found(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordPushIdempotency(ctx, "push-1", "space-1", []byte(`{"accepted":1}`), time.Hour); err != nil {
		t.Fatalf("RecordPushIdempotency failed: %v", err)
	}
	resp, found, err := s.CheckPushIdempotency(ctx, "push-1")
	if err != nil {
		t.Fatalf("CheckPushIdempotency failed: %v", err)
	}
	if !found || string(resp) != `{"accepted":1}` {
		t.Errorf("unexpected result: %v %q", found, resp)
	}
}

func TestCheckPushIdempotency_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordPushIdempotency(ctx, "push-1", "space-1", []byte(`{}`), -time.Minute); err != nil {
		t.Fatalf("RecordPushIdempotency failed: %v", err)
	}
	_, found, err := s.CheckPushIdempotency(ctx, "push-1")
	if err != nil {
		t.Fatalf("CheckPushIdempotency failed: %v", err)
	}
	if found {
		t.Error("expected expired entry to be ignored")
	}

	n, err := s.CleanExpiredIdempotency(ctx)
	if err != nil {
		t.Fatalf("CleanExpiredIdempotency failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
}

func TestSyncMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSyncMeta(ctx, bbsync.SyncMetaLastSnapshotAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetSyncMeta(ctx, bbsync.SyncMetaLastSnapshotAt, "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("SetSyncMeta failed: %v", err)
	}
	v, err := s.GetSyncMeta(ctx, bbsync.SyncMetaLastSnapshotAt)
	if err != nil {
		t.Fatalf("GetSyncMeta failed: %v", err)
	}
	if v != "2026-01-01T00:00:00Z" {
		t.Errorf("unexpected value %q", v)
	}
}

func TestIdempotencyIntegration_ConcurrentAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("push-%d", i)
			if err := s.RecordPushIdempotency(ctx, id, "space-1", []byte(`{}`), time.Hour); err != nil {
				t.Errorf("RecordPushIdempotency(%s) failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		if _, found, _ := s.CheckPushIdempotency(ctx, fmt.Sprintf("push-%d", i)); !found {
			t.Errorf("push-%d not recorded", i)
		}
	}
}
