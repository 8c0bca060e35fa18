package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// newTestStore creates a fresh SQLiteStore with in-memory database for testing.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedSpace registers alice and bob and creates a shared space administered
// by alice at epoch 1.
func seedSpace(t *testing.T, s *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []types.Identity{
		{DID: "did:key:alice", Handle: "alice", PublicKey: []byte("alice-pub")},
		{DID: "did:key:bob", Handle: "bob", PublicKey: []byte("bob-pub")},
	} {
		if err := s.CreateIdentity(ctx, id); err != nil {
			t.Fatalf("CreateIdentity(%s) failed: %v", id.Handle, err)
		}
	}
	err := s.CreateSpace(ctx,
		types.Space{ID: "space-1", Kind: types.SpaceShared, CreatedBy: "did:key:alice", CurrentEpoch: 1},
		types.Member{MembershipID: "m-alice", SpaceID: "space-1", DID: "did:key:alice", Role: types.RoleAdmin, Status: types.StatusJoined},
		[]types.WrappedKey{{SpaceID: "space-1", Epoch: 1, MemberDID: "did:key:alice", Sealed: []byte("w1")}},
	)
	if err != nil {
		t.Fatalf("CreateSpace failed: %v", err)
	}
}

func TestStore_NewSQLiteStore(t *testing.T) {
	s := newTestStore(t)
	v, err := s.GetSyncMeta(context.Background(), "schema_version")
	if err != nil {
		t.Fatalf("GetSyncMeta failed: %v", err)
	}
	if v != "2" {
		t.Errorf("expected schema_version '2', got %q", v)
	}
}

func TestStore_NewSQLiteStore_CreatesDirectory(t *testing.T) {
	// Given: a path whose parent does not exist yet
	path := filepath.Join(t.TempDir(), "nested", "relay.db")

	// When: the store is opened
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	// Then: stats report the file size
	st, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if st.DatabaseBytes == 0 {
		t.Error("expected non-zero database size")
	}
}

func TestCreateIdentity_DuplicateHandle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateIdentity(ctx, types.Identity{DID: "did:key:a", Handle: "alice", PublicKey: []byte("a")}); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}
	err := s.CreateIdentity(ctx, types.Identity{DID: "did:key:b", Handle: "alice", PublicKey: []byte("b")})
	if !errors.Is(err, ErrDuplicateHandle) {
		t.Fatalf("expected ErrDuplicateHandle, got %v", err)
	}
	if !errors.Is(err, types.ErrConflict) {
		t.Errorf("expected ErrDuplicateHandle to wrap ErrConflict")
	}
}

func TestIdentityLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSpace(t, s)

	id, err := s.IdentityByHandle(ctx, "bob")
	if err != nil {
		t.Fatalf("IdentityByHandle failed: %v", err)
	}
	if id.DID != "did:key:bob" || string(id.PublicKey) != "bob-pub" {
		t.Errorf("unexpected identity: %+v", id)
	}

	if _, err := s.IdentityByDID(ctx, "did:key:carol"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateSpace_Duplicate(t *testing.T) {
	s := newTestStore(t)
	seedSpace(t, s)

	err := s.CreateSpace(context.Background(),
		types.Space{ID: "space-1", Kind: types.SpaceShared, CreatedBy: "did:key:bob", CurrentEpoch: 1},
		types.Member{MembershipID: "m-bob", SpaceID: "space-1", DID: "did:key:bob", Role: types.RoleAdmin, Status: types.StatusJoined},
		nil,
	)
	if !errors.Is(err, ErrDuplicateSpace) {
		t.Fatalf("expected ErrDuplicateSpace, got %v", err)
	}

	// Then: the failed transaction left no membership behind
	if _, err := s.Membership(context.Background(), "m-bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected rolled back membership, got %v", err)
	}
}

func TestSpacesFor_ReportsRoleAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSpace(t, s)

	spaces, err := s.SpacesFor(ctx, "did:key:alice")
	if err != nil {
		t.Fatalf("SpacesFor failed: %v", err)
	}
	if len(spaces) != 1 {
		t.Fatalf("expected 1 space, got %d", len(spaces))
	}
	if spaces[0].Role != types.RoleAdmin || spaces[0].Status != types.StatusJoined || spaces[0].CurrentEpoch != 1 {
		t.Errorf("unexpected space: %+v", spaces[0])
	}

	none, err := s.SpacesFor(ctx, "did:key:bob")
	if err != nil {
		t.Fatalf("SpacesFor failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no spaces for bob, got %d", len(none))
	}
}

func TestInvitationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSpace(t, s)

	// Given: bob is invited with a wrap for epoch 1
	inv := types.Member{MembershipID: "m-bob", SpaceID: "space-1", DID: "did:key:bob",
		Role: types.RoleWrite, Status: types.StatusPending, InvitedBy: "did:key:alice"}
	wraps := []types.WrappedKey{{SpaceID: "space-1", Epoch: 1, MemberDID: "did:key:bob", Sealed: []byte("wb")}}
	if err := s.CreateInvitation(ctx, inv, wraps); err != nil {
		t.Fatalf("CreateInvitation failed: %v", err)
	}

	// Then: a second invitation while pending is rejected
	inv2 := inv
	inv2.MembershipID = "m-bob-2"
	if err := s.CreateInvitation(ctx, inv2, nil); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}

	// Then: the invitation is in bob's mailbox
	pending, err := s.PendingInvitations(ctx, "did:key:bob")
	if err != nil {
		t.Fatalf("PendingInvitations failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "m-bob" || pending[0].InvitedBy != "did:key:alice" {
		t.Fatalf("unexpected invitations: %+v", pending)
	}
	if pending[0].RecipientHandle != "bob" {
		t.Errorf("expected recipient handle bob, got %q", pending[0].RecipientHandle)
	}

	// When: bob accepts
	if err := s.TransitionMembership(ctx, "m-bob", types.StatusPending, types.StatusJoined); err != nil {
		t.Fatalf("TransitionMembership failed: %v", err)
	}

	// Then: accepting twice fails
	if err := s.TransitionMembership(ctx, "m-bob", types.StatusPending, types.StatusJoined); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second accept, got %v", err)
	}

	// Then: mailbox is empty and membership is active
	pending, _ = s.PendingInvitations(ctx, "did:key:bob")
	if len(pending) != 0 {
		t.Errorf("expected empty mailbox, got %d", len(pending))
	}
	m, err := s.ActiveMembership(ctx, "space-1", "did:key:bob")
	if err != nil {
		t.Fatalf("ActiveMembership failed: %v", err)
	}
	if m.Status != types.StatusJoined || m.Handle != "bob" {
		t.Errorf("unexpected membership: %+v", m)
	}

	// Then: bob's wrap was stored with the invitation
	got, err := s.Wraps(ctx, "space-1", "did:key:bob")
	if err != nil {
		t.Fatalf("Wraps failed: %v", err)
	}
	if len(got) != 1 || string(got[0].Sealed) != "wb" {
		t.Errorf("unexpected wraps: %+v", got)
	}
}

func TestRemoveMembership_OwesRotationUntilNextEpoch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSpace(t, s)

	inv := types.Member{MembershipID: "m-bob", SpaceID: "space-1", DID: "did:key:bob",
		Role: types.RoleWrite, Status: types.StatusPending, InvitedBy: "did:key:alice"}
	if err := s.CreateInvitation(ctx, inv, nil); err != nil {
		t.Fatalf("CreateInvitation failed: %v", err)
	}
	if err := s.TransitionMembership(ctx, "m-bob", types.StatusPending, types.StatusJoined); err != nil {
		t.Fatalf("TransitionMembership failed: %v", err)
	}
	if owed, err := s.RotationRequired(ctx, "space-1"); err != nil || owed {
		t.Fatalf("expected no owed rotation, got %v (err %v)", owed, err)
	}

	// When: bob is removed
	if err := s.RemoveMembership(ctx, "space-1", "m-bob", types.StatusJoined); err != nil {
		t.Fatalf("RemoveMembership failed: %v", err)
	}

	// Then: the membership is removed once and the space owes a rotation
	if err := s.RemoveMembership(ctx, "space-1", "m-bob", types.StatusJoined); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second removal, got %v", err)
	}
	m, err := s.Membership(ctx, "m-bob")
	if err != nil {
		t.Fatalf("Membership failed: %v", err)
	}
	if m.Status != types.StatusRemoved {
		t.Errorf("expected removed, got %s", m.Status)
	}
	if owed, _ := s.RotationRequired(ctx, "space-1"); !owed {
		t.Error("expected an owed rotation after removal")
	}

	// And: publishing the next epoch settles it
	if err := s.PublishEpoch(ctx, "space-1", 2, nil, nil); err != nil {
		t.Fatalf("PublishEpoch failed: %v", err)
	}
	if owed, _ := s.RotationRequired(ctx, "space-1"); owed {
		t.Error("expected no owed rotation after publishing epoch 2")
	}
	if _, err := s.RotationRequired(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown space, got %v", err)
	}
}

func TestReinviteAfterRemoval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSpace(t, s)

	inv := types.Member{MembershipID: "m-bob", SpaceID: "space-1", DID: "did:key:bob",
		Role: types.RoleWrite, Status: types.StatusPending, InvitedBy: "did:key:alice"}
	if err := s.CreateInvitation(ctx, inv, nil); err != nil {
		t.Fatalf("CreateInvitation failed: %v", err)
	}
	if err := s.TransitionMembership(ctx, "m-bob", types.StatusPending, types.StatusRemoved); err != nil {
		t.Fatalf("TransitionMembership failed: %v", err)
	}
	if _, err := s.ActiveMembership(ctx, "space-1", "did:key:bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no active membership, got %v", err)
	}

	// When: bob is invited again
	inv.MembershipID = "m-bob-2"
	if err := s.CreateInvitation(ctx, inv, nil); err != nil {
		t.Fatalf("re-invite failed: %v", err)
	}

	members, err := s.Members(ctx, "space-1")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 memberships, got %d", len(members))
	}
}

func TestPublishEpoch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSpace(t, s)

	fd := types.FileDescriptor{FileID: "f1", RecordID: "r1", SpaceID: "space-1", Epoch: 1, WrappedDEK: []byte("d1")}
	if err := s.PutFile(ctx, fd); err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}

	// When: epoch 2 is published with a re-wrapped file
	fd.Epoch, fd.WrappedDEK = 2, []byte("d2")
	err := s.PublishEpoch(ctx, "space-1", 2,
		[]types.WrappedKey{{SpaceID: "space-1", Epoch: 2, MemberDID: "did:key:alice", Sealed: []byte("w2")}},
		[]types.FileDescriptor{fd})
	if err != nil {
		t.Fatalf("PublishEpoch failed: %v", err)
	}

	sp, err := s.GetSpace(ctx, "space-1")
	if err != nil {
		t.Fatalf("GetSpace failed: %v", err)
	}
	if sp.CurrentEpoch != 2 {
		t.Errorf("expected epoch 2, got %d", sp.CurrentEpoch)
	}
	files, _ := s.Files(ctx, "space-1")
	if len(files) != 1 || files[0].Epoch != 2 || string(files[0].WrappedDEK) != "d2" {
		t.Errorf("unexpected files: %+v", files)
	}

	// Then: publishing a non-successor epoch conflicts
	if err := s.PublishEpoch(ctx, "space-1", 2, nil, nil); !errors.Is(err, ErrEpochConflict) {
		t.Errorf("expected ErrEpochConflict, got %v", err)
	}
	if err := s.PublishEpoch(ctx, "space-1", 4, nil, nil); !errors.Is(err, ErrEpochConflict) {
		t.Errorf("expected ErrEpochConflict, got %v", err)
	}
}

func TestFiles_EmptySpace(t *testing.T) {
	s := newTestStore(t)
	seedSpace(t, s)

	files, err := s.Files(context.Background(), "space-1")
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	if files == nil || len(files) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", files)
	}
}

func TestCapabilities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	issued := time.Now().Add(-time.Minute)

	if err := s.RecordCapability(ctx, "jti-1", "space-1", "did:key:bob", issued); err != nil {
		t.Fatalf("RecordCapability failed: %v", err)
	}
	if err := s.RecordCapability(ctx, "jti-2", "space-1", "did:key:carol", issued); err != nil {
		t.Fatalf("RecordCapability failed: %v", err)
	}

	ok, err := s.CapabilityActive(ctx, "jti-1")
	if err != nil || !ok {
		t.Fatalf("expected jti-1 active, got %v %v", ok, err)
	}
	if ok, _ := s.CapabilityActive(ctx, "unknown"); ok {
		t.Error("expected unknown jti inactive")
	}

	// When: bob's capabilities are revoked
	n, err := s.RevokeCapabilities(ctx, "space-1", "did:key:bob")
	if err != nil {
		t.Fatalf("RevokeCapabilities failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 revoked, got %d", n)
	}

	// Then: only bob's token is inactive
	if ok, _ := s.CapabilityActive(ctx, "jti-1"); ok {
		t.Error("expected jti-1 revoked")
	}
	if ok, _ := s.CapabilityActive(ctx, "jti-2"); !ok {
		t.Error("expected jti-2 still active")
	}

	// Then: cleanup removes rows older than the cutoff
	removed, err := s.CleanCapabilities(ctx, time.Now())
	if err != nil {
		t.Fatalf("CleanCapabilities failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
}

func TestSnapshot_WritesCopy(t *testing.T) {
	s := newTestStore(t)
	seedSpace(t, s)
	dest := filepath.Join(t.TempDir(), "snap", "relay.db")

	if err := s.Snapshot(context.Background(), dest); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	copied, err := NewSQLiteStore(dest)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer copied.Close()
	if _, err := copied.GetSpace(context.Background(), "space-1"); err != nil {
		t.Errorf("snapshot missing space: %v", err)
	}
}
