package betterbase_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/auth"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/notify"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/relay"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/store"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/syncer"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/transport"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/pkg/betterbase"
)

func newRelay(t *testing.T) *relay.Service {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return relay.New(st, auth.NewIssuer([]byte("test-secret"), time.Hour, time.Hour), notify.NewHub(64), relay.DefaultConfig())
}

type device struct {
	*betterbase.Client
	path   string
	handle string
	relay  *transport.Local
}

func openDevice(t *testing.T, svc *relay.Service, path, handle string, creds *betterbase.Credentials) *device {
	t.Helper()
	rl := transport.NewLocal(svc)
	c, err := betterbase.Open(context.Background(), betterbase.Config{
		Path:        path,
		Relay:       rl,
		Handle:      handle,
		Credentials: creds,
		Sync:        syncer.Config{Timeout: 5 * time.Second, PullLimit: 25, MaxPushBatch: 25},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &device{Client: c, path: path, handle: handle, relay: rl}
}

func newUser(t *testing.T, svc *relay.Service, handle string) *device {
	t.Helper()
	return openDevice(t, svc, filepath.Join(t.TempDir(), handle+".db"), handle, nil)
}

// linkDevice opens a second device for d's identity.
func linkDevice(t *testing.T, svc *relay.Service, d *device, name string) *device {
	t.Helper()
	creds, err := d.Credentials(context.Background())
	require.NoError(t, err)
	return openDevice(t, svc, filepath.Join(t.TempDir(), name+".db"), "", &creds)
}

func mustSync(t *testing.T, d *device) *syncer.Report {
	t.Helper()
	rep, err := d.Sync(context.Background())
	require.NoError(t, err)
	return rep
}

func title(t *testing.T, rec *betterbase.Record) string {
	t.Helper()
	var s string
	_, err := rec.Decode("title", &s)
	require.NoError(t, err)
	return s
}

func titles(t *testing.T, d *device, opts ...betterbase.QueryOption) []string {
	t.Helper()
	recs, err := d.Query(context.Background(), "notes", opts...)
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, title(t, r))
	}
	return out
}

// shareSpace creates a space owned by admin and joins every member to it.
func shareSpace(t *testing.T, admin *device, members ...*device) types.Space {
	t.Helper()
	ctx := context.Background()
	sp, err := admin.CreateSpace(ctx)
	require.NoError(t, err)
	for _, m := range members {
		inv, err := admin.Invite(ctx, sp.ID, m.handle)
		require.NoError(t, err)
		_, err = m.CheckInvitations(ctx)
		require.NoError(t, err)
		_, err = m.Accept(ctx, inv.ID)
		require.NoError(t, err)
	}
	return sp
}

func TestOpen_RegistersIdentity(t *testing.T) {
	ctx := context.Background()
	svc := newRelay(t)
	path := filepath.Join(t.TempDir(), "alice.db")

	// When: a fresh replica is opened with a handle
	alice := openDevice(t, svc, path, "alice", nil)

	// Then: the identity has a personal space
	assert.Contains(t, alice.DID(), "did:key:")
	assert.Equal(t, types.PersonalSpaceID(alice.DID()), alice.PersonalSpaceID())
	spaces, err := alice.ActiveSpaces(ctx)
	require.NoError(t, err)
	require.Len(t, spaces, 1)
	assert.Equal(t, types.SpacePersonal, spaces[0].Kind)

	// And: reopening keeps identity and device id
	did, deviceID := alice.DID(), alice.DeviceID()
	require.NoError(t, alice.Close())
	again := openDevice(t, svc, path, "", nil)
	assert.Equal(t, did, again.DID())
	assert.Equal(t, deviceID, again.DeviceID())
}

func TestOpen_RequiresHandleOrCredentials(t *testing.T) {
	svc := newRelay(t)
	_, err := betterbase.Open(context.Background(), betterbase.Config{
		Path:  filepath.Join(t.TempDir(), "x.db"),
		Relay: transport.NewLocal(svc),
	})
	assert.Error(t, err)

	_, err = betterbase.Open(context.Background(), betterbase.Config{Path: filepath.Join(t.TempDir(), "y.db")})
	assert.Error(t, err)
}

func TestClient_RoundTripBetweenDevices(t *testing.T) {
	ctx := context.Background()
	svc := newRelay(t)
	phone := newUser(t, svc, "alice")
	laptop := linkDevice(t, svc, phone, "laptop")
	require.Equal(t, phone.DID(), laptop.DID())
	require.NotEqual(t, phone.DeviceID(), laptop.DeviceID())

	// When: the phone writes and both devices sync
	id, err := phone.Put(ctx, "notes", map[string]any{"title": "groceries", "done": false})
	require.NoError(t, err)
	pending, err := phone.PendingChanges(ctx, phone.PersonalSpaceID())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	mustSync(t, phone)
	mustSync(t, laptop)

	// Then: the laptop reads the same record
	rec, err := laptop.Get(ctx, "notes", id)
	require.NoError(t, err)
	assert.Equal(t, "groceries", title(t, rec))

	// And: a patch from the laptop flows back
	require.NoError(t, laptop.Patch(ctx, "notes", id, map[string]any{"done": true}))
	mustSync(t, laptop)
	mustSync(t, phone)
	rec, err = phone.Get(ctx, "notes", id)
	require.NoError(t, err)
	var done bool
	_, err = rec.Decode("done", &done)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "groceries", title(t, rec))

	pending, err = phone.PendingChanges(ctx, phone.PersonalSpaceID())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestClient_HundredRecordsConverge(t *testing.T) {
	ctx := context.Background()
	svc := newRelay(t)
	phone := newUser(t, svc, "alice")
	laptop := linkDevice(t, svc, phone, "laptop")

	for i := 0; i < 100; i++ {
		_, err := phone.Put(ctx, "notes", map[string]any{"title": fmt.Sprintf("note %03d", i)})
		require.NoError(t, err)
	}
	mustSync(t, phone)
	rep := mustSync(t, laptop)

	got := titles(t, laptop)
	assert.Len(t, got, 100)
	sr, ok := rep.Space(laptop.PersonalSpaceID())
	require.True(t, ok)
	assert.Equal(t, 100, sr.Applied)
}

func TestClient_DeleteAndQuery(t *testing.T) {
	ctx := context.Background()
	svc := newRelay(t)
	phone := newUser(t, svc, "alice")
	laptop := linkDevice(t, svc, phone, "laptop")

	keep, err := phone.Put(ctx, "notes", map[string]any{"title": "keep", "tag": "a"})
	require.NoError(t, err)
	drop, err := phone.Put(ctx, "notes", map[string]any{"title": "drop", "tag": "a"})
	require.NoError(t, err)
	_, err = phone.Put(ctx, "notes", map[string]any{"title": "other", "tag": "b"})
	require.NoError(t, err)
	mustSync(t, phone)
	mustSync(t, laptop)

	// When: the laptop deletes while the phone edits the same record
	require.NoError(t, laptop.Delete(ctx, "notes", drop))
	require.NoError(t, phone.Patch(ctx, "notes", drop, map[string]any{"title": "edited"}))
	mustSync(t, laptop)
	mustSync(t, phone)
	mustSync(t, laptop)

	// Then: the tombstone wins on both devices
	for _, d := range []*device{phone, laptop} {
		rec, err := d.Get(ctx, "notes", drop)
		assert.NoError(t, err)
		assert.Nil(t, rec)
		assert.Equal(t, []string{"keep"}, titles(t, d, betterbase.Where("tag", "a")))
	}
	kept, err := laptop.Get(ctx, "notes", keep)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, "keep", title(t, kept))
	missing, err := laptop.Get(ctx, "notes", "no-such-record")
	assert.NoError(t, err)
	assert.Nil(t, missing)
	assert.Len(t, titles(t, laptop, betterbase.Limit(1)), 1)
}

func TestClient_SharedSpaceAndMoves(t *testing.T) {
	ctx := context.Background()
	svc := newRelay(t)
	alice, bob := newUser(t, svc, "alice-move"), newUser(t, svc, "bob-move")
	sp := shareSpace(t, alice, bob)

	a, err := alice.Put(ctx, "notes", map[string]any{"title": "a"})
	require.NoError(t, err)
	b, err := alice.Put(ctx, "notes", map[string]any{"title": "b"})
	require.NoError(t, err)
	direct, err := alice.Put(ctx, "notes", map[string]any{"title": "direct"}, betterbase.InSpace(sp.ID))
	require.NoError(t, err)

	// When: alice moves personal notes into the shared space
	moved, err := alice.BulkMove(ctx, "notes", []string{a, b}, sp.ID)
	require.NoError(t, err)
	require.Len(t, moved, 2)
	mustSync(t, alice)
	mustSync(t, bob)

	// Then: bob sees the shared notes and none of alice's personal ones
	assert.ElementsMatch(t, []string{"a", "b", "direct"}, titles(t, bob, betterbase.FromSpace(sp.ID)))
	assert.ElementsMatch(t, []string{"a", "b", "direct"}, titles(t, bob))
	old, err := alice.Get(ctx, "notes", a)
	assert.NoError(t, err)
	assert.Nil(t, old)
	rec, err := bob.Get(ctx, "notes", moved[a])
	require.NoError(t, err)
	assert.Equal(t, sp.ID, rec.SpaceID)
	rec, err = bob.Get(ctx, "notes", direct)
	require.NoError(t, err)
	assert.Equal(t, "direct", title(t, rec))

	// And: a failing bulk move changes nothing
	_, err = alice.BulkMove(ctx, "notes", []string{moved[b], "missing"}, alice.PersonalSpaceID())
	var bulk *betterbase.BulkMoveError
	require.ErrorAs(t, err, &bulk)
	assert.Contains(t, bulk.Failed, "missing")
	_, err = alice.Get(ctx, "notes", moved[b])
	assert.NoError(t, err)

	// And: MoveToSpace brings one back
	back, err := alice.MoveToSpace(ctx, "notes", moved[b], alice.PersonalSpaceID())
	require.NoError(t, err)
	rec, err = alice.Get(ctx, "notes", back)
	require.NoError(t, err)
	assert.Equal(t, alice.PersonalSpaceID(), rec.SpaceID)
}

func TestClient_DeclinedSpaceNeverActive(t *testing.T) {
	ctx := context.Background()
	svc := newRelay(t)
	alice, bob := newUser(t, svc, "alice-decline"), newUser(t, svc, "bob-decline")

	sp, err := alice.CreateSpace(ctx)
	require.NoError(t, err)
	inv, err := alice.Invite(ctx, sp.ID, "bob-decline")
	require.NoError(t, err)

	rec, err := bob.CheckInvitations(ctx)
	require.NoError(t, err)
	require.Len(t, rec.Pending, 1)

	// When: bob declines
	require.NoError(t, bob.Decline(ctx, inv.ID))
	_, err = bob.CheckInvitations(ctx)
	require.NoError(t, err)
	mustSync(t, bob)

	// Then: the space is never active and the invitation is resolved
	active, err := bob.ActiveSpaces(ctx)
	require.NoError(t, err)
	for _, s := range active {
		assert.NotEqual(t, sp.ID, s.ID)
	}
	declined, err := bob.Invitations(ctx, types.InvitationDeclined)
	require.NoError(t, err)
	require.Len(t, declined, 1)
	assert.Equal(t, inv.ID, declined[0].ID)

	_, err = bob.Accept(ctx, inv.ID)
	assert.ErrorIs(t, err, betterbase.ErrNotFound)
}

func TestClient_RemovedMemberLosesAccess(t *testing.T) {
	ctx := context.Background()
	svc := newRelay(t)
	alice := newUser(t, svc, "alice-rm")
	bob := newUser(t, svc, "bob-rm")
	carol := newUser(t, svc, "carol-rm")
	sp := shareSpace(t, alice, bob, carol)

	_, err := alice.Put(ctx, "notes", map[string]any{"title": "before"}, betterbase.InSpace(sp.ID))
	require.NoError(t, err)
	for _, d := range []*device{alice, bob, carol} {
		mustSync(t, d)
	}
	assert.Equal(t, []string{"before"}, titles(t, carol, betterbase.FromSpace(sp.ID)))

	// When: alice removes carol and writes again
	epoch, err := alice.RemoveMember(ctx, sp.ID, carol.DID())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), epoch)
	_, err = alice.Put(ctx, "notes", map[string]any{"title": "after"}, betterbase.InSpace(sp.ID))
	require.NoError(t, err)
	mustSync(t, alice)

	_, err = carol.Put(ctx, "notes", map[string]any{"title": "from carol"}, betterbase.InSpace(sp.ID))
	require.NoError(t, err)
	rep := mustSync(t, carol)
	sr, ok := rep.Space(sp.ID)
	require.True(t, ok)
	assert.Error(t, sr.Err)
	mustSync(t, bob)

	// Then: bob reads the new epoch, carol never sees it, and her write is rejected
	assert.ElementsMatch(t, []string{"before", "after"}, titles(t, bob, betterbase.FromSpace(sp.ID)))
	assert.NotContains(t, titles(t, carol, betterbase.FromSpace(sp.ID)), "after")
	mustSync(t, alice)
	assert.NotContains(t, titles(t, alice, betterbase.FromSpace(sp.ID)), "from carol")

	bobEpoch, err := bob.SpaceEpoch(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), bobEpoch)

	// And: carol's reconcile drops the space
	rec, err := carol.CheckInvitations(ctx)
	require.NoError(t, err)
	assert.Contains(t, rec.Removed, sp.ID)
	active, err := carol.ActiveSpaces(ctx)
	require.NoError(t, err)
	for _, s := range active {
		assert.NotEqual(t, sp.ID, s.ID)
	}

	// And: records carol cached before her removal stay readable
	assert.Contains(t, titles(t, carol, betterbase.FromSpace(sp.ID)), "before")

	// And: only admins remove members
	_, err = bob.RemoveMember(ctx, sp.ID, alice.DID())
	assert.ErrorIs(t, err, betterbase.ErrForbidden)
}

func TestClient_CursorSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	svc := newRelay(t)
	phone := newUser(t, svc, "alice")
	laptop := linkDevice(t, svc, phone, "laptop")

	for i := 0; i < 5; i++ {
		_, err := phone.Put(ctx, "notes", map[string]any{"title": fmt.Sprintf("n%d", i)})
		require.NoError(t, err)
	}
	mustSync(t, phone)
	mustSync(t, laptop)

	// When: the laptop reopens and syncs again
	require.NoError(t, laptop.Close())
	reopened := openDevice(t, svc, laptop.path, "", nil)
	rep := mustSync(t, reopened)

	// Then: nothing is pulled twice
	sr, ok := rep.Space(reopened.PersonalSpaceID())
	require.True(t, ok)
	assert.Zero(t, sr.Pulled)
	assert.Len(t, titles(t, reopened), 5)
}

func TestClient_OfflineOpenAndSync(t *testing.T) {
	ctx := context.Background()
	svc := newRelay(t)
	path := filepath.Join(t.TempDir(), "alice.db")
	first := openDevice(t, svc, path, "alice", nil)
	require.NoError(t, first.Close())

	// Given: the relay is unreachable when the replica reopens
	rl := transport.NewLocal(svc)
	rl.SetOffline(true)
	c, err := betterbase.Open(ctx, betterbase.Config{Path: path, Relay: rl})
	require.NoError(t, err)
	defer c.Close()

	// When: writing and syncing offline
	id, err := c.Put(ctx, "notes", map[string]any{"title": "offline"})
	require.NoError(t, err)
	_, err = c.Sync(ctx)

	// Then: the sync fails retryably and the write is kept
	assert.ErrorIs(t, err, betterbase.ErrTimeout)
	pending, err := c.PendingChanges(ctx, c.PersonalSpaceID())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// And: reconnecting pushes it
	rl.SetOffline(false)
	_, err = c.Sync(ctx)
	require.NoError(t, err)
	pending, err = c.PendingChanges(ctx, c.PersonalSpaceID())
	require.NoError(t, err)
	assert.Zero(t, pending)
	_, err = c.Get(ctx, "notes", id)
	assert.NoError(t, err)
}

func TestClient_ClosedRejectsCalls(t *testing.T) {
	ctx := context.Background()
	svc := newRelay(t)
	alice := newUser(t, svc, "alice")
	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())

	_, err := alice.Put(ctx, "notes", map[string]any{"title": "x"})
	assert.ErrorIs(t, err, betterbase.ErrClosed)
	_, err = alice.Sync(ctx)
	assert.ErrorIs(t, err, betterbase.ErrClosed)
	assert.True(t, errors.Is(alice.Listen(ctx), betterbase.ErrClosed))
}
