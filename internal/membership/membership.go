// Package membership implements the client side of the space lifecycle:
// creating spaces, the invitation workflow, member removal with key
// rotation, and reconciliation of local space and invitation state against
// the relay.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/replica"
	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/transport"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/vault"
)

// Replica is the local state membership operations maintain.
type Replica interface {
	Space(ctx context.Context, id string) (types.Space, error)
	Spaces(ctx context.Context, status types.MemberStatus) ([]types.Space, error)
	PutSpace(ctx context.Context, sp types.Space) error
	SetSpaceStatus(ctx context.Context, id string, status types.MemberStatus) error
	SetSpaceEpoch(ctx context.Context, id string, epoch uint32) error
	SetCapability(ctx context.Context, spaceID, token string) error
	PutInvitation(ctx context.Context, inv types.Invitation) error
	Invitations(ctx context.Context, status types.InvitationStatus) ([]types.Invitation, error)
	SetInvitationStatus(ctx context.Context, id string, status types.InvitationStatus) error
}

// Manager runs membership operations for one identity.
type Manager struct {
	replica Replica
	vault   *vault.Vault
	relay   transport.Relay
	logger  *slog.Logger

	// reconcile serializes CheckInvitations so the polling and
	// notification paths never interleave.
	reconcile sync.Mutex
}

// New creates a Manager. A nil logger uses slog.Default().
func New(r Replica, v *vault.Vault, rl transport.Relay, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{replica: r, vault: v, relay: rl, logger: logger}
}

func (m *Manager) did() string { return m.vault.Identity().DID }

// EnsurePersonalSpace makes the identity's personal space available locally,
// creating it on the relay on first use and importing its keys otherwise.
func (m *Manager) EnsurePersonalSpace(ctx context.Context) (types.Space, error) {
	id := types.PersonalSpaceID(m.did())
	if sp, err := m.replica.Space(ctx, id); err == nil {
		return sp, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return types.Space{}, err
	}

	spaces, err := m.relay.Spaces(ctx)
	if err != nil {
		return types.Space{}, err
	}
	for _, sp := range spaces {
		if sp.ID == id {
			return m.adopt(ctx, sp)
		}
	}
	return m.create(ctx, id, types.SpacePersonal)
}

// CreateSpace creates a shared space administered by the local identity.
func (m *Manager) CreateSpace(ctx context.Context) (types.Space, error) {
	return m.create(ctx, uuid.NewString(), types.SpaceShared)
}

func (m *Manager) create(ctx context.Context, id string, kind types.SpaceKind) (types.Space, error) {
	rot, err := m.vault.PrepareSpace(id)
	if err != nil {
		return types.Space{}, err
	}
	sp, err := m.relay.CreateSpace(ctx, bbsync.CreateSpaceRequest{SpaceID: id, Kind: kind, Wraps: rot.Wraps})
	if err != nil {
		return types.Space{}, fmt.Errorf("create space: %w", err)
	}
	if err := m.vault.Commit(ctx, rot); err != nil {
		return types.Space{}, err
	}
	sp.Role = types.RoleAdmin
	sp.Status = types.StatusJoined
	if err := m.replica.PutSpace(ctx, sp); err != nil {
		return types.Space{}, err
	}
	m.logger.Info("space created",
		"component", "membership",
		"action", "create_space",
		"space_id", id,
		"kind", kind,
	)
	return sp, nil
}

// adopt records a space the identity joined elsewhere and imports its keys.
func (m *Manager) adopt(ctx context.Context, sp types.Space) (types.Space, error) {
	if err := m.replica.PutSpace(ctx, sp); err != nil {
		return types.Space{}, err
	}
	if err := m.importKeys(ctx, sp.ID); err != nil {
		return types.Space{}, err
	}
	return m.replica.Space(ctx, sp.ID)
}

// importKeys fetches and stores every wrap addressed to the local identity.
func (m *Manager) importKeys(ctx context.Context, spaceID string) error {
	resp, err := m.relay.KeyWraps(ctx, spaceID)
	if err != nil {
		return fmt.Errorf("fetch wraps for %s: %w", spaceID, err)
	}
	if _, err := m.vault.ImportWraps(ctx, resp.Wraps); err != nil {
		return err
	}
	return m.replica.SetSpaceEpoch(ctx, spaceID, resp.CurrentEpoch)
}

// requireAdmin fails with ErrForbidden unless the local identity
// administers the space.
func (m *Manager) requireAdmin(ctx context.Context, spaceID string) error {
	sp, err := m.replica.Space(ctx, spaceID)
	if err != nil {
		return err
	}
	if sp.Role != types.RoleAdmin || sp.Status != types.StatusJoined {
		return fmt.Errorf("space %s: %w", spaceID, types.ErrForbidden)
	}
	return nil
}

// Invite invites the identity behind handle to a shared space. Every epoch
// held locally is wrapped for the invitee up front; the relay releases the
// wraps once they accept.
func (m *Manager) Invite(ctx context.Context, spaceID, handle string) (types.Invitation, error) {
	if err := m.requireAdmin(ctx, spaceID); err != nil {
		return types.Invitation{}, err
	}
	invitee, err := m.relay.Resolve(ctx, handle)
	if err != nil {
		return types.Invitation{}, fmt.Errorf("resolve %s: %w", handle, err)
	}
	wraps, err := m.vault.WrapAllFor(ctx, spaceID, invitee.DID)
	if err != nil {
		return types.Invitation{}, err
	}
	inv, err := m.relay.Invite(ctx, bbsync.InviteRequest{
		SpaceID: spaceID,
		Handle:  handle,
		Role:    types.RoleWrite,
		Wraps:   wraps,
	})
	if err != nil {
		return types.Invitation{}, err
	}
	m.logger.Info("member invited",
		"component", "membership",
		"action", "invite",
		"space_id", spaceID,
		"invitation_id", inv.ID,
	)
	return inv, nil
}

// Accept joins the space behind an invitation and imports its keys.
// A resolved or unknown invitation is ErrNotFound.
func (m *Manager) Accept(ctx context.Context, invitationID string) (types.Space, error) {
	sp, err := m.relay.Accept(ctx, invitationID)
	if err != nil {
		return types.Space{}, err
	}
	m.markInvitation(ctx, invitationID, sp.ID, types.InvitationAccepted)
	sp, err = m.adopt(ctx, sp)
	if err != nil {
		return types.Space{}, err
	}
	m.logger.Info("invitation accepted",
		"component", "membership",
		"action", "accept",
		"space_id", sp.ID,
		"invitation_id", invitationID,
	)
	return sp, nil
}

// Decline rejects an invitation. A resolved or unknown invitation is
// ErrNotFound.
func (m *Manager) Decline(ctx context.Context, invitationID string) error {
	if err := m.relay.Decline(ctx, invitationID); err != nil {
		return err
	}
	m.markInvitation(ctx, invitationID, "", types.InvitationDeclined)
	m.logger.Info("invitation declined",
		"component", "membership",
		"action", "decline",
		"invitation_id", invitationID,
	)
	return nil
}

func (m *Manager) markInvitation(ctx context.Context, id, spaceID string, status types.InvitationStatus) {
	err := m.replica.SetInvitationStatus(ctx, id, status)
	if errors.Is(err, types.ErrNotFound) {
		err = m.replica.PutInvitation(ctx, types.Invitation{ID: id, SpaceID: spaceID, Status: status})
	}
	if err != nil {
		m.logger.Warn("failed to record invitation status",
			"component", "membership",
			"action", "mark_invitation",
			"invitation_id", id,
			"error", err,
		)
	}
}

// Members lists a space's memberships.
func (m *Manager) Members(ctx context.Context, spaceID string) ([]types.Member, error) {
	return m.relay.Members(ctx, spaceID)
}

// RemoveMember removes a member, revoking their sync capability, then
// rotates the space key so later records are sealed under an epoch the
// member never receives. The new epoch is returned. If the rotation fails the
// relay keeps it owed; calling RemoveMember again, or an admin sync,
// completes it.
func (m *Manager) RemoveMember(ctx context.Context, spaceID, memberDID string) (uint32, error) {
	if err := m.requireAdmin(ctx, spaceID); err != nil {
		return 0, err
	}
	resp, err := m.relay.RemoveMember(ctx, spaceID, memberDID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		owed, oerr := m.RotationRequired(ctx, spaceID)
		if oerr != nil || !owed {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		m.logger.Info("member removed",
			"component", "membership",
			"action", "remove_member",
			"space_id", spaceID,
			"member", memberDID,
			"revoked_capabilities", resp.RevokedCapabilities,
		)
	}
	epoch, err := m.RotateSpaceKey(ctx, spaceID)
	if err != nil {
		return 0, fmt.Errorf("rotate after removing %s: %w", memberDID, err)
	}
	return epoch, nil
}

// RotationRequired reports whether the relay holds a rotation owed for a
// space after a member removal.
func (m *Manager) RotationRequired(ctx context.Context, spaceID string) (bool, error) {
	resp, err := m.relay.KeyWraps(ctx, spaceID)
	if err != nil {
		return false, err
	}
	return resp.RotationRequired, nil
}

// RotateSpaceKey publishes a new epoch wrapped for the joined members and
// re-wraps every file DEK. Losing a race to another rotation refreshes the
// keyring and retries once.
func (m *Manager) RotateSpaceKey(ctx context.Context, spaceID string) (uint32, error) {
	if err := m.requireAdmin(ctx, spaceID); err != nil {
		return 0, err
	}
	if err := m.importKeys(ctx, spaceID); err != nil {
		return 0, err
	}

	for attempt := 0; ; attempt++ {
		members, err := m.relay.Members(ctx, spaceID)
		if err != nil {
			return 0, err
		}
		files, err := m.relay.Files(ctx, spaceID)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return 0, err
		}
		rot, err := m.vault.Rotate(ctx, spaceID, members, files)
		if err != nil {
			return 0, err
		}
		err = m.relay.PublishEpoch(ctx, bbsync.PublishEpochRequest{
			SpaceID: spaceID,
			Epoch:   rot.Epoch,
			Wraps:   rot.Wraps,
			Files:   rot.Files,
		})
		if errors.Is(err, types.ErrConflict) && attempt == 0 {
			if err := m.importKeys(ctx, spaceID); err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("publish epoch %d: %w", rot.Epoch, err)
		}
		if err := m.vault.Commit(ctx, rot); err != nil {
			return 0, err
		}
		if err := m.replica.SetSpaceEpoch(ctx, spaceID, rot.Epoch); err != nil {
			return 0, err
		}
		return rot.Epoch, nil
	}
}

// SpaceEpoch returns the current epoch of a space as known locally.
func (m *Manager) SpaceEpoch(ctx context.Context, spaceID string) (uint32, error) {
	sp, err := m.replica.Space(ctx, spaceID)
	if err != nil {
		return 0, err
	}
	return sp.CurrentEpoch, nil
}

// ActiveSpaces lists spaces the local identity has joined, personal first.
func (m *Manager) ActiveSpaces(ctx context.Context) ([]types.Space, error) {
	return m.replica.Spaces(ctx, types.StatusJoined)
}

var _ Replica = (*replica.Store)(nil)
