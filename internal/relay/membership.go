package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/validation"
)

// Invite creates a pending membership for the identity behind req.Handle
// and drops a notification in their mailbox. Admin only. Wraps must address
// the invitee and existing epochs; they are released after accept.
func (s *Service) Invite(ctx context.Context, did string, req bbsync.InviteRequest) (types.Invitation, error) {
	if err := validation.Invite(req); err != nil {
		return types.Invitation{}, err
	}
	sp, err := s.requireAdmin(ctx, req.SpaceID, did)
	if err != nil {
		return types.Invitation{}, err
	}
	if sp.Kind == types.SpacePersonal {
		return types.Invitation{}, fmt.Errorf("personal spaces cannot be shared: %w", types.ErrForbidden)
	}
	invitee, err := s.store.IdentityByHandle(ctx, req.Handle)
	if err != nil {
		return types.Invitation{}, err
	}
	if invitee.DID == did {
		return types.Invitation{}, fmt.Errorf("cannot invite yourself: %w", types.ErrInvalid)
	}
	for _, w := range req.Wraps {
		if w.MemberDID != invitee.DID || w.Epoch > sp.CurrentEpoch {
			return types.Invitation{}, fmt.Errorf("invitation wraps must address %s at existing epochs: %w", invitee.DID, types.ErrInvalid)
		}
	}

	m := types.Member{
		MembershipID: uuid.NewString(),
		SpaceID:      req.SpaceID,
		DID:          invitee.DID,
		Role:         types.RoleWrite,
		Status:       types.StatusPending,
		InvitedBy:    did,
	}
	if err := s.store.CreateInvitation(ctx, m, req.Wraps); err != nil {
		return types.Invitation{}, err
	}

	s.metrics.Invitations.WithLabelValues("invite").Inc()
	s.hub.Publish(types.Event{Type: types.EventInvitation, SpaceID: req.SpaceID, RefID: m.MembershipID}, invitee.DID)
	s.logger.Info("member invited",
		"component", "relay",
		"action", "invite",
		"space_id", req.SpaceID,
		"membership_id", m.MembershipID,
		"invitee", invitee.DID,
	)
	return types.Invitation{
		ID:              m.MembershipID,
		SpaceID:         req.SpaceID,
		InvitedBy:       did,
		Status:          types.InvitationPending,
		RecipientHandle: invitee.Handle,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// Invitations lists did's pending invitations.
func (s *Service) Invitations(ctx context.Context, did string) ([]types.Invitation, error) {
	return s.store.PendingInvitations(ctx, did)
}

// Accept joins the space an invitation points to. An invitation that is not
// pending, or not addressed to did, is ErrNotFound.
func (s *Service) Accept(ctx context.Context, did, invitationID string) (types.Space, error) {
	m, err := s.resolveInvitation(ctx, did, invitationID, types.StatusJoined)
	if err != nil {
		return types.Space{}, err
	}
	sp, err := s.store.GetSpace(ctx, m.SpaceID)
	if err != nil {
		return types.Space{}, err
	}
	sp.Role = m.Role
	sp.Status = types.StatusJoined
	sp.UpdatedAt = time.Now().UTC()
	return sp, nil
}

// Decline rejects an invitation. The same single-use rules as Accept apply.
func (s *Service) Decline(ctx context.Context, did, invitationID string) error {
	_, err := s.resolveInvitation(ctx, did, invitationID, types.StatusDeclined)
	return err
}

func (s *Service) resolveInvitation(ctx context.Context, did, invitationID string, to types.MemberStatus) (types.Member, error) {
	m, err := s.store.Membership(ctx, invitationID)
	if err != nil {
		return types.Member{}, err
	}
	if m.DID != did {
		return types.Member{}, fmt.Errorf("invitation %s: %w", invitationID, types.ErrNotFound)
	}
	if err := s.store.TransitionMembership(ctx, invitationID, types.StatusPending, to); err != nil {
		return types.Member{}, err
	}

	s.metrics.Invitations.WithLabelValues(string(to)).Inc()
	s.hub.Publish(types.Event{Type: types.EventInvitation, SpaceID: m.SpaceID, RefID: invitationID}, m.InvitedBy)
	s.logger.Info("invitation resolved",
		"component", "relay",
		"action", "resolve_invitation",
		"space_id", m.SpaceID,
		"membership_id", invitationID,
		"status", to,
	)
	return m, nil
}

// Members lists a space's memberships. Joined members only.
func (s *Service) Members(ctx context.Context, did, spaceID string) ([]types.Member, error) {
	if _, err := s.requireJoined(ctx, spaceID, did); err != nil {
		return nil, err
	}
	return s.store.Members(ctx, spaceID)
}

// RemoveMember moves memberDID's active membership to removed and revokes
// every sync capability they hold in the space. Admin only. The space is
// marked as owing a rotation until the admin publishes the next epoch.
func (s *Service) RemoveMember(ctx context.Context, did, spaceID, memberDID string) (bbsync.RemoveMemberResponse, error) {
	if _, err := s.requireAdmin(ctx, spaceID, did); err != nil {
		return bbsync.RemoveMemberResponse{}, err
	}
	if memberDID == did {
		return bbsync.RemoveMemberResponse{}, fmt.Errorf("admin cannot remove themselves: %w", types.ErrInvalid)
	}
	m, err := s.store.ActiveMembership(ctx, spaceID, memberDID)
	if err != nil {
		return bbsync.RemoveMemberResponse{}, err
	}
	if err := s.store.RemoveMembership(ctx, spaceID, m.MembershipID, m.Status); err != nil {
		return bbsync.RemoveMemberResponse{}, err
	}
	revoked, err := s.store.RevokeCapabilities(ctx, spaceID, memberDID)
	if err != nil {
		return bbsync.RemoveMemberResponse{}, err
	}

	s.metrics.Revocations.Add(float64(revoked))
	s.notifyMembers(ctx, types.Event{Type: types.EventRevocation, SpaceID: spaceID, RefID: memberDID}, memberDID)
	s.logger.Info("member removed",
		"component", "relay",
		"action", "remove_member",
		"space_id", spaceID,
		"member", memberDID,
		"revoked_capabilities", revoked,
	)
	return bbsync.RemoveMemberResponse{MembershipID: m.MembershipID, RevokedCapabilities: revoked}, nil
}
