package betterbase

import (
	"context"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/membership"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// Reconciliation is the outcome of CheckInvitations.
type Reconciliation = membership.Reconciliation

// CreateSpace creates a shared space administered by this identity.
func (c *Client) CreateSpace(ctx context.Context) (types.Space, error) {
	if err := c.online(ctx); err != nil {
		return types.Space{}, err
	}
	return c.members.CreateSpace(ctx)
}

// Spaces lists the locally known spaces, optionally by membership status.
func (c *Client) Spaces(ctx context.Context, status types.MemberStatus) ([]types.Space, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.rep.Spaces(ctx, status)
}

// ActiveSpaces lists the spaces this identity is joined to.
func (c *Client) ActiveSpaces(ctx context.Context) ([]types.Space, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.members.ActiveSpaces(ctx)
}

// Invite invites the identity behind handle into a space.
func (c *Client) Invite(ctx context.Context, spaceID, handle string) (types.Invitation, error) {
	if err := c.online(ctx); err != nil {
		return types.Invitation{}, err
	}
	return c.members.Invite(ctx, spaceID, handle)
}

// Invitations lists locally known invitations, optionally by status.
func (c *Client) Invitations(ctx context.Context, status types.InvitationStatus) ([]types.Invitation, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.rep.Invitations(ctx, status)
}

// CheckInvitations refreshes the mailbox and reconciles membership with
// the relay.
func (c *Client) CheckInvitations(ctx context.Context) (Reconciliation, error) {
	if err := c.online(ctx); err != nil {
		return Reconciliation{}, err
	}
	return c.members.CheckInvitations(ctx)
}

// Accept joins the space of a pending invitation.
func (c *Client) Accept(ctx context.Context, invitationID string) (types.Space, error) {
	if err := c.online(ctx); err != nil {
		return types.Space{}, err
	}
	return c.members.Accept(ctx, invitationID)
}

// Decline refuses a pending invitation.
func (c *Client) Decline(ctx context.Context, invitationID string) error {
	if err := c.online(ctx); err != nil {
		return err
	}
	return c.members.Decline(ctx, invitationID)
}

// Members lists a space's memberships.
func (c *Client) Members(ctx context.Context, spaceID string) ([]types.Member, error) {
	if err := c.online(ctx); err != nil {
		return nil, err
	}
	return c.members.Members(ctx, spaceID)
}

// RemoveMember removes a member and rotates the space key. It returns the
// new epoch.
func (c *Client) RemoveMember(ctx context.Context, spaceID, memberDID string) (uint32, error) {
	if err := c.online(ctx); err != nil {
		return 0, err
	}
	return c.members.RemoveMember(ctx, spaceID, memberDID)
}

// RotateSpaceKey publishes a fresh epoch for a space.
func (c *Client) RotateSpaceKey(ctx context.Context, spaceID string) (uint32, error) {
	if err := c.online(ctx); err != nil {
		return 0, err
	}
	return c.members.RotateSpaceKey(ctx, spaceID)
}

// SpaceEpoch returns the current epoch of a space as known locally.
func (c *Client) SpaceEpoch(ctx context.Context, spaceID string) (uint32, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	return c.members.SpaceEpoch(ctx, spaceID)
}
