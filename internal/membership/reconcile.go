package membership

import (
	"context"
	"fmt"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// Reconciliation is what CheckInvitations changed locally.
type Reconciliation struct {
	Pending  []types.Invitation
	Resolved int
	Joined   []string
	Removed  []string
}

// CheckInvitations reconciles local invitations and spaces against the
// relay's mailbox and membership view. It is idempotent and safe to run from
// both polling and notification handlers:
//   - mailbox invitations are recorded locally as pending;
//   - local pending invitations missing from the mailbox are resolved from
//     the space status (accepted on another device, declined, or revoked);
//   - spaces joined elsewhere are adopted with their keys;
//   - joined spaces the relay reports removed are marked removed and their
//     capability dropped.
func (m *Manager) CheckInvitations(ctx context.Context) (Reconciliation, error) {
	m.reconcile.Lock()
	defer m.reconcile.Unlock()

	var rec Reconciliation
	mailbox, err := m.relay.Invitations(ctx)
	if err != nil {
		return rec, fmt.Errorf("fetch invitations: %w", err)
	}
	remote, err := m.relay.Spaces(ctx)
	if err != nil {
		return rec, fmt.Errorf("fetch spaces: %w", err)
	}

	inMailbox := make(map[string]bool, len(mailbox))
	for _, inv := range mailbox {
		inMailbox[inv.ID] = true
		inv.Status = types.InvitationPending
		if err := m.replica.PutInvitation(ctx, inv); err != nil {
			return rec, err
		}
	}
	rec.Pending = mailbox

	status := make(map[string]types.MemberStatus, len(remote))
	for _, sp := range remote {
		status[sp.ID] = sp.Status
	}

	local, err := m.replica.Invitations(ctx, types.InvitationPending)
	if err != nil {
		return rec, err
	}
	for _, inv := range local {
		if inMailbox[inv.ID] {
			continue
		}
		resolved := types.InvitationRevoked
		switch status[inv.SpaceID] {
		case types.StatusJoined:
			resolved = types.InvitationAccepted
		case types.StatusDeclined:
			resolved = types.InvitationDeclined
		}
		if err := m.replica.SetInvitationStatus(ctx, inv.ID, resolved); err != nil {
			return rec, err
		}
		rec.Resolved++
	}

	for _, sp := range remote {
		localSp, err := m.replica.Space(ctx, sp.ID)
		known := err == nil
		switch {
		case sp.Status == types.StatusJoined && (!known || localSp.Status != types.StatusJoined):
			if _, err := m.adopt(ctx, sp); err != nil {
				return rec, err
			}
			rec.Joined = append(rec.Joined, sp.ID)
		case sp.Status == types.StatusRemoved && known && localSp.Status == types.StatusJoined:
			if err := m.replica.SetSpaceStatus(ctx, sp.ID, types.StatusRemoved); err != nil {
				return rec, err
			}
			_ = m.replica.SetCapability(ctx, sp.ID, "")
			rec.Removed = append(rec.Removed, sp.ID)
		}
	}

	if rec.Resolved > 0 || len(rec.Joined) > 0 || len(rec.Removed) > 0 {
		m.logger.Info("membership reconciled",
			"component", "membership",
			"action", "check_invitations",
			"pending", len(rec.Pending),
			"resolved", rec.Resolved,
			"joined", len(rec.Joined),
			"removed", len(rec.Removed),
		)
	}
	return rec, nil
}
