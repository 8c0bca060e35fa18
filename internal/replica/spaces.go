package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// PutSpace inserts or replaces the local view of a space. An existing
// capability token is kept.
func (s *Store) PutSpace(ctx context.Context, sp types.Space) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spaces (id, kind, role, status, created_by, current_epoch, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			role = excluded.role,
			status = excluded.status,
			created_by = excluded.created_by,
			current_epoch = MAX(spaces.current_epoch, excluded.current_epoch),
			updated_at = excluded.updated_at
	`, sp.ID, string(sp.Kind), string(sp.Role), string(sp.Status), sp.CreatedBy, sp.CurrentEpoch, s.timestamp())
	if err != nil {
		return fmt.Errorf("put space %s: %w", sp.ID, err)
	}
	return nil
}

const selectSpaceSQL = `SELECT id, kind, role, status, created_by, current_epoch, updated_at FROM spaces`

func scanSpace(scanner interface{ Scan(...any) error }) (types.Space, error) {
	var (
		sp                         types.Space
		kind, role, status, update string
	)
	if err := scanner.Scan(&sp.ID, &kind, &role, &status, &sp.CreatedBy, &sp.CurrentEpoch, &update); err != nil {
		return types.Space{}, err
	}
	sp.Kind = types.SpaceKind(kind)
	sp.Role = types.Role(role)
	sp.Status = types.MemberStatus(status)
	sp.UpdatedAt = parseTime(update)
	return sp, nil
}

// Space returns the local view of a space or ErrNotFound.
func (s *Store) Space(ctx context.Context, id string) (types.Space, error) {
	sp, err := scanSpace(s.db.QueryRowContext(ctx, selectSpaceSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Space{}, fmt.Errorf("space %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return types.Space{}, fmt.Errorf("load space %s: %w", id, err)
	}
	return sp, nil
}

// Spaces lists known spaces, optionally restricted to one status.
// The personal space sorts first.
func (s *Store) Spaces(ctx context.Context, status types.MemberStatus) ([]types.Space, error) {
	query := selectSpaceSQL
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY kind = 'personal' DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	out := make([]types.Space, 0)
	for rows.Next() {
		sp, err := scanSpace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// SetSpaceStatus updates the local identity's membership status in a space.
func (s *Store) SetSpaceStatus(ctx context.Context, id string, status types.MemberStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE spaces SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("set space status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("space %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// SetSpaceEpoch raises the known current epoch of a space. Lower values are
// ignored.
func (s *Store) SetSpaceEpoch(ctx context.Context, id string, epoch uint32) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE spaces SET current_epoch = MAX(current_epoch, ?), updated_at = ? WHERE id = ?`,
		epoch, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("set space epoch: %w", err)
	}
	return nil
}

// Capability returns the cached sync capability for a space, or "".
func (s *Store) Capability(ctx context.Context, spaceID string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT capability FROM spaces WHERE id = ?`, spaceID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("space %s: %w", spaceID, types.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load capability: %w", err)
	}
	return token, nil
}

// SetCapability caches a sync capability for a space. An empty token clears it.
func (s *Store) SetCapability(ctx context.Context, spaceID, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE spaces SET capability = ? WHERE id = ?`, token, spaceID)
	if err != nil {
		return fmt.Errorf("set capability: %w", err)
	}
	return nil
}

// PutEpochKey stores an epoch key. Re-importing an existing epoch is a no-op.
func (s *Store) PutEpochKey(ctx context.Context, spaceID string, epoch uint32, key []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO epoch_keys (space_id, epoch, key, created_at) VALUES (?, ?, ?, ?)`,
		spaceID, epoch, key, s.timestamp())
	if err != nil {
		return fmt.Errorf("put epoch key: %w", err)
	}
	return nil
}

// EpochKey returns one epoch key or ErrKeyUnavailable.
func (s *Store) EpochKey(ctx context.Context, spaceID string, epoch uint32) ([]byte, error) {
	var key []byte
	err := s.db.QueryRowContext(ctx, `SELECT key FROM epoch_keys WHERE space_id = ? AND epoch = ?`,
		spaceID, epoch).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("space %s epoch %d: %w", spaceID, epoch, types.ErrKeyUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("load epoch key: %w", err)
	}
	return key, nil
}

// LatestEpochKey returns the newest held epoch key or ErrKeyUnavailable.
func (s *Store) LatestEpochKey(ctx context.Context, spaceID string) (types.Epoch, error) {
	var e types.Epoch
	err := s.db.QueryRowContext(ctx, `
		SELECT epoch, key FROM epoch_keys WHERE space_id = ? ORDER BY epoch DESC LIMIT 1`,
		spaceID).Scan(&e.Number, &e.Key)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Epoch{}, fmt.Errorf("space %s: %w", spaceID, types.ErrKeyUnavailable)
	}
	if err != nil {
		return types.Epoch{}, fmt.Errorf("load latest epoch key: %w", err)
	}
	return e, nil
}

// EpochKeys returns every held epoch key of a space in ascending order.
func (s *Store) EpochKeys(ctx context.Context, spaceID string) ([]types.Epoch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch, key FROM epoch_keys WHERE space_id = ? ORDER BY epoch ASC`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list epoch keys: %w", err)
	}
	defer rows.Close()

	var out []types.Epoch
	for rows.Next() {
		var e types.Epoch
		if err := rows.Scan(&e.Number, &e.Key); err != nil {
			return nil, fmt.Errorf("scan epoch key: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cursor returns the persisted pull cursor for a space on this device.
// A missing cursor is sequence 0.
func (s *Store) Cursor(ctx context.Context, spaceID, deviceID string) (types.Cursor, error) {
	c := types.Cursor{SpaceID: spaceID, DeviceID: deviceID}
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM cursors WHERE space_id = ? AND device_id = ?`,
		spaceID, deviceID).Scan(&c.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("load cursor: %w", err)
	}
	return c, nil
}

// AdvanceCursor moves a cursor forward. A lower sequence never rewinds it.
func (s *Store) AdvanceCursor(ctx context.Context, c types.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (space_id, device_id, last_sequence, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(space_id, device_id) DO UPDATE SET
			last_sequence = MAX(cursors.last_sequence, excluded.last_sequence),
			updated_at = excluded.updated_at`,
		c.SpaceID, c.DeviceID, c.LastSequence, s.timestamp())
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// PutInvitation records an invitation seen in the mailbox. The status of an
// already resolved invitation is not downgraded.
func (s *Store) PutInvitation(ctx context.Context, inv types.Invitation) error {
	created := inv.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitations (id, space_id, invited_by, recipient_handle, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = CASE WHEN invitations.status = 'pending' THEN excluded.status ELSE invitations.status END,
			updated_at = excluded.updated_at`,
		inv.ID, inv.SpaceID, inv.InvitedBy, inv.RecipientHandle, string(inv.Status),
		created.UTC().Format(timeLayout), now)
	if err != nil {
		return fmt.Errorf("put invitation %s: %w", inv.ID, err)
	}
	return nil
}

// Invitations lists locally known invitations, optionally by status.
func (s *Store) Invitations(ctx context.Context, status types.InvitationStatus) ([]types.Invitation, error) {
	query := `SELECT id, space_id, invited_by, recipient_handle, status, created_at FROM invitations`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	out := make([]types.Invitation, 0)
	for rows.Next() {
		var inv types.Invitation
		var st, created string
		if err := rows.Scan(&inv.ID, &inv.SpaceID, &inv.InvitedBy, &inv.RecipientHandle, &st, &created); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		inv.Status = types.InvitationStatus(st)
		inv.CreatedAt = parseTime(created)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// SetInvitationStatus resolves a locally known invitation.
func (s *Store) SetInvitationStatus(ctx context.Context, id string, status types.InvitationStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE invitations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("set invitation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("invitation %s: %w", id, types.ErrNotFound)
	}
	return nil
}
