package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// SQLiteStore represents the SQLite-backed relay database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	ctx := context.Background()

	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// from splitting across pool connections.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Snapshot writes a consistent copy of the database to destPath.
func (s *SQLiteStore) Snapshot(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	_ = os.Remove(destPath)
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}

// GetStats returns aggregate store statistics
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM identities),
			(SELECT COUNT(*) FROM spaces),
			(SELECT COUNT(*) FROM memberships WHERE status = 'joined'),
			(SELECT COUNT(*) FROM change_log),
			(SELECT COALESCE(MAX(sequence), 0) FROM change_log)
	`).Scan(&st.Identities, &st.Spaces, &st.JoinedMembers, &st.ChangeLogEntries, &st.LatestSequence)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil {
		st.DatabaseBytes = info.Size()
	}
	return &st, nil
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Identities ---

// CreateIdentity registers a DID under a unique handle.
func (s *SQLiteStore) CreateIdentity(ctx context.Context, id types.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (did, handle, public_key, created_at) VALUES (?, ?, ?, ?)
	`, id.DID, id.Handle, id.PublicKey, now())
	if isUniqueViolation(err) {
		return ErrDuplicateHandle
	}
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

// IdentityByHandle resolves a handle.
func (s *SQLiteStore) IdentityByHandle(ctx context.Context, handle string) (types.Identity, error) {
	return s.identity(ctx, `WHERE handle = ?`, handle)
}

// IdentityByDID resolves a DID.
func (s *SQLiteStore) IdentityByDID(ctx context.Context, did string) (types.Identity, error) {
	return s.identity(ctx, `WHERE did = ?`, did)
}

func (s *SQLiteStore) identity(ctx context.Context, where string, arg string) (types.Identity, error) {
	var id types.Identity
	err := s.db.QueryRowContext(ctx, `SELECT did, handle, public_key FROM identities `+where, arg).
		Scan(&id.DID, &id.Handle, &id.PublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Identity{}, fmt.Errorf("identity %q: %w", arg, ErrNotFound)
	}
	if err != nil {
		return types.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	return id, nil
}

// --- Spaces ---

// CreateSpace inserts a space at epoch 1 together with the creator's joined
// admin membership and initial key wraps.
func (s *SQLiteStore) CreateSpace(ctx context.Context, sp types.Space, admin types.Member, wraps []types.WrappedKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO spaces (id, kind, created_by, current_epoch, created_at) VALUES (?, ?, ?, ?, ?)
	`, sp.ID, string(sp.Kind), sp.CreatedBy, sp.CurrentEpoch, ts)
	if isUniqueViolation(err) {
		return ErrDuplicateSpace
	}
	if err != nil {
		return fmt.Errorf("insert space: %w", err)
	}

	if err := insertMembership(ctx, tx, admin, ts); err != nil {
		return err
	}
	if err := insertWraps(ctx, tx, wraps, ts); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetSpace returns a space without membership information.
func (s *SQLiteStore) GetSpace(ctx context.Context, id string) (types.Space, error) {
	var sp types.Space
	var kind, created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, created_by, current_epoch, created_at FROM spaces WHERE id = ?
	`, id).Scan(&sp.ID, &kind, &sp.CreatedBy, &sp.CurrentEpoch, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Space{}, fmt.Errorf("space %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Space{}, fmt.Errorf("get space: %w", err)
	}
	sp.Kind = types.SpaceKind(kind)
	sp.UpdatedAt = parseTime(created)
	return sp, nil
}

// SpacesFor lists every space did holds a membership in, with the role and
// status of its most recent membership.
func (s *SQLiteStore) SpacesFor(ctx context.Context, did string) ([]types.Space, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sp.id, sp.kind, sp.created_by, sp.current_epoch, m.role, m.status, m.updated_at
		FROM memberships m
		JOIN spaces sp ON sp.id = m.space_id
		WHERE m.member_did = ?
		  AND m.created_at = (
			SELECT MAX(created_at) FROM memberships
			WHERE space_id = m.space_id AND member_did = m.member_did
		  )
		ORDER BY sp.kind = 'personal' DESC, sp.id ASC
	`, did)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	out := make([]types.Space, 0)
	for rows.Next() {
		var sp types.Space
		var kind, role, status, updated string
		if err := rows.Scan(&sp.ID, &kind, &sp.CreatedBy, &sp.CurrentEpoch, &role, &status, &updated); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		sp.Kind = types.SpaceKind(kind)
		sp.Role = types.Role(role)
		sp.Status = types.MemberStatus(status)
		sp.UpdatedAt = parseTime(updated)
		out = append(out, sp)
	}
	return out, rows.Err()
}

// --- Memberships ---

func insertMembership(ctx context.Context, tx *sql.Tx, m types.Member, ts string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memberships (id, space_id, member_did, role, status, invited_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.MembershipID, m.SpaceID, m.DID, string(m.Role), string(m.Status), m.InvitedBy, ts, ts)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// CreateInvitation inserts a pending membership, its mailbox notification and
// the invitee's key wraps. It fails with ErrAlreadyMember if the invitee
// already holds a pending or joined membership in the space.
func (s *SQLiteStore) CreateInvitation(ctx context.Context, m types.Member, wraps []types.WrappedKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memberships
		WHERE space_id = ? AND member_did = ? AND status IN ('pending', 'joined')
	`, m.SpaceID, m.DID).Scan(&active)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if active > 0 {
		return ErrAlreadyMember
	}

	ts := now()
	if err := insertMembership(ctx, tx, m, ts); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO mailbox (recipient_did, membership_id, space_id, kind, created_at)
		VALUES (?, ?, ?, 'invitation', ?)
	`, m.DID, m.MembershipID, m.SpaceID, ts)
	if err != nil {
		return fmt.Errorf("insert mailbox: %w", err)
	}
	if err := insertWraps(ctx, tx, wraps, ts); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const selectMemberSQL = `
	SELECT m.id, m.space_id, m.member_did, COALESCE(i.handle, ''), m.role, m.status, m.invited_by, m.updated_at
	FROM memberships m
	LEFT JOIN identities i ON i.did = m.member_did`

func scanMember(scanner interface{ Scan(...any) error }) (types.Member, error) {
	var m types.Member
	var role, status, updated string
	if err := scanner.Scan(&m.MembershipID, &m.SpaceID, &m.DID, &m.Handle, &role, &status, &m.InvitedBy, &updated); err != nil {
		return types.Member{}, err
	}
	m.Role = types.Role(role)
	m.Status = types.MemberStatus(status)
	m.UpdatedAt = parseTime(updated)
	return m, nil
}

// Membership returns a membership by id.
func (s *SQLiteStore) Membership(ctx context.Context, id string) (types.Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx, selectMemberSQL+` WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Member{}, fmt.Errorf("membership %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Member{}, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

// ActiveMembership returns did's pending or joined membership in a space.
func (s *SQLiteStore) ActiveMembership(ctx context.Context, spaceID, did string) (types.Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx, selectMemberSQL+`
		WHERE m.space_id = ? AND m.member_did = ? AND m.status IN ('pending', 'joined')
		ORDER BY m.created_at DESC LIMIT 1`, spaceID, did))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Member{}, fmt.Errorf("membership of %s in %s: %w", did, spaceID, ErrNotFound)
	}
	if err != nil {
		return types.Member{}, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

// Members lists every membership of a space in creation order, including
// removed and declined ones.
func (s *SQLiteStore) Members(ctx context.Context, spaceID string) ([]types.Member, error) {
	rows, err := s.db.QueryContext(ctx, selectMemberSQL+` WHERE m.space_id = ? ORDER BY m.created_at ASC, m.id ASC`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	out := make([]types.Member, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TransitionMembership moves a membership from one status to another.
// It returns ErrNotFound when the membership is not in the from status, so
// each transition succeeds at most once.
func (s *SQLiteStore) TransitionMembership(ctx context.Context, id string, from, to types.MemberStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memberships SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, string(to), now(), id, string(from))
	if err != nil {
		return fmt.Errorf("transition membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s membership %s: %w", from, id, ErrNotFound)
	}
	return nil
}

// RemoveMembership moves a membership from its active status to removed and
// marks the space as owing a key rotation in one transaction. The mark is
// cleared by the next PublishEpoch.
func (s *SQLiteStore) RemoveMembership(ctx context.Context, spaceID, id string, from types.MemberStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE memberships SET status = 'removed', updated_at = ? WHERE id = ? AND space_id = ? AND status = ?
	`, now(), id, spaceID, string(from))
	if err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s membership %s: %w", from, id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE spaces SET rotation_required = 1 WHERE id = ?`, spaceID); err != nil {
		return fmt.Errorf("mark rotation required: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RotationRequired reports whether a member was removed from the space since
// its last epoch was published.
func (s *SQLiteStore) RotationRequired(ctx context.Context, spaceID string) (bool, error) {
	var required bool
	err := s.db.QueryRowContext(ctx, `SELECT rotation_required FROM spaces WHERE id = ?`, spaceID).Scan(&required)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("space %s: %w", spaceID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("load rotation flag: %w", err)
	}
	return required, nil
}

// PendingInvitations lists the pending invitations in did's mailbox.
func (s *SQLiteStore) PendingInvitations(ctx context.Context, did string) ([]types.Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.space_id, m.invited_by, COALESCE(i.handle, ''), mb.created_at
		FROM mailbox mb
		JOIN memberships m ON m.id = mb.membership_id
		LEFT JOIN identities i ON i.did = m.member_did
		WHERE mb.recipient_did = ? AND mb.kind = 'invitation' AND m.status = 'pending'
		ORDER BY mb.id ASC
	`, did)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	out := make([]types.Invitation, 0)
	for rows.Next() {
		inv := types.Invitation{Status: types.InvitationPending}
		var created string
		if err := rows.Scan(&inv.ID, &inv.SpaceID, &inv.InvitedBy, &inv.RecipientHandle, &created); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		inv.CreatedAt = parseTime(created)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// --- Key wraps ---

func insertWraps(ctx context.Context, tx *sql.Tx, wraps []types.WrappedKey, ts string) error {
	for _, w := range wraps {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO key_wraps (space_id, epoch, member_did, sealed, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, w.SpaceID, w.Epoch, w.MemberDID, w.Sealed, ts)
		if err != nil {
			return fmt.Errorf("insert key wrap: %w", err)
		}
	}
	return nil
}

// PutWraps stores wraps for existing epochs.
func (s *SQLiteStore) PutWraps(ctx context.Context, wraps []types.WrappedKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertWraps(ctx, tx, wraps, now()); err != nil {
		return err
	}
	return tx.Commit()
}

// Wraps lists a space's wraps, optionally only those addressed to did.
func (s *SQLiteStore) Wraps(ctx context.Context, spaceID, did string) ([]types.WrappedKey, error) {
	query := `SELECT space_id, epoch, member_did, sealed FROM key_wraps WHERE space_id = ?`
	args := []any{spaceID}
	if did != "" {
		query += ` AND member_did = ?`
		args = append(args, did)
	}
	query += ` ORDER BY epoch ASC, member_did ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list key wraps: %w", err)
	}
	defer rows.Close()

	out := make([]types.WrappedKey, 0)
	for rows.Next() {
		var w types.WrappedKey
		if err := rows.Scan(&w.SpaceID, &w.Epoch, &w.MemberDID, &w.Sealed); err != nil {
			return nil, fmt.Errorf("scan key wrap: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// PublishEpoch advances a space to epoch, storing its wraps and re-wrapped
// file descriptors atomically, and clears any owed rotation. It fails with ErrEpochConflict unless epoch
// is exactly current+1.
func (s *SQLiteStore) PublishEpoch(ctx context.Context, spaceID string, epoch uint32, wraps []types.WrappedKey, files []types.FileDescriptor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE spaces SET current_epoch = ?, rotation_required = 0 WHERE id = ? AND current_epoch = ?
	`, epoch, spaceID, epoch-1)
	if err != nil {
		return fmt.Errorf("advance epoch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEpochConflict
	}

	ts := now()
	if err := insertWraps(ctx, tx, wraps, ts); err != nil {
		return err
	}
	for _, fd := range files {
		if err := upsertFile(ctx, tx, fd, ts); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- Capabilities ---

// RecordCapability registers an issued capability so it can be revoked.
func (s *SQLiteStore) RecordCapability(ctx context.Context, jti, spaceID, did string, issuedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capabilities (jti, space_id, member_did, issued_at) VALUES (?, ?, ?, ?)
	`, jti, spaceID, did, issuedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record capability: %w", err)
	}
	return nil
}

// CapabilityActive reports whether a capability was issued and not revoked.
func (s *SQLiteStore) CapabilityActive(ctx context.Context, jti string) (bool, error) {
	var revoked sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT revoked_at FROM capabilities WHERE jti = ?`, jti).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check capability: %w", err)
	}
	return !revoked.Valid, nil
}

// RevokeCapabilities revokes every outstanding capability of did in a space.
func (s *SQLiteStore) RevokeCapabilities(ctx context.Context, spaceID, did string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE capabilities SET revoked_at = ?
		WHERE space_id = ? AND member_did = ? AND revoked_at IS NULL
	`, now(), spaceID, did)
	if err != nil {
		return 0, fmt.Errorf("revoke capabilities: %w", err)
	}
	return res.RowsAffected()
}

// CleanCapabilities removes capability rows issued before cutoff. Tokens that
// old have expired, so their rows no longer matter.
func (s *SQLiteStore) CleanCapabilities(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM capabilities WHERE issued_at < ?
	`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("clean capabilities: %w", err)
	}
	return res.RowsAffected()
}

// --- Files ---

func upsertFile(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, fd types.FileDescriptor, ts string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO files (file_id, record_id, space_id, epoch, wrapped_dek, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			epoch = excluded.epoch,
			wrapped_dek = excluded.wrapped_dek,
			updated_at = excluded.updated_at
	`, fd.FileID, fd.RecordID, fd.SpaceID, fd.Epoch, fd.WrappedDEK, ts)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", fd.FileID, err)
	}
	return nil
}

// PutFile stores or replaces a file descriptor.
func (s *SQLiteStore) PutFile(ctx context.Context, fd types.FileDescriptor) error {
	return upsertFile(ctx, s.db, fd, now())
}

// Files lists a space's file descriptors. A space without files yields an
// empty slice.
func (s *SQLiteStore) Files(ctx context.Context, spaceID string) ([]types.FileDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, record_id, space_id, epoch, wrapped_dek FROM files WHERE space_id = ? ORDER BY file_id
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	out := make([]types.FileDescriptor, 0)
	for rows.Next() {
		var fd types.FileDescriptor
		if err := rows.Scan(&fd.FileID, &fd.RecordID, &fd.SpaceID, &fd.Epoch, &fd.WrappedDEK); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, fd)
	}
	return out, rows.Err()
}
