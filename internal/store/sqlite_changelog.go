package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

const insertChangeLogSQL = `
	INSERT INTO change_log (space_id, record_id, epoch, author_did, device_id, envelope, received_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// AppendRecords appends a push batch to a space's change log atomically and
// returns the sequence assigned to each record, in order, together with the
// space's current epoch. The whole batch is rejected with types.ErrStaleEpoch
// if any record is sealed under an epoch older than the current one.
func (s *SQLiteStore) AppendRecords(ctx context.Context, spaceID, authorDID, deviceID string, records []bbsync.PushRecord) ([]int64, uint32, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current uint32
	err = tx.QueryRowContext(ctx, `SELECT current_epoch FROM spaces WHERE id = ?`, spaceID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("space %s: %w", spaceID, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load space epoch: %w", err)
	}

	for _, r := range records {
		if r.Epoch < current {
			return nil, current, fmt.Errorf("record %s sealed under epoch %d, current %d: %w",
				r.RecordID, r.Epoch, current, types.ErrStaleEpoch)
		}
		if r.Epoch > current {
			return nil, current, fmt.Errorf("record %s sealed under unpublished epoch %d: %w",
				r.RecordID, r.Epoch, types.ErrInvalid)
		}
	}

	ts := now()
	seqs := make([]int64, 0, len(records))
	for i, r := range records {
		result, err := tx.ExecContext(ctx, insertChangeLogSQL,
			spaceID, r.RecordID, r.Epoch, authorDID, deviceID, r.Envelope, ts)
		if err != nil {
			return nil, 0, fmt.Errorf("append change log entry %d: %w", i, err)
		}
		seq, err := result.LastInsertId()
		if err != nil {
			return nil, 0, fmt.Errorf("get last insert id: %w", err)
		}
		seqs = append(seqs, seq)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit transaction: %w", err)
	}
	return seqs, current, nil
}

// ChangesAfter returns a space's entries with sequence > afterSeq, up to limit.
func (s *SQLiteStore) ChangesAfter(ctx context.Context, spaceID string, afterSeq int64, limit int) ([]types.EncryptedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, space_id, record_id, epoch, author_did, device_id, envelope, received_at
		FROM change_log
		WHERE space_id = ? AND sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, spaceID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	entries := make([]types.EncryptedRecord, 0)
	for rows.Next() {
		var e types.EncryptedRecord
		var receivedAt string

		if err := rows.Scan(&e.Sequence, &e.SpaceID, &e.RecordID, &e.Epoch,
			&e.AuthorDID, &e.DeviceID, &e.Envelope, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}

		var parseErr error
		if e.ReceivedAt, parseErr = time.Parse(time.RFC3339Nano, receivedAt); parseErr != nil {
			slog.Warn("change_log: failed to parse received_at", "value", receivedAt, "error", parseErr)
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestSequence returns the highest sequence number in a space's change log.
// Returns 0 if the space has no entries.
func (s *SQLiteStore) LatestSequence(ctx context.Context, spaceID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM change_log WHERE space_id = ?`, spaceID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// CheckPushIdempotency checks if a push_id has been processed.
// Returns the cached response and true if found, nil and false otherwise.
func (s *SQLiteStore) CheckPushIdempotency(ctx context.Context, pushID string) ([]byte, bool, error) {
	var response string
	var expiresAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT response, expires_at FROM push_idempotency WHERE push_id = ?
	`, pushID).Scan(&response, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency: %w", err)
	}

	// Check expiration
	expires, parseErr := time.Parse(time.RFC3339Nano, expiresAt)
	if parseErr != nil {
		slog.Warn("push_idempotency: failed to parse expires_at", "value", expiresAt, "error", parseErr)
	}
	if time.Now().After(expires) {
		return nil, false, nil
	}

	return []byte(response), true, nil
}

// RecordPushIdempotency records a processed push for idempotency.
func (s *SQLiteStore) RecordPushIdempotency(ctx context.Context, pushID, spaceID string, response []byte, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO push_idempotency (push_id, space_id, response, expires_at)
		VALUES (?, ?, ?, ?)
	`, pushID, spaceID, string(response), expiresAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record push idempotency: %w", err)
	}
	return nil
}

// CleanExpiredIdempotency removes expired idempotency entries.
// Returns the number of entries removed.
func (s *SQLiteStore) CleanExpiredIdempotency(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM push_idempotency WHERE expires_at < ?
	`, now())
	if err != nil {
		return 0, fmt.Errorf("clean expired idempotency: %w", err)
	}
	return result.RowsAffected()
}

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}
