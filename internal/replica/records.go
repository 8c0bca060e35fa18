package replica

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/editchain"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// row is a record with its replica-only bookkeeping.
type row struct {
	rec           *types.Record
	baseline      map[string]uint64
	pushedDeleted bool
	dirty         bool
	localVersion  int64
}

const selectRecordSQL = `
	SELECT id, collection, space_id, fields, baseline, deleted, delete_clock, deleted_by,
	       pushed_deleted, epoch, edit_chain, dirty, local_version
	FROM records`

func scanRow(scanner interface{ Scan(...any) error }) (*row, error) {
	var (
		r                      = &row{rec: &types.Record{}}
		fieldsJSON, baseJSON   string
		chainJSON              string
		deleted, pushedDeleted int
		dirty                  int
	)
	err := scanner.Scan(
		&r.rec.ID, &r.rec.Collection, &r.rec.SpaceID,
		&fieldsJSON, &baseJSON,
		&deleted, &r.rec.DeleteClock, &r.rec.DeletedBy,
		&pushedDeleted, &r.rec.Epoch, &chainJSON,
		&dirty, &r.localVersion,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &r.rec.Fields); err != nil {
		return nil, fmt.Errorf("parse fields of %s: %w", r.rec.ID, err)
	}
	if err := json.Unmarshal([]byte(baseJSON), &r.baseline); err != nil {
		return nil, fmt.Errorf("parse baseline of %s: %w", r.rec.ID, err)
	}
	if err := json.Unmarshal([]byte(chainJSON), &r.rec.EditChain); err != nil {
		return nil, fmt.Errorf("parse edit chain of %s: %w", r.rec.ID, err)
	}
	if r.rec.Fields == nil {
		r.rec.Fields = map[string]types.Field{}
	}
	if r.baseline == nil {
		r.baseline = map[string]uint64{}
	}
	r.rec.Deleted = deleted != 0
	r.rec.EditChainValid = editchain.Verify(r.rec.EditChain)
	r.pushedDeleted = pushedDeleted != 0
	r.dirty = dirty != 0
	return r, nil
}

func loadRow(ctx context.Context, q querier, id string) (*row, error) {
	r, err := scanRow(q.QueryRowContext(ctx, selectRecordSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) saveRow(ctx context.Context, q querier, r *row) error {
	fieldsJSON, err := json.Marshal(r.rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	baseJSON, err := json.Marshal(r.baseline)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	chain := r.rec.EditChain
	if chain == nil {
		chain = []types.EditEntry{}
	}
	chainJSON, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("marshal edit chain: %w", err)
	}
	now := s.timestamp()
	_, err = q.ExecContext(ctx, `
		INSERT INTO records (id, collection, space_id, fields, baseline, deleted, delete_clock, deleted_by,
		                     pushed_deleted, epoch, edit_chain, dirty, local_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			collection = excluded.collection,
			space_id = excluded.space_id,
			fields = excluded.fields,
			baseline = excluded.baseline,
			deleted = excluded.deleted,
			delete_clock = excluded.delete_clock,
			deleted_by = excluded.deleted_by,
			pushed_deleted = excluded.pushed_deleted,
			epoch = excluded.epoch,
			edit_chain = excluded.edit_chain,
			dirty = excluded.dirty,
			local_version = excluded.local_version,
			updated_at = excluded.updated_at
	`, r.rec.ID, r.rec.Collection, r.rec.SpaceID, string(fieldsJSON), string(baseJSON),
		boolInt(r.rec.Deleted), r.rec.DeleteClock, r.rec.DeletedBy,
		boolInt(r.pushedDeleted), r.rec.Epoch, string(chainJSON),
		boolInt(r.dirty), r.localVersion, now, now)
	if err != nil {
		return fmt.Errorf("save record %s: %w", r.rec.ID, err)
	}
	return nil
}

// withTx runs fn in a transaction while holding the mutation lock.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clock := s.clock
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		s.clock = clock
		return err
	}
	if err := tx.Commit(); err != nil {
		s.clock = clock
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func encodeValues(values map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(values))
	for name, v := range values {
		if name == "" || name == "id" {
			return nil, fmt.Errorf("%w: field name %q is reserved", types.ErrInvalid, name)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: encode field %q: %v", types.ErrInvalid, name, err)
		}
		out[name] = raw
	}
	return out, nil
}

func spaceJoined(ctx context.Context, q querier, spaceID string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM spaces WHERE id = ?`, spaceID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("space %s: %w", spaceID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load space %s: %w", spaceID, err)
	}
	if types.MemberStatus(status) != types.StatusJoined {
		return fmt.Errorf("space %s is %s: %w", spaceID, status, types.ErrForbidden)
	}
	return nil
}

func (s *Store) insertNew(ctx context.Context, tx *sql.Tx, collection, spaceID string, values map[string]json.RawMessage) (string, error) {
	clock, err := s.tick(ctx, tx)
	if err != nil {
		return "", err
	}
	rec := &types.Record{
		ID:         ulid.Make().String(),
		Collection: collection,
		SpaceID:    spaceID,
		Fields:     make(map[string]types.Field, len(values)),
	}
	for name, raw := range values {
		rec.Fields[name] = types.Field{Value: raw, Clock: clock, AuthorID: s.author}
	}
	r := &row{rec: rec, baseline: map[string]uint64{}, dirty: true, localVersion: 1}
	if err := s.saveRow(ctx, tx, r); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Put creates a record in spaceID and returns its new id. Every field gets
// the same fresh clock tick and the record is marked dirty.
func (s *Store) Put(ctx context.Context, collection, spaceID string, values map[string]any) (string, error) {
	encoded, err := encodeValues(values)
	if err != nil {
		return "", err
	}
	var id string
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := spaceJoined(ctx, tx, spaceID); err != nil {
			return err
		}
		id, err = s.insertNew(ctx, tx, collection, spaceID, encoded)
		return err
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("record created",
		"component", "replica",
		"action", "put",
		"collection", collection,
		"space_id", spaceID,
		"record_id", id,
	)
	return id, nil
}

// Get returns a live record, or nil if it is unknown, tombstoned or belongs
// to another collection.
func (s *Store) Get(ctx context.Context, collection, id string) (*types.Record, error) {
	r, err := loadRow(ctx, s.db, id)
	if err != nil || r == nil {
		return nil, err
	}
	if r.rec.Deleted || r.rec.Collection != collection {
		return nil, nil
	}
	return r.rec, nil
}

// Record returns the stored state of any record, tombstones included.
func (s *Store) Record(ctx context.Context, id string) (*types.Record, error) {
	r, err := loadRow(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("record %s: %w", id, types.ErrNotFound)
	}
	return r.rec, nil
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	SpaceID string
	// Equals matches records whose decoded field equals the given value.
	Equals map[string]any
	Limit  int
}

// Query returns the live records of a collection in creation order.
// Local writes are visible immediately.
func (s *Store) Query(ctx context.Context, collection string, f Filter) ([]*types.Record, error) {
	query := selectRecordSQL + ` WHERE collection = ? AND deleted = 0`
	args := []any{collection}
	if f.SpaceID != "" {
		query += ` AND space_id = ?`
		args = append(args, f.SpaceID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	want, err := normalizeFilter(f.Equals)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	out := make([]*types.Record, 0)
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if !matches(r.rec, want) {
			continue
		}
		out = append(out, r.rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, rows.Err()
}

func normalizeFilter(eq map[string]any) (map[string]any, error) {
	if len(eq) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(eq))
	for k, v := range eq {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: filter %q: %v", types.ErrInvalid, k, err)
		}
		var norm any
		if err := json.Unmarshal(raw, &norm); err != nil {
			return nil, err
		}
		out[k] = norm
	}
	return out, nil
}

func matches(rec *types.Record, want map[string]any) bool {
	for name, v := range want {
		f, ok := rec.Fields[name]
		if !ok {
			return false
		}
		var got any
		if err := json.Unmarshal(f.Value, &got); err != nil || !reflect.DeepEqual(got, v) {
			return false
		}
	}
	return true
}

// Patch updates the given fields of a live record, bumping the clock only
// of the touched fields. Unknown or tombstoned ids fail with ErrNotFound.
func (s *Store) Patch(ctx context.Context, collection, id string, values map[string]any) error {
	encoded, err := encodeValues(values)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := loadRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if r == nil || r.rec.Deleted || r.rec.Collection != collection {
			return fmt.Errorf("patch %s/%s: %w", collection, id, types.ErrNotFound)
		}
		if len(encoded) == 0 {
			return nil
		}
		clock, err := s.tick(ctx, tx)
		if err != nil {
			return err
		}
		for name, raw := range encoded {
			r.rec.Fields[name] = types.Field{Value: raw, Clock: clock, AuthorID: s.author}
		}
		r.dirty = true
		r.localVersion++
		return s.saveRow(ctx, tx, r)
	})
}

// Delete tombstones a record. Deleting an unknown or already tombstoned id
// is a no-op.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := loadRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if r == nil || r.rec.Deleted || r.rec.Collection != collection {
			return nil
		}
		return s.tombstone(ctx, tx, r)
	})
}

func (s *Store) tombstone(ctx context.Context, tx *sql.Tx, r *row) error {
	clock, err := s.tick(ctx, tx)
	if err != nil {
		return err
	}
	r.rec.Deleted = true
	r.rec.Fields = map[string]types.Field{}
	r.rec.DeleteClock = clock
	r.rec.DeletedBy = s.author
	r.pushedDeleted = false
	r.dirty = true
	r.localVersion++
	return s.saveRow(ctx, tx, r)
}

func (s *Store) move(ctx context.Context, tx *sql.Tx, collection, id, target string) (string, error) {
	r, err := loadRow(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if r == nil || r.rec.Deleted || r.rec.Collection != collection {
		return "", fmt.Errorf("move %s/%s: %w", collection, id, types.ErrNotFound)
	}
	values := make(map[string]json.RawMessage, len(r.rec.Fields))
	for name, f := range r.rec.Fields {
		values[name] = f.Value
	}
	newID, err := s.insertNew(ctx, tx, collection, target, values)
	if err != nil {
		return "", err
	}
	if err := s.tombstone(ctx, tx, r); err != nil {
		return "", err
	}
	return newID, nil
}

// MoveToSpace copies a live record into targetSpaceID under a fresh id with
// fresh clocks and tombstones the original.
func (s *Store) MoveToSpace(ctx context.Context, collection, id, targetSpaceID string) (string, error) {
	var newID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := spaceJoined(ctx, tx, targetSpaceID); err != nil {
			return err
		}
		var err error
		newID, err = s.move(ctx, tx, collection, id, targetSpaceID)
		return err
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("record moved",
		"component", "replica",
		"action", "move",
		"record_id", id,
		"new_record_id", newID,
		"space_id", targetSpaceID,
	)
	return newID, nil
}

// BulkMoveError reports the ids a bulk move could not move. No record was
// moved when it is returned.
type BulkMoveError struct {
	Failed map[string]error
}

func (e *BulkMoveError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("bulk move failed for %d record(s): %s", len(ids), strings.Join(ids, ", "))
}

// BulkMove moves every id into targetSpaceID atomically and returns the map
// of old to new ids. If any id fails the whole move is rolled back and a
// *BulkMoveError lists the failures.
func (s *Store) BulkMove(ctx context.Context, collection string, ids []string, targetSpaceID string) (map[string]string, error) {
	moved := make(map[string]string, len(ids))
	failed := map[string]error{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := spaceJoined(ctx, tx, targetSpaceID); err != nil {
			return err
		}
		for _, id := range ids {
			if _, seen := moved[id]; seen {
				continue
			}
			newID, err := s.move(ctx, tx, collection, id, targetSpaceID)
			if err != nil {
				failed[id] = err
				continue
			}
			moved[id] = newID
		}
		if len(failed) > 0 {
			return &BulkMoveError{Failed: failed}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBytes(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode bytes: %w", err)
	}
	return b, nil
}
