package replica

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/merge"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// Pending is a dirty record ready to push: the fields changed since the last
// pushed baseline, plus tombstone state.
type Pending struct {
	Record       *types.Record
	Changed      map[string]types.Field
	LocalVersion int64
}

// Acked describes a record the relay accepted.
type Acked struct {
	ID           string
	LocalVersion int64
	Fields       map[string]uint64
	Deleted      bool
	Epoch        uint32
	EditChain    []types.EditEntry
}

func unpushed(r *row) map[string]types.Field {
	changed := map[string]types.Field{}
	for name, f := range r.rec.Fields {
		if f.Clock > r.baseline[name] {
			changed[name] = f
		}
	}
	return changed
}

func hasUnpushed(r *row) bool {
	if r.rec.Deleted {
		return !r.pushedDeleted
	}
	return len(unpushed(r)) > 0
}

// DirtyRecords returns every dirty record of a space in creation order.
func (s *Store) DirtyRecords(ctx context.Context, spaceID string) ([]Pending, error) {
	rows, err := s.db.QueryContext(ctx, selectRecordSQL+`
		WHERE space_id = ? AND dirty = 1
		ORDER BY created_at ASC, id ASC`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("query dirty records: %w", err)
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		p := Pending{Record: r.rec, LocalVersion: r.localVersion}
		if !r.rec.Deleted {
			p.Changed = unpushed(r)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DirtyCount returns the number of dirty records in a space.
func (s *Store) DirtyCount(ctx context.Context, spaceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE space_id = ? AND dirty = 1`, spaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dirty records: %w", err)
	}
	return n, nil
}

// MarkPushed records acknowledged pushes. Pushed clocks join the baseline and
// the new edit chain and epoch are stored. The dirty flag clears only when
// the record was not modified while the push was in flight.
func (s *Store) MarkPushed(ctx context.Context, acked []Acked) error {
	if len(acked) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range acked {
			r, err := loadRow(ctx, tx, a.ID)
			if err != nil {
				return err
			}
			if r == nil {
				continue
			}
			for name, clock := range a.Fields {
				r.baseline[name] = max(r.baseline[name], clock)
			}
			if a.Deleted {
				r.pushedDeleted = true
			}
			r.rec.Epoch = max(r.rec.Epoch, a.Epoch)
			r.rec.EditChain = a.EditChain
			if r.localVersion == a.LocalVersion {
				r.dirty = false
			}
			r.dirty = r.dirty && hasUnpushed(r)
			if err := s.saveRow(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyRemote merges a pulled record state into the replica and reports
// whether local state changed. Remote clocks advance the Lamport clock and
// join the baseline so they are never pushed back.
func (s *Store) ApplyRemote(ctx context.Context, remote *types.Record) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.observe(ctx, tx, remote.MaxClock()); err != nil {
			return err
		}
		r, err := loadRow(ctx, tx, remote.ID)
		if err != nil {
			return err
		}
		var local *types.Record
		if r == nil {
			r = &row{baseline: map[string]uint64{}}
		} else {
			local = r.rec
		}

		merged := merge.Records(local, remote)
		changed = !merge.Equal(local, merged)
		r.rec = merged

		for name, f := range remote.Fields {
			r.baseline[name] = max(r.baseline[name], f.Clock)
		}
		if remote.Deleted {
			r.pushedDeleted = true
		}
		r.dirty = r.dirty && hasUnpushed(r)
		return s.saveRow(ctx, tx, r)
	})
	return changed, err
}

// Skipped is a pulled change-log entry that could not be opened because its
// epoch key was not held yet. The pull cursor has already moved past it.
type Skipped struct {
	SpaceID  string
	Sequence int64
	RecordID string
	Epoch    uint32
}

// MarkSkipped records a change-log entry to fetch again once its epoch key
// arrives. Marking the same sequence twice is a no-op.
func (s *Store) MarkSkipped(ctx context.Context, sk Skipped) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO skipped_records (space_id, sequence, record_id, epoch, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sk.SpaceID, sk.Sequence, sk.RecordID, sk.Epoch, s.timestamp())
	if err != nil {
		return fmt.Errorf("mark skipped %s: %w", sk.RecordID, err)
	}
	return nil
}

// SkippedRecords lists a space's skipped entries in sequence order.
func (s *Store) SkippedRecords(ctx context.Context, spaceID string) ([]Skipped, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT space_id, sequence, record_id, epoch FROM skipped_records
		WHERE space_id = ? ORDER BY sequence ASC`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list skipped records: %w", err)
	}
	defer rows.Close()

	var out []Skipped
	for rows.Next() {
		var sk Skipped
		if err := rows.Scan(&sk.SpaceID, &sk.Sequence, &sk.RecordID, &sk.Epoch); err != nil {
			return nil, fmt.Errorf("scan skipped record: %w", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

// ClearSkipped forgets a skipped entry once it has been applied.
func (s *Store) ClearSkipped(ctx context.Context, spaceID string, sequence int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM skipped_records WHERE space_id = ? AND sequence = ?`,
		spaceID, sequence)
	if err != nil {
		return fmt.Errorf("clear skipped %d: %w", sequence, err)
	}
	return nil
}
