package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/editchain"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/replica"
	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/vault"
)

// push sends every dirty record of a space in batches and returns how many
// were acknowledged. Each acknowledged batch is marked pushed before the next
// is sent, so a cancelled sync never clears records the relay did not accept.
func (s *Syncer) push(ctx context.Context, sp types.Space) (int, error) {
	pending, err := s.replica.DirtyRecords(ctx, sp.ID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	if sp.CurrentEpoch > 0 {
		if latest, err := s.vault.Latest(ctx, sp.ID); err != nil || latest.Number < sp.CurrentEpoch {
			if _, err := s.refreshKeys(ctx, sp.ID); err != nil {
				return 0, err
			}
		}
	}

	pushed := 0
	for start := 0; start < len(pending); start += s.cfg.MaxPushBatch {
		batch := pending[start:min(start+s.cfg.MaxPushBatch, len(pending))]
		n, err := s.pushBatch(ctx, sp.ID, batch)
		pushed += n
		if err != nil {
			return pushed, err
		}
	}
	s.logger.Info("records pushed",
		"component", "syncer",
		"action", "push_completed",
		"space_id", sp.ID,
		"device_id", s.cfg.DeviceID,
		"records", pushed,
	)
	return pushed, nil
}

// pushBatch encrypts and sends one batch. A stale-epoch rejection refreshes
// the keyring and re-encrypts once under the newest epoch.
func (s *Syncer) pushBatch(ctx context.Context, spaceID string, batch []replica.Pending) (int, error) {
	ts := s.now()
	author := s.vault.Identity().DID

	for attempt := 0; ; attempt++ {
		epoch, err := s.vault.Latest(ctx, spaceID)
		if err != nil {
			return 0, err
		}
		req, acked, err := s.encodeBatch(ctx, spaceID, epoch.Number, author, ts, batch)
		if err != nil {
			return 0, err
		}

		var resp bbsync.PushResponse
		err = s.withCapability(ctx, spaceID, func(token string) error {
			return s.call(ctx, func(ctx context.Context) error {
				var err error
				resp, err = s.relay.Push(ctx, token, req)
				return err
			})
		})
		if errors.Is(err, types.ErrStaleEpoch) && attempt == 0 {
			if _, rerr := s.refreshKeys(ctx, spaceID); rerr != nil {
				return 0, rerr
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		if resp.Accepted != len(acked) {
			return 0, fmt.Errorf("relay accepted %d of %d records", resp.Accepted, len(acked))
		}
		if err := s.replica.MarkPushed(ctx, acked); err != nil {
			return 0, fmt.Errorf("mark pushed: %w", err)
		}
		_ = s.replica.SetSpaceEpoch(ctx, spaceID, resp.CurrentEpoch)
		return len(acked), nil
	}
}

// encodeBatch builds the wire request for a batch. Each record carries its
// unpushed fields, tombstone state and an edit chain extended by one entry.
func (s *Syncer) encodeBatch(ctx context.Context, spaceID string, epoch uint32, author string, ts time.Time, batch []replica.Pending) (bbsync.PushRequest, []replica.Acked, error) {
	req := bbsync.PushRequest{
		PushID:   ulid.Make().String(),
		SpaceID:  spaceID,
		DeviceID: s.cfg.DeviceID,
		Records:  make([]bbsync.PushRecord, 0, len(batch)),
	}
	acked := make([]replica.Acked, 0, len(batch))

	for _, p := range batch {
		rec := p.Record
		state := types.Record{
			ID:          rec.ID,
			Collection:  rec.Collection,
			SpaceID:     rec.SpaceID,
			Fields:      p.Changed,
			Deleted:     rec.Deleted,
			DeleteClock: rec.DeleteClock,
			DeletedBy:   rec.DeletedBy,
			Epoch:       epoch,
			EditChain:   editchain.Append(rec.EditChain, author, ts),
		}
		if state.Fields == nil {
			state.Fields = map[string]types.Field{}
		}
		plaintext, err := json.Marshal(state)
		if err != nil {
			return req, nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		envelope, err := s.vault.EncryptForEpoch(ctx, plaintext, spaceID, epoch)
		if err != nil {
			return req, nil, err
		}
		req.Records = append(req.Records, bbsync.PushRecord{RecordID: rec.ID, Epoch: epoch, Envelope: envelope})

		clocks := make(map[string]uint64, len(state.Fields))
		for name, f := range state.Fields {
			clocks[name] = f.Clock
		}
		acked = append(acked, replica.Acked{
			ID:           rec.ID,
			LocalVersion: p.LocalVersion,
			Fields:       clocks,
			Deleted:      rec.Deleted,
			Epoch:        epoch,
			EditChain:    state.EditChain,
		})
	}
	return req, acked, nil
}

// pull fetches every page after the persisted cursor and merges it. The
// cursor advances past undecryptable records; those missing an epoch key are
// kept in the skipped ledger and fetched again once the key arrives. An
// authorization failure aborts before anything is applied.
func (s *Syncer) pull(ctx context.Context, sp types.Space, rep *SpaceReport) error {
	cursor, err := s.replica.Cursor(ctx, sp.ID, s.cfg.DeviceID)
	if err != nil {
		return err
	}
	refreshed, err := s.recoverSkipped(ctx, sp.ID, rep)
	if err != nil {
		return err
	}

	for {
		var page bbsync.PullResponse
		err := s.withCapability(ctx, sp.ID, func(token string) error {
			return s.call(ctx, func(ctx context.Context) error {
				var err error
				page, err = s.relay.Pull(ctx, token, bbsync.PullRequest{
					SpaceID: sp.ID,
					After:   cursor.LastSequence,
					Limit:   s.cfg.PullLimit,
				})
				return err
			})
		})
		if err != nil {
			return err
		}

		for _, er := range page.Records {
			rep.Pulled++
			rec, err := s.open(ctx, sp.ID, er)
			if errors.Is(err, types.ErrKeyUnavailable) && !refreshed {
				refreshed = true
				if _, rerr := s.refreshKeys(ctx, sp.ID); rerr != nil {
					s.logger.Warn("key refresh failed",
						"component", "syncer",
						"action", "refresh_keys",
						"space_id", sp.ID,
						"error", rerr,
					)
				}
				rec, err = s.open(ctx, sp.ID, er)
			}
			if err != nil {
				rep.Skipped++
				if errors.Is(err, types.ErrKeyUnavailable) {
					sk := replica.Skipped{SpaceID: sp.ID, Sequence: er.Sequence, RecordID: er.RecordID, Epoch: er.Epoch}
					if h, herr := vault.Peek(er.Envelope); herr == nil {
						sk.Epoch = h.Epoch
					}
					if merr := s.replica.MarkSkipped(ctx, sk); merr != nil {
						return merr
					}
				}
				s.logger.Debug("record skipped",
					"component", "syncer",
					"action", "pull_skip",
					"space_id", sp.ID,
					"record_id", er.RecordID,
					"sequence", er.Sequence,
					"epoch", er.Epoch,
					"error", err,
				)
				continue
			}
			changed, err := s.replica.ApplyRemote(ctx, rec)
			if err != nil {
				return fmt.Errorf("apply record %s: %w", er.RecordID, err)
			}
			if changed {
				rep.Applied++
			}
		}

		if page.LastSequence > cursor.LastSequence {
			cursor.LastSequence = page.LastSequence
			if err := s.replica.AdvanceCursor(ctx, cursor); err != nil {
				return err
			}
		}
		if page.CurrentEpoch > 0 {
			_ = s.replica.SetSpaceEpoch(ctx, sp.ID, page.CurrentEpoch)
		}
		if !page.HasMore || len(page.Records) == 0 {
			break
		}
	}
	rep.Cursor = cursor.LastSequence
	return nil
}

// recoverSkipped re-fetches skipped change-log entries whose epoch key is now
// held, refreshing the keyring once if any are still missing. It reports
// whether a refresh was made. The cursor is not moved.
func (s *Syncer) recoverSkipped(ctx context.Context, spaceID string, rep *SpaceReport) (bool, error) {
	skipped, err := s.replica.SkippedRecords(ctx, spaceID)
	if err != nil || len(skipped) == 0 {
		return false, err
	}

	refreshed := false
	ready := make(map[int64]bool, len(skipped))
	for _, sk := range skipped {
		_, err := s.vault.Key(ctx, spaceID, sk.Epoch)
		if errors.Is(err, types.ErrKeyUnavailable) && !refreshed {
			refreshed = true
			if _, rerr := s.refreshKeys(ctx, spaceID); rerr != nil {
				s.logger.Warn("key refresh failed",
					"component", "syncer",
					"action", "refresh_keys",
					"space_id", spaceID,
					"error", rerr,
				)
			}
			_, err = s.vault.Key(ctx, spaceID, sk.Epoch)
		}
		if err == nil {
			ready[sk.Sequence] = true
		}
	}
	if len(ready) == 0 {
		return refreshed, nil
	}

	after := skipped[0].Sequence - 1
	last := skipped[len(skipped)-1].Sequence
	for len(ready) > 0 && after < last {
		var page bbsync.PullResponse
		err := s.withCapability(ctx, spaceID, func(token string) error {
			return s.call(ctx, func(ctx context.Context) error {
				var err error
				page, err = s.relay.Pull(ctx, token, bbsync.PullRequest{
					SpaceID: spaceID,
					After:   after,
					Limit:   s.cfg.PullLimit,
				})
				return err
			})
		})
		if err != nil {
			return refreshed, err
		}

		for _, er := range page.Records {
			if !ready[er.Sequence] {
				continue
			}
			delete(ready, er.Sequence)
			rec, err := s.open(ctx, spaceID, er)
			if errors.Is(err, types.ErrKeyUnavailable) {
				continue
			}
			if err == nil {
				if _, err := s.replica.ApplyRemote(ctx, rec); err != nil {
					return refreshed, fmt.Errorf("apply record %s: %w", er.RecordID, err)
				}
				rep.Recovered++
			}
			if err := s.replica.ClearSkipped(ctx, spaceID, er.Sequence); err != nil {
				return refreshed, err
			}
		}
		if !page.HasMore || len(page.Records) == 0 || page.LastSequence <= after {
			break
		}
		after = page.LastSequence
	}

	if rep.Recovered > 0 {
		s.logger.Info("skipped records recovered",
			"component", "syncer",
			"action", "recover_skipped",
			"space_id", spaceID,
			"records", rep.Recovered,
		)
	}
	return refreshed, nil
}

// open decrypts a pulled record and checks it belongs where the relay
// filed it. The epoch is taken from the authenticated envelope.
func (s *Syncer) open(ctx context.Context, spaceID string, er types.EncryptedRecord) (*types.Record, error) {
	plaintext, epoch, err := s.vault.Decrypt(ctx, er.Envelope)
	if err != nil {
		return nil, err
	}
	var rec types.Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", er.RecordID, vault.ErrCorrupt)
	}
	if rec.ID != er.RecordID || rec.SpaceID != spaceID {
		return nil, fmt.Errorf("record %s misfiled: %w", er.RecordID, vault.ErrCorrupt)
	}
	rec.Epoch = epoch
	rec.EditChainValid = editchain.Verify(rec.EditChain)
	return &rec, nil
}
