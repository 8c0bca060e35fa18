package relay

import (
	"context"
	"encoding/json"
	"time"

	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/validation"
)

// Push appends a batch of encrypted record states to the space's change log.
// A repeated push_id is answered from the idempotency cache.
func (s *Service) Push(ctx context.Context, capability string, req bbsync.PushRequest) (bbsync.PushResponse, error) {
	start := time.Now()

	if err := validation.Push(req, s.cfg.MaxPushRecords); err != nil {
		s.metrics.Pushes.WithLabelValues("invalid").Inc()
		return bbsync.PushResponse{}, err
	}
	c, err := s.authorize(ctx, capability, req.SpaceID)
	if err != nil {
		s.metrics.Pushes.WithLabelValues("unauthorized").Inc()
		return bbsync.PushResponse{}, err
	}

	cached, found, err := s.store.CheckPushIdempotency(ctx, req.PushID)
	if err != nil {
		return bbsync.PushResponse{}, err
	}
	if found {
		var resp bbsync.PushResponse
		if err := json.Unmarshal(cached, &resp); err == nil {
			resp.Replayed = true
			s.metrics.Pushes.WithLabelValues("replay").Inc()
			s.logger.Info("push idempotent replay",
				"component", "relay",
				"action", "push_replay",
				"space_id", req.SpaceID,
				"push_id", req.PushID,
			)
			return resp, nil
		}
		s.logger.Warn("discarding unreadable idempotency entry",
			"component", "relay",
			"action", "push_replay",
			"push_id", req.PushID,
		)
	}

	seqs, current, err := s.store.AppendRecords(ctx, req.SpaceID, c.DID, req.DeviceID, req.Records)
	if err != nil {
		s.metrics.Pushes.WithLabelValues("rejected").Inc()
		s.logger.Info("push rejected",
			"component", "relay",
			"action", "push_rejected",
			"space_id", req.SpaceID,
			"push_id", req.PushID,
			"current_epoch", current,
			"error", err,
		)
		return bbsync.PushResponse{}, err
	}

	resp := bbsync.PushResponse{
		Accepted:       len(seqs),
		Sequences:      seqs,
		RemoteSequence: seqs[len(seqs)-1],
		CurrentEpoch:   current,
	}
	respBytes, _ := json.Marshal(resp)
	if err := s.store.RecordPushIdempotency(ctx, req.PushID, req.SpaceID, respBytes, s.cfg.IdempotencyTTL); err != nil {
		s.logger.Warn("failed to cache idempotency", "space_id", req.SpaceID, "push_id", req.PushID, "error", err)
	}

	s.metrics.Pushes.WithLabelValues("accepted").Inc()
	s.metrics.PushedRecords.Add(float64(len(seqs)))
	s.notifyMembers(ctx, types.Event{Type: types.EventSync, SpaceID: req.SpaceID})
	s.logger.Info("push completed",
		"component", "relay",
		"action", "push",
		"space_id", req.SpaceID,
		"push_id", req.PushID,
		"device_id", req.DeviceID,
		"records", len(seqs),
		"remote_sequence", resp.RemoteSequence,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// Pull returns one page of a space's change log after req.After. A zero
// limit uses the default page size; larger limits are clamped.
func (s *Service) Pull(ctx context.Context, capability string, req bbsync.PullRequest) (bbsync.PullResponse, error) {
	start := time.Now()

	if req.Limit == 0 {
		req.Limit = s.cfg.DefaultPullLimit
	}
	if req.Limit > s.cfg.MaxPullLimit {
		req.Limit = s.cfg.MaxPullLimit
	}
	if err := validation.Pull(req, s.cfg.MaxPullLimit); err != nil {
		return bbsync.PullResponse{}, err
	}
	if _, err := s.authorize(ctx, capability, req.SpaceID); err != nil {
		return bbsync.PullResponse{}, err
	}

	records, err := s.store.ChangesAfter(ctx, req.SpaceID, req.After, req.Limit)
	if err != nil {
		return bbsync.PullResponse{}, err
	}
	latest, err := s.store.LatestSequence(ctx, req.SpaceID)
	if err != nil {
		return bbsync.PullResponse{}, err
	}
	sp, err := s.store.GetSpace(ctx, req.SpaceID)
	if err != nil {
		return bbsync.PullResponse{}, err
	}

	lastSeq := req.After
	if len(records) > 0 {
		lastSeq = records[len(records)-1].Sequence
	}
	resp := bbsync.PullResponse{
		Records:        records,
		LastSequence:   lastSeq,
		LatestSequence: latest,
		HasMore:        len(records) == req.Limit && lastSeq < latest,
		CurrentEpoch:   sp.CurrentEpoch,
	}

	s.metrics.Pulls.Inc()
	s.metrics.PulledRecords.Add(float64(len(records)))
	s.logger.Debug("pull served",
		"component", "relay",
		"action", "pull",
		"space_id", req.SpaceID,
		"after", req.After,
		"limit", req.Limit,
		"records", len(records),
		"last_sequence", lastSeq,
		"latest_sequence", latest,
		"has_more", resp.HasMore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}
