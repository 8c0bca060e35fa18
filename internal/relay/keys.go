package relay

import (
	"context"
	"fmt"
	"maps"
	"slices"

	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/validation"
)

// PublishEpoch advances a space to req.Epoch. Admin only. Wraps may address
// joined members only, so removed and pending members never receive the new
// key from a rotation.
func (s *Service) PublishEpoch(ctx context.Context, did string, req bbsync.PublishEpochRequest) error {
	if err := validation.PublishEpoch(req); err != nil {
		return err
	}
	if _, err := s.requireAdmin(ctx, req.SpaceID, did); err != nil {
		return err
	}
	joined, err := s.joinedSet(ctx, req.SpaceID)
	if err != nil {
		return err
	}
	for _, w := range req.Wraps {
		if !joined[w.MemberDID] {
			return fmt.Errorf("wrap for %s who is not joined: %w", w.MemberDID, types.ErrInvalid)
		}
	}
	if err := s.store.PublishEpoch(ctx, req.SpaceID, req.Epoch, req.Wraps, req.Files); err != nil {
		return err
	}

	s.metrics.EpochsPublished.Inc()
	s.notifyMembers(ctx, types.Event{Type: types.EventSync, SpaceID: req.SpaceID})
	s.logger.Info("epoch published",
		"component", "relay",
		"action", "publish_epoch",
		"space_id", req.SpaceID,
		"epoch", req.Epoch,
		"wraps", len(req.Wraps),
		"files", len(req.Files),
	)
	return nil
}

// PublishWraps adds wraps for existing epochs, addressed to active members.
// Admin only.
func (s *Service) PublishWraps(ctx context.Context, did string, req bbsync.PublishWrapsRequest) error {
	if err := validation.PublishWraps(req); err != nil {
		return err
	}
	sp, err := s.requireAdmin(ctx, req.SpaceID, did)
	if err != nil {
		return err
	}
	for _, w := range req.Wraps {
		if w.Epoch > sp.CurrentEpoch {
			return fmt.Errorf("wrap for unpublished epoch %d: %w", w.Epoch, types.ErrInvalid)
		}
		if _, err := s.store.ActiveMembership(ctx, req.SpaceID, w.MemberDID); err != nil {
			return fmt.Errorf("wrap for %s: %w", w.MemberDID, err)
		}
	}
	return s.store.PutWraps(ctx, req.Wraps)
}

// KeyWraps returns the wraps addressed to did and whether the space owes a
// rotation. Joined members only, so an invitee sees nothing before accept and
// a removed member nothing after.
func (s *Service) KeyWraps(ctx context.Context, did, spaceID string) (bbsync.KeyWrapsResponse, error) {
	if _, err := s.requireJoined(ctx, spaceID, did); err != nil {
		return bbsync.KeyWrapsResponse{}, err
	}
	sp, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return bbsync.KeyWrapsResponse{}, err
	}
	wraps, err := s.store.Wraps(ctx, spaceID, did)
	if err != nil {
		return bbsync.KeyWrapsResponse{}, err
	}
	owed, err := s.store.RotationRequired(ctx, spaceID)
	if err != nil {
		return bbsync.KeyWrapsResponse{}, err
	}
	return bbsync.KeyWrapsResponse{Wraps: wraps, CurrentEpoch: sp.CurrentEpoch, RotationRequired: owed}, nil
}

// MissingWraps lists, for each joined member, the epochs they hold no wrap
// for. Admin only.
func (s *Service) MissingWraps(ctx context.Context, did, spaceID string) ([]bbsync.MissingWrap, error) {
	sp, err := s.requireAdmin(ctx, spaceID, did)
	if err != nil {
		return nil, err
	}
	joined, err := s.joinedSet(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	wraps, err := s.store.Wraps(ctx, spaceID, "")
	if err != nil {
		return nil, err
	}
	type key struct {
		did   string
		epoch uint32
	}
	have := make(map[key]bool, len(wraps))
	for _, w := range wraps {
		have[key{w.MemberDID, w.Epoch}] = true
	}

	missing := make([]bbsync.MissingWrap, 0)
	for _, m := range slices.Sorted(maps.Keys(joined)) {
		for e := uint32(1); e <= sp.CurrentEpoch; e++ {
			if !have[key{m, e}] {
				missing = append(missing, bbsync.MissingWrap{SpaceID: spaceID, Epoch: e, MemberDID: m})
			}
		}
	}
	return missing, nil
}

// PutFile stores a file descriptor sealed under the current epoch.
func (s *Service) PutFile(ctx context.Context, did string, fd types.FileDescriptor) error {
	if err := validation.File(fd); err != nil {
		return err
	}
	if _, err := s.requireJoined(ctx, fd.SpaceID, did); err != nil {
		return err
	}
	sp, err := s.store.GetSpace(ctx, fd.SpaceID)
	if err != nil {
		return err
	}
	if fd.Epoch != sp.CurrentEpoch {
		return fmt.Errorf("file %s wrapped under epoch %d, current %d: %w", fd.FileID, fd.Epoch, sp.CurrentEpoch, types.ErrStaleEpoch)
	}
	return s.store.PutFile(ctx, fd)
}

// Files lists a space's file descriptors. Joined members only.
func (s *Service) Files(ctx context.Context, did, spaceID string) ([]types.FileDescriptor, error) {
	if _, err := s.requireJoined(ctx, spaceID, did); err != nil {
		return nil, err
	}
	return s.store.Files(ctx, spaceID)
}

func (s *Service) joinedSet(ctx context.Context, spaceID string) (map[string]bool, error) {
	members, err := s.store.Members(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	joined := make(map[string]bool)
	for _, m := range members {
		if m.Status == types.StatusJoined {
			joined[m.DID] = true
		}
	}
	return joined, nil
}
