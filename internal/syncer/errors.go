package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// SpaceError is the failure of one space's sync. Other spaces in the same
// call are unaffected.
type SpaceError struct {
	SpaceID string
	Phase   State
	Err     error
}

func (e *SpaceError) Error() string {
	return fmt.Sprintf("sync space %s (%s): %v", e.SpaceID, e.Phase, e.Err)
}

func (e *SpaceError) Unwrap() error { return e.Err }

// Retryable reports whether retrying later may succeed with no intervention.
// Dirty records stay dirty, so nothing is lost either way.
func (e *SpaceError) Retryable() bool {
	return errors.Is(e.Err, types.ErrTimeout)
}

// netErr normalizes a network call failure. A deadline hit by the per-call
// timeout, while the caller's context is still live, becomes ErrTimeout.
func netErr(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("relay call timed out: %w", types.ErrTimeout)
	}
	return err
}
