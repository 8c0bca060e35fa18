package store

import (
	"fmt"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

var (
	ErrNotFound        = types.ErrNotFound
	ErrDuplicateHandle = fmt.Errorf("handle already registered: %w", types.ErrConflict)
	ErrDuplicateSpace  = fmt.Errorf("space already exists: %w", types.ErrConflict)
	ErrAlreadyMember   = fmt.Errorf("identity already holds an active membership: %w", types.ErrConflict)
	ErrEpochConflict   = fmt.Errorf("epoch is not current+1: %w", types.ErrConflict)
)
