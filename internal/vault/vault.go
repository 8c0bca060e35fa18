// Package vault holds space epoch keys and performs every cryptographic
// operation of the engine.
//
// Each space has an ordered list of epoch keys. Payloads are encrypted under
// a fresh data-encryption key (DEK) and the DEK is wrapped under a key derived
// from the epoch key, so rotating a space only ever re-wraps DEKs. Epoch keys
// travel between members sealed to each member's X25519 identity.
package vault

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

const epochKeySize = 32

// ErrCorrupt reports a payload or wrap that failed authentication.
var ErrCorrupt = errors.New("ciphertext failed authentication")

// KeyStore persists epoch keys. EpochKey and Latest return
// types.ErrKeyUnavailable when nothing is held.
type KeyStore interface {
	PutEpochKey(ctx context.Context, spaceID string, epoch uint32, key []byte) error
	EpochKey(ctx context.Context, spaceID string, epoch uint32) ([]byte, error)
	LatestEpochKey(ctx context.Context, spaceID string) (types.Epoch, error)
	EpochKeys(ctx context.Context, spaceID string) ([]types.Epoch, error)
}

// Vault binds a local identity to a key store.
type Vault struct {
	id     *Identity
	keys   KeyStore
	logger *slog.Logger
}

// New creates a vault. A nil logger uses slog.Default().
func New(id *Identity, keys KeyStore, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{id: id, keys: keys, logger: logger}
}

// Identity returns the local identity.
func (v *Vault) Identity() *Identity { return v.id }

// CreateSpaceKey generates epoch 1 for a new space and stores it.
func (v *Vault) CreateSpaceKey(ctx context.Context, spaceID string) (types.Epoch, error) {
	key, err := newKey()
	if err != nil {
		return types.Epoch{}, err
	}
	if err := v.keys.PutEpochKey(ctx, spaceID, 1, key); err != nil {
		return types.Epoch{}, fmt.Errorf("store epoch key: %w", err)
	}
	v.logger.Debug("epoch key created",
		"component", "vault",
		"action", "create_space_key",
		"space_id", spaceID,
		"epoch", 1,
	)
	return types.Epoch{Number: 1, Key: key}, nil
}

// PrepareSpace generates epoch 1 for a new space with a wrap for the local
// identity. Like a rotation it is stored only on Commit, after the relay has
// accepted the space.
func (v *Vault) PrepareSpace(spaceID string) (*Rotation, error) {
	key, err := newKey()
	if err != nil {
		return nil, err
	}
	sealed, err := SealTo(v.id.DID, key)
	if err != nil {
		return nil, fmt.Errorf("wrap epoch 1 of %s: %w", spaceID, err)
	}
	return &Rotation{
		SpaceID: spaceID,
		Epoch:   1,
		Wraps:   []types.WrappedKey{{SpaceID: spaceID, Epoch: 1, MemberDID: v.id.DID, Sealed: sealed}},
		key:     key,
	}, nil
}

// Latest returns the newest epoch key held for a space.
func (v *Vault) Latest(ctx context.Context, spaceID string) (types.Epoch, error) {
	return v.keys.LatestEpochKey(ctx, spaceID)
}

// Key returns the key for one epoch or types.ErrKeyUnavailable.
func (v *Vault) Key(ctx context.Context, spaceID string, epoch uint32) ([]byte, error) {
	return v.keys.EpochKey(ctx, spaceID, epoch)
}

// Rotation is a prepared epoch rotation. Nothing is stored locally until
// Commit, so a rotation the relay rejects leaves the keyring untouched.
type Rotation struct {
	SpaceID string
	Epoch   uint32
	Wraps   []types.WrappedKey
	Files   []types.FileDescriptor
	key     []byte
}

// Rotate prepares epoch latest+1 for a space. The new key is wrapped only for
// members whose status is joined; every file descriptor has its DEK
// re-wrapped under the new key. Files with no descriptors are not an error.
func (v *Vault) Rotate(ctx context.Context, spaceID string, members []types.Member, files []types.FileDescriptor) (*Rotation, error) {
	latest, err := v.keys.LatestEpochKey(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("rotate %s: %w", spaceID, err)
	}
	key, err := newKey()
	if err != nil {
		return nil, err
	}
	rot := &Rotation{SpaceID: spaceID, Epoch: latest.Number + 1, key: key}

	for _, m := range members {
		if m.Status != types.StatusJoined {
			continue
		}
		sealed, err := SealTo(m.DID, key)
		if err != nil {
			return nil, fmt.Errorf("wrap epoch %d for %s: %w", rot.Epoch, m.DID, err)
		}
		rot.Wraps = append(rot.Wraps, types.WrappedKey{
			SpaceID:   spaceID,
			Epoch:     rot.Epoch,
			MemberDID: m.DID,
			Sealed:    sealed,
		})
	}

	for _, fd := range files {
		dek, err := v.UnwrapFileDEK(ctx, fd)
		if err != nil {
			return nil, fmt.Errorf("rewrap file %s: %w", fd.FileID, err)
		}
		wrapped, err := wrapDEK(ctx, key, spaceID, rot.Epoch, fd.FileID, dek)
		if err != nil {
			return nil, fmt.Errorf("rewrap file %s: %w", fd.FileID, err)
		}
		fd.Epoch = rot.Epoch
		fd.WrappedDEK = wrapped
		rot.Files = append(rot.Files, fd)
	}
	return rot, nil
}

// Commit stores a prepared rotation's key as the space's newest epoch.
func (v *Vault) Commit(ctx context.Context, rot *Rotation) error {
	if err := v.keys.PutEpochKey(ctx, rot.SpaceID, rot.Epoch, rot.key); err != nil {
		return fmt.Errorf("store epoch %d: %w", rot.Epoch, err)
	}
	v.logger.Info("epoch rotated",
		"component", "vault",
		"action", "rotate",
		"space_id", rot.SpaceID,
		"epoch", rot.Epoch,
		"wraps", len(rot.Wraps),
		"files", len(rot.Files),
	)
	return nil
}

// WrapFor seals one held epoch key to a member.
func (v *Vault) WrapFor(ctx context.Context, spaceID string, epoch uint32, memberDID string) (types.WrappedKey, error) {
	key, err := v.keys.EpochKey(ctx, spaceID, epoch)
	if err != nil {
		return types.WrappedKey{}, err
	}
	sealed, err := SealTo(memberDID, key)
	if err != nil {
		return types.WrappedKey{}, err
	}
	return types.WrappedKey{SpaceID: spaceID, Epoch: epoch, MemberDID: memberDID, Sealed: sealed}, nil
}

// WrapAllFor seals every held epoch key of a space to a member.
func (v *Vault) WrapAllFor(ctx context.Context, spaceID, memberDID string) ([]types.WrappedKey, error) {
	epochs, err := v.keys.EpochKeys(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	wraps := make([]types.WrappedKey, 0, len(epochs))
	for _, e := range epochs {
		sealed, err := SealTo(memberDID, e.Key)
		if err != nil {
			return nil, err
		}
		wraps = append(wraps, types.WrappedKey{SpaceID: spaceID, Epoch: e.Number, MemberDID: memberDID, Sealed: sealed})
	}
	return wraps, nil
}

// Unwrap opens an epoch key sealed to the local identity. Wraps addressed to
// anyone else yield types.ErrKeyUnavailable.
func (v *Vault) Unwrap(w types.WrappedKey) ([]byte, error) {
	if w.MemberDID != v.id.DID {
		return nil, fmt.Errorf("epoch %d of %s wrapped for %s: %w", w.Epoch, w.SpaceID, w.MemberDID, types.ErrKeyUnavailable)
	}
	key, ok := v.id.Open(w.Sealed)
	if !ok || len(key) != epochKeySize {
		return nil, fmt.Errorf("epoch %d of %s: %w", w.Epoch, w.SpaceID, ErrCorrupt)
	}
	return key, nil
}

// ImportWraps unwraps and stores every wrap addressed to the local identity,
// returning how many epoch keys were imported. Wraps for other members are
// ignored.
func (v *Vault) ImportWraps(ctx context.Context, wraps []types.WrappedKey) (int, error) {
	n := 0
	for _, w := range wraps {
		if w.MemberDID != v.id.DID {
			continue
		}
		key, err := v.Unwrap(w)
		if err != nil {
			return n, err
		}
		if err := v.keys.PutEpochKey(ctx, w.SpaceID, w.Epoch, key); err != nil {
			return n, fmt.Errorf("store epoch %d of %s: %w", w.Epoch, w.SpaceID, err)
		}
		n++
	}
	return n, nil
}

func newKey() ([]byte, error) {
	key := make([]byte, epochKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
