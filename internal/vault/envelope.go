package vault

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/proto"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

const envelopeVersion = 1

// Header is the cleartext routing metadata of an envelope.
type Header struct {
	Version int    `json:"v"`
	SpaceID string `json:"space"`
	Epoch   uint32 `json:"epoch"`
}

type envelope struct {
	Header
	DEK     []byte `json:"dek"`
	Payload []byte `json:"payload"`
}

// EncryptForEpoch seals plaintext under a fresh DEK wrapped by the given
// epoch of a space. Returns types.ErrKeyUnavailable when the epoch key is
// not held locally.
func (v *Vault) EncryptForEpoch(ctx context.Context, plaintext []byte, spaceID string, epoch uint32) ([]byte, error) {
	epochKey, err := v.keys.EpochKey(ctx, spaceID, epoch)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %s epoch %d: %w", spaceID, epoch, err)
	}
	dek, err := newKey()
	if err != nil {
		return nil, err
	}
	payload, err := seal(ctx, dek, "payload", plaintext, payloadAAD(spaceID, epoch))
	if err != nil {
		return nil, err
	}
	wrapped, err := wrapDEK(ctx, epochKey, spaceID, epoch, "record", dek)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Header:  Header{Version: envelopeVersion, SpaceID: spaceID, Epoch: epoch},
		DEK:     wrapped,
		Payload: payload,
	})
}

// Decrypt opens an envelope produced by EncryptForEpoch and returns the
// plaintext with the epoch it was sealed under.
func (v *Vault) Decrypt(ctx context.Context, data []byte) ([]byte, uint32, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, fmt.Errorf("parse envelope: %w", ErrCorrupt)
	}
	if env.Version != envelopeVersion {
		return nil, 0, fmt.Errorf("envelope version %d: %w", env.Version, ErrCorrupt)
	}
	epochKey, err := v.keys.EpochKey(ctx, env.SpaceID, env.Epoch)
	if err != nil {
		return nil, env.Epoch, fmt.Errorf("decrypt %s epoch %d: %w", env.SpaceID, env.Epoch, err)
	}
	dek, err := unwrapDEK(ctx, epochKey, env.SpaceID, env.Epoch, "record", env.DEK)
	if err != nil {
		return nil, env.Epoch, err
	}
	plaintext, err := open(ctx, dek, "payload", env.Payload, payloadAAD(env.SpaceID, env.Epoch))
	if err != nil {
		return nil, env.Epoch, err
	}
	return plaintext, env.Epoch, nil
}

// Peek returns an envelope's header without decrypting it.
func Peek(data []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("parse envelope: %w", ErrCorrupt)
	}
	return h, nil
}

// EncryptFile seals file bytes under a fresh DEK and returns the descriptor
// carrying that DEK wrapped under the space's latest epoch.
func (v *Vault) EncryptFile(ctx context.Context, spaceID, fileID, recordID string, plaintext []byte) (types.FileDescriptor, []byte, error) {
	latest, err := v.keys.LatestEpochKey(ctx, spaceID)
	if err != nil {
		return types.FileDescriptor{}, nil, err
	}
	dek, err := newKey()
	if err != nil {
		return types.FileDescriptor{}, nil, err
	}
	ct, err := seal(ctx, dek, "file", plaintext, []byte(spaceID+"|"+fileID))
	if err != nil {
		return types.FileDescriptor{}, nil, err
	}
	wrapped, err := wrapDEK(ctx, latest.Key, spaceID, latest.Number, fileID, dek)
	if err != nil {
		return types.FileDescriptor{}, nil, err
	}
	fd := types.FileDescriptor{
		FileID:     fileID,
		RecordID:   recordID,
		SpaceID:    spaceID,
		Epoch:      latest.Number,
		WrappedDEK: wrapped,
	}
	return fd, ct, nil
}

// DecryptFile opens file bytes sealed by EncryptFile.
func (v *Vault) DecryptFile(ctx context.Context, fd types.FileDescriptor, ciphertext []byte) ([]byte, error) {
	dek, err := v.UnwrapFileDEK(ctx, fd)
	if err != nil {
		return nil, err
	}
	return open(ctx, dek, "file", ciphertext, []byte(fd.SpaceID+"|"+fd.FileID))
}

// UnwrapFileDEK returns the cleartext DEK of a file descriptor.
func (v *Vault) UnwrapFileDEK(ctx context.Context, fd types.FileDescriptor) ([]byte, error) {
	epochKey, err := v.keys.EpochKey(ctx, fd.SpaceID, fd.Epoch)
	if err != nil {
		return nil, err
	}
	return unwrapDEK(ctx, epochKey, fd.SpaceID, fd.Epoch, fd.FileID, fd.WrappedDEK)
}

func payloadAAD(spaceID string, epoch uint32) []byte {
	return []byte(spaceID + "|" + strconv.FormatUint(uint64(epoch), 10))
}

// wrapKey derives the key that wraps DEKs for one space epoch.
func wrapKey(epochKey []byte, spaceID string) ([]byte, error) {
	r := hkdf.New(sha256.New, epochKey, nil, []byte("betterbase dek wrap v1|"+spaceID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return out, nil
}

func wrapDEK(ctx context.Context, epochKey []byte, spaceID string, epoch uint32, label string, dek []byte) ([]byte, error) {
	kek, err := wrapKey(epochKey, spaceID)
	if err != nil {
		return nil, err
	}
	aad := append(payloadAAD(spaceID, epoch), []byte("|"+label)...)
	return seal(ctx, kek, spaceID+"/"+strconv.FormatUint(uint64(epoch), 10), dek, aad)
}

func unwrapDEK(ctx context.Context, epochKey []byte, spaceID string, epoch uint32, label string, wrapped []byte) ([]byte, error) {
	kek, err := wrapKey(epochKey, spaceID)
	if err != nil {
		return nil, err
	}
	aad := append(payloadAAD(spaceID, epoch), []byte("|"+label)...)
	return open(ctx, kek, spaceID+"/"+strconv.FormatUint(uint64(epoch), 10), wrapped, aad)
}

func newWrapper(ctx context.Context, key []byte, keyID string) (*aead.Wrapper, error) {
	w := aead.NewWrapper()
	cfg := map[string]string{
		"key":    base64.StdEncoding.EncodeToString(key),
		"key_id": keyID,
	}
	if _, err := w.SetConfig(ctx, wrapping.WithConfigMap(cfg)); err != nil {
		return nil, fmt.Errorf("configure aead wrapper: %w", err)
	}
	return w, nil
}

// seal encrypts with AES-256-GCM via an AEAD wrapper and serializes the
// resulting BlobInfo.
func seal(ctx context.Context, key []byte, keyID string, plaintext, aad []byte) ([]byte, error) {
	w, err := newWrapper(ctx, key, keyID)
	if err != nil {
		return nil, err
	}
	blob, err := w.Encrypt(ctx, plaintext, wrapping.WithAad(aad))
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	out, err := proto.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("marshal blob: %w", err)
	}
	return out, nil
}

func open(ctx context.Context, key []byte, keyID string, data, aad []byte) ([]byte, error) {
	var blob wrapping.BlobInfo
	if err := proto.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("unmarshal blob: %w", ErrCorrupt)
	}
	w, err := newWrapper(ctx, key, keyID)
	if err != nil {
		return nil, err
	}
	plaintext, err := w.Decrypt(ctx, &blob, wrapping.WithAad(aad))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plaintext, nil
}

// IsCorrupt reports whether err is an authentication failure.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}
