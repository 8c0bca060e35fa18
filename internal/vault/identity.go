package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const didPrefix = "did:key:"

// ErrInvalidDID reports a DID that does not carry an X25519 public key.
var ErrInvalidDID = errors.New("invalid did")

// Identity is a device-held X25519 key pair. The DID is derived from the
// public key, so any party holding a DID can seal data to it.
type Identity struct {
	DID     string
	public  [32]byte
	private [32]byte
}

// NewIdentity generates a fresh identity.
func NewIdentity() (*Identity, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	id := &Identity{public: *pub, private: *priv}
	id.DID = DIDFromPublicKey(pub[:])
	return id, nil
}

// ParseIdentity restores an identity from its 32-byte private key.
func ParseIdentity(private []byte) (*Identity, error) {
	if len(private) != 32 {
		return nil, fmt.Errorf("identity key must be 32 bytes, got %d", len(private))
	}
	pub, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	id := &Identity{}
	copy(id.private[:], private)
	copy(id.public[:], pub)
	id.DID = DIDFromPublicKey(pub)
	return id, nil
}

// PublicKey returns a copy of the identity's public key.
func (id *Identity) PublicKey() []byte {
	out := make([]byte, 32)
	copy(out, id.public[:])
	return out
}

// PrivateKey returns a copy of the private key for persistence.
func (id *Identity) PrivateKey() []byte {
	out := make([]byte, 32)
	copy(out, id.private[:])
	return out
}

// Open decrypts a sealed box addressed to this identity.
func (id *Identity) Open(sealed []byte) ([]byte, bool) {
	return box.OpenAnonymous(nil, sealed, &id.public, &id.private)
}

// SealTo encrypts msg so that only the holder of did can open it.
func SealTo(did string, msg []byte) ([]byte, error) {
	pub, err := PublicKeyFromDID(did)
	if err != nil {
		return nil, err
	}
	var recipient [32]byte
	copy(recipient[:], pub)
	sealed, err := box.SealAnonymous(nil, msg, &recipient, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal to %s: %w", did, err)
	}
	return sealed, nil
}

// DIDFromPublicKey encodes an X25519 public key as a did:key identifier.
func DIDFromPublicKey(pub []byte) string {
	return didPrefix + base64.RawURLEncoding.EncodeToString(pub)
}

// PublicKeyFromDID extracts the X25519 public key from a did:key identifier.
func PublicKeyFromDID(did string) ([]byte, error) {
	enc, ok := strings.CutPrefix(did, didPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDID, did)
	}
	pub, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil || len(pub) != 32 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDID, did)
	}
	return pub, nil
}
