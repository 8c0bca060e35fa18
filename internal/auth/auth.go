// Package auth issues and verifies the relay's bearer tokens: session tokens
// naming an identity, and per-space sync capabilities that can be revoked by
// their jti.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

const (
	kindSession    = "session"
	kindCapability = "capability"
)

// Claims are the registered claims plus the token kind and, for
// capabilities, the space the token grants sync access to.
type Claims struct {
	jwt.RegisteredClaims
	Kind  string `json:"kind"`
	Space string `json:"space,omitempty"`
}

// Capability is an issued per-space sync capability.
type Capability struct {
	Token     string
	JTI       string
	SpaceID   string
	DID       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret        []byte
	sessionTTL    time.Duration
	capabilityTTL time.Duration
	now           func() time.Time
}

// NewIssuer returns an Issuer signing with secret.
func NewIssuer(secret []byte, sessionTTL, capabilityTTL time.Duration) *Issuer {
	return &Issuer{
		secret:        secret,
		sessionTTL:    sessionTTL,
		capabilityTTL: capabilityTTL,
		now:           time.Now,
	}
}

func (i *Issuer) sign(c Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", c.Kind, err)
	}
	return token, nil
}

// Session issues a session token for did.
func (i *Issuer) Session(did string) (string, error) {
	now := i.now()
	return i.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   did,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.sessionTTL)),
		},
		Kind: kindSession,
	})
}

// Capability issues a sync capability for did in spaceID.
func (i *Issuer) Capability(did, spaceID string) (Capability, error) {
	now := i.now()
	c := Capability{
		JTI:       uuid.NewString(),
		SpaceID:   spaceID,
		DID:       did,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.capabilityTTL),
	}
	token, err := i.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   did,
			ID:        c.JTI,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
		Kind:  kindCapability,
		Space: spaceID,
	})
	if err != nil {
		return Capability{}, err
	}
	c.Token = token
	return c, nil
}

func (i *Issuer) parse(token, kind string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%s token: %v: %w", kind, err, types.ErrUnauthorized)
	}
	if !parsed.Valid || claims.Kind != kind || claims.Subject == "" {
		return nil, fmt.Errorf("not a %s token: %w", kind, types.ErrUnauthorized)
	}
	return claims, nil
}

// VerifySession returns the DID a session token was issued to.
func (i *Issuer) VerifySession(token string) (string, error) {
	claims, err := i.parse(token, kindSession)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// VerifyCapability checks a capability's signature and expiry. Revocation is
// the caller's concern.
func (i *Issuer) VerifyCapability(token string) (Capability, error) {
	claims, err := i.parse(token, kindCapability)
	if err != nil {
		return Capability{}, err
	}
	if claims.Space == "" || claims.ID == "" {
		return Capability{}, fmt.Errorf("capability missing space or jti: %w", types.ErrUnauthorized)
	}
	c := Capability{
		Token:   token,
		JTI:     claims.ID,
		SpaceID: claims.Space,
		DID:     claims.Subject,
	}
	if claims.IssuedAt != nil {
		c.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		c.ExpiresAt = claims.ExpiresAt.Time
	}
	return c, nil
}

// Subject reads the subject of a token without verifying it. Clients use it
// to learn their own DID from a session token the relay already accepted.
func Subject(token string) (string, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("parse token: %w", types.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject: %w", types.ErrUnauthorized)
	}
	return claims.Subject, nil
}
