package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

func newTestIssuer() *Issuer {
	return NewIssuer([]byte("test-secret"), time.Hour, time.Minute)
}

func TestSession_RoundTrip(t *testing.T) {
	i := newTestIssuer()

	token, err := i.Session("did:key:alice")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	did, err := i.VerifySession(token)
	if err != nil {
		t.Fatalf("VerifySession failed: %v", err)
	}
	if did != "did:key:alice" {
		t.Errorf("expected did:key:alice, got %q", did)
	}
}

func TestCapability_RoundTrip(t *testing.T) {
	i := newTestIssuer()

	c, err := i.Capability("did:key:bob", "space-1")
	if err != nil {
		t.Fatalf("Capability failed: %v", err)
	}
	got, err := i.VerifyCapability(c.Token)
	if err != nil {
		t.Fatalf("VerifyCapability failed: %v", err)
	}
	if got.JTI != c.JTI || got.SpaceID != "space-1" || got.DID != "did:key:bob" {
		t.Errorf("unexpected capability: %+v", got)
	}
}

func TestVerify_RejectsWrongKind(t *testing.T) {
	i := newTestIssuer()

	session, _ := i.Session("did:key:alice")
	if _, err := i.VerifyCapability(session); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("expected session rejected as capability, got %v", err)
	}

	c, _ := i.Capability("did:key:alice", "space-1")
	if _, err := i.VerifySession(c.Token); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("expected capability rejected as session, got %v", err)
	}
}

func TestVerify_RejectsExpired(t *testing.T) {
	i := newTestIssuer()
	c, _ := i.Capability("did:key:alice", "space-1")

	// When: the clock moves past the capability TTL
	i.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if _, err := i.VerifyCapability(c.Token); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("expected expired capability rejected, got %v", err)
	}
}

func TestVerify_RejectsForeignSecret(t *testing.T) {
	other := NewIssuer([]byte("other-secret"), time.Hour, time.Hour)
	token, _ := other.Session("did:key:mallory")

	if _, err := newTestIssuer().VerifySession(token); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("expected foreign token rejected, got %v", err)
	}
}

func TestVerify_RejectsGarbage(t *testing.T) {
	if _, err := newTestIssuer().VerifySession("not-a-token"); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("expected garbage rejected, got %v", err)
	}
}

func TestSubject_ReadsUnverified(t *testing.T) {
	issuer := NewIssuer([]byte("secret"), time.Hour, time.Hour)
	token, err := issuer.Session("did:key:abc")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}

	did, err := Subject(token)
	if err != nil || did != "did:key:abc" {
		t.Errorf("Subject = %q, %v", did, err)
	}

	if _, err := Subject("garbage"); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}
