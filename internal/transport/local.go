package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/relay"
	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// Local calls a relay.Service in the same process.
type Local struct {
	svc     *relay.Service
	offline atomic.Bool

	mu  sync.RWMutex
	did string
}

var _ Relay = (*Local)(nil)

// NewLocal creates an unbound in-process adapter.
func NewLocal(svc *relay.Service) *Local {
	return &Local{svc: svc}
}

// SetOffline makes every call fail with ErrTimeout until reset, simulating
// an unreachable relay.
func (l *Local) SetOffline(offline bool) {
	l.offline.Store(offline)
}

// DID returns the bound identity, or "".
func (l *Local) DID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.did
}

func (l *Local) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.offline.Load() {
		return fmt.Errorf("relay unreachable: %w", types.ErrTimeout)
	}
	return nil
}

// caller returns the bound DID after the reachability check.
func (l *Local) caller(ctx context.Context) (string, error) {
	if err := l.check(ctx); err != nil {
		return "", err
	}
	did := l.DID()
	if did == "" {
		return "", fmt.Errorf("no identity bound: %w", types.ErrUnauthorized)
	}
	return did, nil
}

func (l *Local) Register(ctx context.Context, handle string, publicKey []byte) (bbsync.RegisterResponse, error) {
	if err := l.check(ctx); err != nil {
		return bbsync.RegisterResponse{}, err
	}
	resp, err := l.svc.Register(ctx, bbsync.RegisterRequest{Handle: handle, PublicKey: publicKey})
	if err != nil {
		return resp, err
	}
	l.mu.Lock()
	l.did = resp.DID
	l.mu.Unlock()
	return resp, nil
}

func (l *Local) Authenticate(ctx context.Context, sessionToken string) (string, error) {
	if err := l.check(ctx); err != nil {
		return "", err
	}
	did, err := l.svc.Authenticate(ctx, sessionToken)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.did = did
	l.mu.Unlock()
	return did, nil
}

func (l *Local) Resolve(ctx context.Context, handle string) (types.Identity, error) {
	if _, err := l.caller(ctx); err != nil {
		return types.Identity{}, err
	}
	return l.svc.Resolve(ctx, handle)
}

func (l *Local) CreateSpace(ctx context.Context, req bbsync.CreateSpaceRequest) (types.Space, error) {
	did, err := l.caller(ctx)
	if err != nil {
		return types.Space{}, err
	}
	return l.svc.CreateSpace(ctx, did, req)
}

func (l *Local) Spaces(ctx context.Context) ([]types.Space, error) {
	did, err := l.caller(ctx)
	if err != nil {
		return nil, err
	}
	return l.svc.Spaces(ctx, did)
}

func (l *Local) Capability(ctx context.Context, spaceID string) (bbsync.CapabilityResponse, error) {
	did, err := l.caller(ctx)
	if err != nil {
		return bbsync.CapabilityResponse{}, err
	}
	return l.svc.Capability(ctx, did, spaceID)
}

func (l *Local) Push(ctx context.Context, capability string, req bbsync.PushRequest) (bbsync.PushResponse, error) {
	if err := l.check(ctx); err != nil {
		return bbsync.PushResponse{}, err
	}
	return l.svc.Push(ctx, capability, req)
}

func (l *Local) Pull(ctx context.Context, capability string, req bbsync.PullRequest) (bbsync.PullResponse, error) {
	if err := l.check(ctx); err != nil {
		return bbsync.PullResponse{}, err
	}
	return l.svc.Pull(ctx, capability, req)
}

func (l *Local) Invite(ctx context.Context, req bbsync.InviteRequest) (types.Invitation, error) {
	did, err := l.caller(ctx)
	if err != nil {
		return types.Invitation{}, err
	}
	return l.svc.Invite(ctx, did, req)
}

func (l *Local) Invitations(ctx context.Context) ([]types.Invitation, error) {
	did, err := l.caller(ctx)
	if err != nil {
		return nil, err
	}
	return l.svc.Invitations(ctx, did)
}

func (l *Local) Accept(ctx context.Context, invitationID string) (types.Space, error) {
	did, err := l.caller(ctx)
	if err != nil {
		return types.Space{}, err
	}
	return l.svc.Accept(ctx, did, invitationID)
}

func (l *Local) Decline(ctx context.Context, invitationID string) error {
	did, err := l.caller(ctx)
	if err != nil {
		return err
	}
	return l.svc.Decline(ctx, did, invitationID)
}

func (l *Local) Members(ctx context.Context, spaceID string) ([]types.Member, error) {
	did, err := l.caller(ctx)
	if err != nil {
		return nil, err
	}
	return l.svc.Members(ctx, did, spaceID)
}

func (l *Local) RemoveMember(ctx context.Context, spaceID, memberDID string) (bbsync.RemoveMemberResponse, error) {
	did, err := l.caller(ctx)
	if err != nil {
		return bbsync.RemoveMemberResponse{}, err
	}
	return l.svc.RemoveMember(ctx, did, spaceID, memberDID)
}

func (l *Local) PublishEpoch(ctx context.Context, req bbsync.PublishEpochRequest) error {
	did, err := l.caller(ctx)
	if err != nil {
		return err
	}
	return l.svc.PublishEpoch(ctx, did, req)
}

func (l *Local) PublishWraps(ctx context.Context, req bbsync.PublishWrapsRequest) error {
	did, err := l.caller(ctx)
	if err != nil {
		return err
	}
	return l.svc.PublishWraps(ctx, did, req)
}

func (l *Local) KeyWraps(ctx context.Context, spaceID string) (bbsync.KeyWrapsResponse, error) {
	did, err := l.caller(ctx)
	if err != nil {
		return bbsync.KeyWrapsResponse{}, err
	}
	return l.svc.KeyWraps(ctx, did, spaceID)
}

func (l *Local) MissingWraps(ctx context.Context, spaceID string) ([]bbsync.MissingWrap, error) {
	did, err := l.caller(ctx)
	if err != nil {
		return nil, err
	}
	return l.svc.MissingWraps(ctx, did, spaceID)
}

func (l *Local) PutFile(ctx context.Context, fd types.FileDescriptor) error {
	did, err := l.caller(ctx)
	if err != nil {
		return err
	}
	return l.svc.PutFile(ctx, did, fd)
}

func (l *Local) Files(ctx context.Context, spaceID string) ([]types.FileDescriptor, error) {
	did, err := l.caller(ctx)
	if err != nil {
		return nil, err
	}
	return l.svc.Files(ctx, did, spaceID)
}

// Events subscribes to the relay hub. The subscription closes when ctx ends.
func (l *Local) Events(ctx context.Context) (<-chan types.Event, error) {
	did, err := l.caller(ctx)
	if err != nil {
		return nil, err
	}
	sub := l.svc.Subscribe(did)
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub.C, nil
}
