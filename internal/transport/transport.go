// Package transport defines the relay interface the sync engine consumes and
// provides an in-process adapter and an HTTP client adapter. Both report
// failures with the sentinel errors of package types so callers match them
// with errors.Is regardless of transport.
package transport

import (
	"context"

	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// Relay is a connection to the relay bound to one identity. Register or
// Authenticate binds the identity; every other call except Push and Pull acts
// on its behalf. Push and Pull are authorized by the per-space capability.
type Relay interface {
	Register(ctx context.Context, handle string, publicKey []byte) (bbsync.RegisterResponse, error)
	Authenticate(ctx context.Context, sessionToken string) (string, error)
	Resolve(ctx context.Context, handle string) (types.Identity, error)

	CreateSpace(ctx context.Context, req bbsync.CreateSpaceRequest) (types.Space, error)
	Spaces(ctx context.Context) ([]types.Space, error)
	Capability(ctx context.Context, spaceID string) (bbsync.CapabilityResponse, error)

	Push(ctx context.Context, capability string, req bbsync.PushRequest) (bbsync.PushResponse, error)
	Pull(ctx context.Context, capability string, req bbsync.PullRequest) (bbsync.PullResponse, error)

	Invite(ctx context.Context, req bbsync.InviteRequest) (types.Invitation, error)
	Invitations(ctx context.Context) ([]types.Invitation, error)
	Accept(ctx context.Context, invitationID string) (types.Space, error)
	Decline(ctx context.Context, invitationID string) error
	Members(ctx context.Context, spaceID string) ([]types.Member, error)
	RemoveMember(ctx context.Context, spaceID, memberDID string) (bbsync.RemoveMemberResponse, error)

	PublishEpoch(ctx context.Context, req bbsync.PublishEpochRequest) error
	PublishWraps(ctx context.Context, req bbsync.PublishWrapsRequest) error
	KeyWraps(ctx context.Context, spaceID string) (bbsync.KeyWrapsResponse, error)
	MissingWraps(ctx context.Context, spaceID string) ([]bbsync.MissingWrap, error)
	PutFile(ctx context.Context, fd types.FileDescriptor) error
	Files(ctx context.Context, spaceID string) ([]types.FileDescriptor, error)

	// Events streams notifications for the bound identity until ctx ends.
	// The channel closes when the stream ends. Delivery is best effort.
	Events(ctx context.Context) (<-chan types.Event, error)
}
