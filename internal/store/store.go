package store

import (
	"context"
	"time"

	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// Stats summarizes relay database contents.
type Stats struct {
	Identities       int64 `json:"identities"`
	Spaces           int64 `json:"spaces"`
	JoinedMembers    int64 `json:"joined_members"`
	ChangeLogEntries int64 `json:"change_log_entries"`
	LatestSequence   int64 `json:"latest_sequence"`
	DatabaseBytes    int64 `json:"database_bytes"`
}

// Store defines the interface contract for all relay storage operations.
type Store interface {
	CreateIdentity(ctx context.Context, id types.Identity) error
	IdentityByHandle(ctx context.Context, handle string) (types.Identity, error)
	IdentityByDID(ctx context.Context, did string) (types.Identity, error)

	CreateSpace(ctx context.Context, sp types.Space, admin types.Member, wraps []types.WrappedKey) error
	GetSpace(ctx context.Context, id string) (types.Space, error)
	SpacesFor(ctx context.Context, did string) ([]types.Space, error)

	CreateInvitation(ctx context.Context, m types.Member, wraps []types.WrappedKey) error
	Membership(ctx context.Context, id string) (types.Member, error)
	ActiveMembership(ctx context.Context, spaceID, did string) (types.Member, error)
	Members(ctx context.Context, spaceID string) ([]types.Member, error)
	TransitionMembership(ctx context.Context, id string, from, to types.MemberStatus) error
	RemoveMembership(ctx context.Context, spaceID, id string, from types.MemberStatus) error
	RotationRequired(ctx context.Context, spaceID string) (bool, error)
	PendingInvitations(ctx context.Context, did string) ([]types.Invitation, error)

	PutWraps(ctx context.Context, wraps []types.WrappedKey) error
	Wraps(ctx context.Context, spaceID, did string) ([]types.WrappedKey, error)
	PublishEpoch(ctx context.Context, spaceID string, epoch uint32, wraps []types.WrappedKey, files []types.FileDescriptor) error

	RecordCapability(ctx context.Context, jti, spaceID, did string, issuedAt time.Time) error
	CapabilityActive(ctx context.Context, jti string) (bool, error)
	RevokeCapabilities(ctx context.Context, spaceID, did string) (int64, error)
	CleanCapabilities(ctx context.Context, cutoff time.Time) (int64, error)

	PutFile(ctx context.Context, fd types.FileDescriptor) error
	Files(ctx context.Context, spaceID string) ([]types.FileDescriptor, error)

	AppendRecords(ctx context.Context, spaceID, authorDID, deviceID string, records []bbsync.PushRecord) ([]int64, uint32, error)
	ChangesAfter(ctx context.Context, spaceID string, afterSeq int64, limit int) ([]types.EncryptedRecord, error)
	LatestSequence(ctx context.Context, spaceID string) (int64, error)

	CheckPushIdempotency(ctx context.Context, pushID string) ([]byte, bool, error)
	RecordPushIdempotency(ctx context.Context, pushID, spaceID string, response []byte, ttl time.Duration) error
	CleanExpiredIdempotency(ctx context.Context) (int64, error)
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error

	Snapshot(ctx context.Context, destPath string) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
