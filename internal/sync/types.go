// Package sync defines the wire types exchanged between a replica and the
// relay. Payloads are opaque envelopes; the relay only sees routing metadata.
package sync

import (
	"time"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// PushRecord is one encrypted record state in a push batch.
type PushRecord struct {
	RecordID string `json:"record_id"`
	Epoch    uint32 `json:"epoch"`
	Envelope []byte `json:"envelope"`
}

// PushRequest is a batch of record states for one space.
// PushID makes retries idempotent.
type PushRequest struct {
	PushID   string       `json:"push_id"`
	SpaceID  string       `json:"space_id"`
	DeviceID string       `json:"device_id"`
	Records  []PushRecord `json:"records"`
}

// PushResponse carries the sequence assigned to each accepted record, in
// request order. Replayed is set when the response was served from the
// idempotency cache.
type PushResponse struct {
	Accepted       int     `json:"accepted"`
	Sequences      []int64 `json:"sequences"`
	RemoteSequence int64   `json:"remote_sequence"`
	CurrentEpoch   uint32  `json:"current_epoch"`
	Replayed       bool    `json:"replayed,omitempty"`
}

// PullRequest asks for records with sequence greater than After.
type PullRequest struct {
	SpaceID string `json:"space_id"`
	After   int64  `json:"after"`
	Limit   int    `json:"limit"`
}

// PullResponse is one page of the change log.
type PullResponse struct {
	Records        []types.EncryptedRecord `json:"records"`
	LastSequence   int64                   `json:"last_sequence"`
	LatestSequence int64                   `json:"latest_sequence"`
	HasMore        bool                    `json:"has_more"`
	CurrentEpoch   uint32                  `json:"current_epoch"`
}

// RegisterRequest publishes an identity in the relay directory.
type RegisterRequest struct {
	Handle    string `json:"handle"`
	PublicKey []byte `json:"public_key"`
}

// RegisterResponse returns the registered DID and a session token.
type RegisterResponse struct {
	DID          string `json:"did"`
	SessionToken string `json:"session_token"`
}

// CreateSpaceRequest creates a space at epoch 1. Wraps carries the creator's
// own epoch-1 wrap so other devices of the same identity can join in.
type CreateSpaceRequest struct {
	SpaceID string             `json:"space_id"`
	Kind    types.SpaceKind    `json:"kind"`
	Wraps   []types.WrappedKey `json:"wraps"`
}

// CapabilityResponse is a per-space sync capability.
type CapabilityResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InviteRequest invites the identity behind Handle. Wraps seal every
// existing epoch to the invitee; the relay releases them after accept.
type InviteRequest struct {
	SpaceID string             `json:"space_id"`
	Handle  string             `json:"handle"`
	Role    types.Role         `json:"role"`
	Wraps   []types.WrappedKey `json:"wraps"`
}

// InvitationsResponse lists invitations.
type InvitationsResponse struct {
	Invitations []types.Invitation `json:"invitations"`
}

// MembersResponse lists a space's memberships.
type MembersResponse struct {
	Members []types.Member `json:"members"`
}

// SpacesResponse lists the spaces the caller holds a membership in.
type SpacesResponse struct {
	Spaces []types.Space `json:"spaces"`
}

// RemoveMemberResponse reports the outcome of a removal.
type RemoveMemberResponse struct {
	MembershipID        string `json:"membership_id"`
	RevokedCapabilities int64  `json:"revoked_capabilities"`
}

// PublishEpochRequest publishes epoch current+1 with its wraps and
// re-wrapped file descriptors.
type PublishEpochRequest struct {
	SpaceID string                 `json:"space_id"`
	Epoch   uint32                 `json:"epoch"`
	Wraps   []types.WrappedKey     `json:"wraps"`
	Files   []types.FileDescriptor `json:"files"`
}

// PublishWrapsRequest adds wraps for existing epochs.
type PublishWrapsRequest struct {
	SpaceID string             `json:"space_id"`
	Wraps   []types.WrappedKey `json:"wraps"`
}

// KeyWrapsResponse lists wraps addressed to the caller. RotationRequired is
// set while a removed member still holds the current epoch.
type KeyWrapsResponse struct {
	Wraps            []types.WrappedKey `json:"wraps"`
	CurrentEpoch     uint32             `json:"current_epoch"`
	RotationRequired bool               `json:"rotation_required,omitempty"`
}

// MissingWrap names an epoch a joined member holds no wrap for.
type MissingWrap struct {
	SpaceID   string `json:"space_id"`
	Epoch     uint32 `json:"epoch"`
	MemberDID string `json:"member_did"`
}

// MissingWrapsResponse lists missing wraps for an admin to fill.
type MissingWrapsResponse struct {
	Missing []MissingWrap `json:"missing"`
}

// FilesResponse lists file descriptors.
type FilesResponse struct {
	Files []types.FileDescriptor `json:"files"`
}

// PushIdempotencyEntry tracks a processed push for idempotency.
type PushIdempotencyEntry struct {
	PushID    string    `json:"push_id"`
	SpaceID   string    `json:"space_id"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Pull page sizes.
const (
	DefaultPullLimit = 500
	MaxPullLimit     = 1000
)

// SyncMeta keys
const (
	SyncMetaSchemaVersion  = "schema_version"
	SyncMetaLastSnapshotAt = "last_snapshot_at"
	SyncMetaLastCleanupAt  = "last_cleanup_at"
)
