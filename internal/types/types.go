package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// SpaceKind distinguishes single-owner spaces from multi-member spaces.
type SpaceKind string

const (
	SpacePersonal SpaceKind = "personal"
	SpaceShared   SpaceKind = "shared"
)

// Role is a member's permission level within a space.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleWrite Role = "write"
)

// MemberStatus is the lifecycle state of a membership.
// pending → joined | declined; joined → removed.
type MemberStatus string

const (
	StatusPending  MemberStatus = "pending"
	StatusJoined   MemberStatus = "joined"
	StatusDeclined MemberStatus = "declined"
	StatusRemoved  MemberStatus = "removed"
)

// InvitationStatus mirrors the recipient-side view of an invitation.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationRevoked  InvitationStatus = "revoked"
)

// EventType classifies notification channel events.
type EventType string

const (
	EventSync       EventType = "sync"
	EventInvitation EventType = "invitation"
	EventRevocation EventType = "revocation"
)

// Field is a single field value with its own CRDT metadata.
// Versioning is per field, never per record.
type Field struct {
	Value    json.RawMessage `json:"value"`
	Clock    uint64          `json:"clock"`
	AuthorID string          `json:"author"`
}

// EditEntry is one link of a record's tamper-evident edit chain.
type EditEntry struct {
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	PrevHash  string    `json:"prev_hash"`
}

// Record is a replicated, field-versioned document.
// A tombstoned record keeps its id and space but no field data.
type Record struct {
	ID             string           `json:"id"`
	Collection     string           `json:"collection"`
	SpaceID        string           `json:"space_id"`
	Fields         map[string]Field `json:"fields"`
	Deleted        bool             `json:"deleted"`
	DeleteClock    uint64           `json:"delete_clock,omitempty"`
	DeletedBy      string           `json:"deleted_by,omitempty"`
	Epoch          uint32           `json:"epoch"`
	EditChain      []EditEntry      `json:"edit_chain"`
	EditChainValid bool             `json:"edit_chain_valid"`
}

// Decode unmarshals the named field into v.
// Returns false if the field is absent.
func (r *Record) Decode(name string, v any) (bool, error) {
	f, ok := r.Fields[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(f.Value, v); err != nil {
		return true, fmt.Errorf("decode field %q: %w", name, err)
	}
	return true, nil
}

// Values returns the decoded field values keyed by field name.
func (r *Record) Values() map[string]any {
	out := make(map[string]any, len(r.Fields))
	for name, f := range r.Fields {
		var v any
		if err := json.Unmarshal(f.Value, &v); err == nil {
			out[name] = v
		}
	}
	return out
}

// FieldNames returns the record's field names in sorted order.
func (r *Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MaxClock returns the highest Lamport clock carried by the record,
// including the tombstone clock.
func (r *Record) MaxClock() uint64 {
	max := r.DeleteClock
	for _, f := range r.Fields {
		if f.Clock > max {
			max = f.Clock
		}
	}
	return max
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Fields != nil {
		c.Fields = make(map[string]Field, len(r.Fields))
		for k, f := range r.Fields {
			v := make(json.RawMessage, len(f.Value))
			copy(v, f.Value)
			f.Value = v
			c.Fields[k] = f
		}
	}
	if r.EditChain != nil {
		c.EditChain = append([]EditEntry(nil), r.EditChain...)
	}
	return &c
}

// Epoch is one generation of a space's symmetric key.
type Epoch struct {
	Number uint32
	Key    []byte
}

// Space is the local view of an access-control and encryption boundary.
// Role and Status describe the local identity's membership.
type Space struct {
	ID           string       `json:"id"`
	Kind         SpaceKind    `json:"kind"`
	CreatedBy    string       `json:"created_by"`
	CurrentEpoch uint32       `json:"current_epoch"`
	Role         Role         `json:"role"`
	Status       MemberStatus `json:"status"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Member is one membership instance in a space. Re-invitation after removal
// creates a new Member with a new MembershipID.
type Member struct {
	MembershipID string       `json:"membership_id"`
	SpaceID      string       `json:"space_id"`
	DID          string       `json:"did"`
	Handle       string       `json:"handle"`
	Role         Role         `json:"role"`
	Status       MemberStatus `json:"status"`
	InvitedBy    string       `json:"invited_by,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Invitation is a pending membership offer addressed to a recipient.
type Invitation struct {
	ID              string           `json:"id"`
	SpaceID         string           `json:"space_id"`
	InvitedBy       string           `json:"invited_by"`
	Status          InvitationStatus `json:"status"`
	RecipientHandle string           `json:"recipient_handle"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Cursor is a per-device, per-space bookmark into the relay's change log.
type Cursor struct {
	SpaceID      string `json:"space_id"`
	DeviceID     string `json:"device_id"`
	LastSequence int64  `json:"last_sequence"`
}

// FileDescriptor references an encrypted file. The DEK is wrapped under the
// space epoch key and is re-wrapped, never re-encrypted, on rotation.
type FileDescriptor struct {
	FileID     string `json:"file_id"`
	RecordID   string `json:"record_id"`
	SpaceID    string `json:"space_id"`
	Epoch      uint32 `json:"epoch"`
	WrappedDEK []byte `json:"wrapped_dek"`
}

// EncryptedRecord is a record state as the relay stores it: opaque apart
// from routing metadata.
type EncryptedRecord struct {
	Sequence   int64     `json:"sequence"`
	SpaceID    string    `json:"space_id"`
	RecordID   string    `json:"record_id"`
	Epoch      uint32    `json:"epoch"`
	AuthorDID  string    `json:"author_did"`
	DeviceID   string    `json:"device_id"`
	Envelope   []byte    `json:"envelope"`
	ReceivedAt time.Time `json:"received_at"`
}

// WrappedKey is an epoch key sealed to a single member's identity key.
type WrappedKey struct {
	SpaceID   string `json:"space_id"`
	Epoch     uint32 `json:"epoch"`
	MemberDID string `json:"member_did"`
	Sealed    []byte `json:"sealed"`
}

// Identity is a public directory entry.
type Identity struct {
	DID       string `json:"did"`
	Handle    string `json:"handle"`
	PublicKey []byte `json:"public_key"`
}

// Event is a best-effort notification. Consumers must tolerate loss and
// duplicates.
type Event struct {
	Type    EventType `json:"type"`
	SpaceID string    `json:"space_id"`
	RefID   string    `json:"ref_id,omitempty"`
}

// PersonalSpaceID returns the deterministic id of an identity's personal space.
func PersonalSpaceID(did string) string {
	return "personal:" + did
}
