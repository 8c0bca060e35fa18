package validation

import (
	"fmt"
	"strings"

	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

const (
	MaxHandleLength   = 32
	MinHandleLength   = 3
	MaxIDLength       = 256
	MaxEnvelopeBytes  = 1 << 20
	didKeyPrefix      = "did:key:"
	handleAlphabet    = "abcdefghijklmnopqrstuvwxyz0123456789-_."
	maxWrapsPerUpdate = 10000
)

// ValidateHandle checks a directory handle: lowercase letters, digits and
// "-_." only.
func ValidateHandle(field, value string) *ValidationError {
	if len(value) < MinHandleLength || len(value) > MaxHandleLength {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be %d-%d characters", MinHandleLength, MaxHandleLength),
		}
	}
	for _, r := range value {
		if !strings.ContainsRune(handleAlphabet, r) {
			return &ValidationError{
				Field:   field,
				Message: "must contain only lowercase letters, digits, '-', '_' or '.'",
			}
		}
	}
	return nil
}

// ValidateDID checks for a did:key identifier.
func ValidateDID(field, value string) *ValidationError {
	if !strings.HasPrefix(value, didKeyPrefix) || len(value) == len(didKeyPrefix) {
		return &ValidationError{
			Field:   field,
			Message: "must be a did:key identifier",
		}
	}
	return nil
}

// ValidateID checks an opaque identifier such as a space or file id.
func ValidateID(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	if err := ValidateNoNullBytes(field, value); err != nil {
		return err
	}
	if err := ValidateUTF8(field, value); err != nil {
		return err
	}
	return ValidateMaxLength(field, value, MaxIDLength)
}

// Register validates an identity registration.
func Register(req bbsync.RegisterRequest) error {
	var c Collector
	c.Add(ValidateHandle("handle", req.Handle))
	if len(req.PublicKey) != 32 {
		c.Add(&ValidationError{Field: "public_key", Message: "must be 32 bytes"})
	}
	return c.Err()
}

// CreateSpace validates a space creation request.
func CreateSpace(req bbsync.CreateSpaceRequest) error {
	var c Collector
	c.Add(ValidateID("space_id", req.SpaceID))
	c.Add(ValidateEnum("kind", string(req.Kind), []string{string(types.SpacePersonal), string(types.SpaceShared)}))
	wraps(&c, req.SpaceID, req.Wraps)
	return c.Err()
}

// Invite validates an invitation request.
func Invite(req bbsync.InviteRequest) error {
	var c Collector
	c.Add(ValidateID("space_id", req.SpaceID))
	c.Add(ValidateHandle("handle", req.Handle))
	if req.Role != "" {
		c.Add(ValidateEnum("role", string(req.Role), []string{string(types.RoleWrite)}))
	}
	wraps(&c, req.SpaceID, req.Wraps)
	return c.Err()
}

// PublishEpoch validates an epoch publication.
func PublishEpoch(req bbsync.PublishEpochRequest) error {
	var c Collector
	c.Add(ValidateID("space_id", req.SpaceID))
	if req.Epoch < 2 {
		c.Add(&ValidationError{Field: "epoch", Message: "must be at least 2"})
	}
	wraps(&c, req.SpaceID, req.Wraps)
	for i, w := range req.Wraps {
		if w.Epoch != req.Epoch {
			c.Add(&ValidationError{Field: fmt.Sprintf("wraps[%d].epoch", i), Message: "must equal epoch"})
		}
	}
	for i, fd := range req.Files {
		c.Add(ValidateID(fmt.Sprintf("files[%d].file_id", i), fd.FileID))
		if fd.SpaceID != req.SpaceID {
			c.Add(&ValidationError{Field: fmt.Sprintf("files[%d].space_id", i), Message: "must equal space_id"})
		}
		if fd.Epoch != req.Epoch {
			c.Add(&ValidationError{Field: fmt.Sprintf("files[%d].epoch", i), Message: "must equal epoch"})
		}
		if len(fd.WrappedDEK) == 0 {
			c.Add(&ValidationError{Field: fmt.Sprintf("files[%d].wrapped_dek", i), Message: "is required"})
		}
	}
	return c.Err()
}

// PublishWraps validates a wrap publication for existing epochs.
func PublishWraps(req bbsync.PublishWrapsRequest) error {
	var c Collector
	c.Add(ValidateID("space_id", req.SpaceID))
	if len(req.Wraps) == 0 {
		c.Add(&ValidationError{Field: "wraps", Message: "is required"})
	}
	wraps(&c, req.SpaceID, req.Wraps)
	return c.Err()
}

// File validates a file descriptor upload.
func File(fd types.FileDescriptor) error {
	var c Collector
	c.Add(ValidateID("file_id", fd.FileID))
	c.Add(ValidateID("record_id", fd.RecordID))
	c.Add(ValidateID("space_id", fd.SpaceID))
	if fd.Epoch < 1 {
		c.Add(&ValidationError{Field: "epoch", Message: "must be at least 1"})
	}
	if len(fd.WrappedDEK) == 0 {
		c.Add(&ValidationError{Field: "wrapped_dek", Message: "is required"})
	}
	return c.Err()
}

func wraps(c *Collector, spaceID string, ws []types.WrappedKey) {
	if len(ws) > maxWrapsPerUpdate {
		c.Add(&ValidationError{Field: "wraps", Message: fmt.Sprintf("exceeds maximum of %d", maxWrapsPerUpdate)})
		return
	}
	for i, w := range ws {
		field := fmt.Sprintf("wraps[%d]", i)
		if w.SpaceID != spaceID {
			c.Add(&ValidationError{Field: field + ".space_id", Message: "must equal space_id"})
		}
		if w.Epoch < 1 {
			c.Add(&ValidationError{Field: field + ".epoch", Message: "must be at least 1"})
		}
		c.Add(ValidateDID(field+".member_did", w.MemberDID))
		if len(w.Sealed) == 0 {
			c.Add(&ValidationError{Field: field + ".sealed", Message: "is required"})
		}
	}
}

// Push validates a push batch. maxRecords bounds the batch size.
func Push(req bbsync.PushRequest, maxRecords int) error {
	var c Collector
	c.Add(ValidateULID("push_id", req.PushID))
	c.Add(ValidateID("space_id", req.SpaceID))
	c.Add(ValidateID("device_id", req.DeviceID))
	switch {
	case len(req.Records) == 0:
		c.Add(&ValidationError{Field: "records", Message: "is required"})
	case len(req.Records) > maxRecords:
		c.Add(&ValidationError{Field: "records", Message: fmt.Sprintf("exceeds maximum of %d", maxRecords)})
	}
	for i, r := range req.Records {
		field := fmt.Sprintf("records[%d]", i)
		c.Add(ValidateID(field+".record_id", r.RecordID))
		if r.Epoch < 1 {
			c.Add(&ValidationError{Field: field + ".epoch", Message: "must be at least 1"})
		}
		switch {
		case len(r.Envelope) == 0:
			c.Add(&ValidationError{Field: field + ".envelope", Message: "is required"})
		case len(r.Envelope) > MaxEnvelopeBytes:
			c.Add(&ValidationError{Field: field + ".envelope", Message: fmt.Sprintf("exceeds maximum of %d bytes", MaxEnvelopeBytes)})
		}
	}
	return c.Err()
}

// Pull validates a pull request.
func Pull(req bbsync.PullRequest, maxLimit int) error {
	var c Collector
	c.Add(ValidateID("space_id", req.SpaceID))
	if req.After < 0 {
		c.Add(&ValidationError{Field: "after", Message: "must be >= 0"})
	}
	c.Add(ValidateRange("limit", req.Limit, 1, maxLimit))
	return c.Err()
}
