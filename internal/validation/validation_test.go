package validation

import (
	"errors"
	"strings"
	"testing"

	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

const testULID = "01HZX3Q4V5W6X7Y8Z9A0B1C2D3"

func fields(err error) []string {
	var errs Errors
	if !errors.As(err, &errs) {
		return nil
	}
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Field
	}
	return out
}

func TestPrimitives(t *testing.T) {
	tests := []struct {
		name    string
		err     *ValidationError
		wantErr bool
	}{
		{"utf8 ok", ValidateUTF8("f", "Hello, 世界"), false},
		{"utf8 bad", ValidateUTF8("f", string([]byte{0xff, 0xfe})), true},
		{"null bytes", ValidateNoNullBytes("f", "a\x00b"), true},
		{"max length multibyte at limit", ValidateMaxLength("f", "世界世", 3), false},
		{"max length exceeded", ValidateMaxLength("f", "abcd", 3), true},
		{"ulid ok", ValidateULID("f", testULID), false},
		{"ulid short", ValidateULID("f", "01ARZ3"), true},
		{"ulid bad char", ValidateULID("f", "01HZX3Q4V5W6X7Y8Z9A0B1C2DU"), true},
		{"required whitespace", ValidateRequired("f", "   "), true},
		{"enum case sensitive", ValidateEnum("f", "Write", []string{"write"}), true},
		{"range within", ValidateRange("f", 5, 1, 10), false},
		{"range above", ValidateRange("f", 11, 1, 10), true},
		{"handle ok", ValidateHandle("f", "alice.b-2"), false},
		{"handle upper", ValidateHandle("f", "Alice"), true},
		{"handle short", ValidateHandle("f", "al"), true},
		{"did ok", ValidateDID("f", "did:key:abc"), false},
		{"did bare prefix", ValidateDID("f", "did:key:"), true},
		{"did other method", ValidateDID("f", "did:web:example.com"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if (tt.err != nil) != tt.wantErr {
				t.Errorf("got %v, wantErr %v", tt.err, tt.wantErr)
			}
			if tt.err != nil && tt.err.Field != "f" {
				t.Errorf("error.Field = %q, want %q", tt.err.Field, "f")
			}
		})
	}
}

func TestCollector_ErrWrapsInvalid(t *testing.T) {
	c := &Collector{}
	if c.Err() != nil {
		t.Fatal("expected nil error from empty collector")
	}

	c.Add(nil)
	c.Add(&ValidationError{Field: "a", Message: "is required"})
	c.Add(&ValidationError{Field: "b", Message: "is required"})

	err := c.Err()
	if !errors.Is(err, types.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	if got := fields(err); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected fields %v", got)
	}
	if !strings.Contains(err.Error(), "a: is required") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestPush(t *testing.T) {
	valid := bbsync.PushRequest{
		PushID:   testULID,
		SpaceID:  "space-1",
		DeviceID: "dev-1",
		Records:  []bbsync.PushRecord{{RecordID: "r1", Epoch: 1, Envelope: []byte("x")}},
	}
	if err := Push(valid, 10); err != nil {
		t.Fatalf("expected valid push, got %v", err)
	}

	// Given: a push with every field wrong
	bad := bbsync.PushRequest{
		PushID:  "nope",
		Records: []bbsync.PushRecord{{Epoch: 0}},
	}

	// Then: each failure is reported with an indexed field name
	got := fields(Push(bad, 10))
	want := []string{"push_id", "space_id", "device_id", "records[0].record_id", "records[0].epoch", "records[0].envelope"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("fields = %v, want %v", got, want)
	}

	// Then: oversized batches are rejected
	big := valid
	big.Records = make([]bbsync.PushRecord, 11)
	for i := range big.Records {
		big.Records[i] = valid.Records[0]
	}
	if got := fields(Push(big, 10)); len(got) != 1 || got[0] != "records" {
		t.Errorf("expected records error, got %v", got)
	}
}

func TestPull(t *testing.T) {
	if err := Pull(bbsync.PullRequest{SpaceID: "s", After: 0, Limit: 100}, 1000); err != nil {
		t.Errorf("expected valid pull, got %v", err)
	}
	got := fields(Pull(bbsync.PullRequest{SpaceID: "s", After: -1, Limit: 0}, 1000))
	if strings.Join(got, ",") != "after,limit" {
		t.Errorf("unexpected fields %v", got)
	}
}

func TestInvite_RejectsAdminRole(t *testing.T) {
	err := Invite(bbsync.InviteRequest{SpaceID: "s", Handle: "bob", Role: types.RoleAdmin})
	if got := fields(err); len(got) != 1 || got[0] != "role" {
		t.Errorf("expected role error, got %v", got)
	}
}

func TestPublishEpoch_WrapsMustMatchEpoch(t *testing.T) {
	req := bbsync.PublishEpochRequest{
		SpaceID: "s",
		Epoch:   2,
		Wraps: []types.WrappedKey{
			{SpaceID: "s", Epoch: 2, MemberDID: "did:key:a", Sealed: []byte("x")},
			{SpaceID: "s", Epoch: 1, MemberDID: "did:key:b", Sealed: []byte("x")},
		},
		Files: []types.FileDescriptor{{FileID: "f", SpaceID: "other", Epoch: 2, WrappedDEK: []byte("d")}},
	}
	got := fields(PublishEpoch(req))
	if strings.Join(got, ",") != "wraps[1].epoch,files[0].space_id" {
		t.Errorf("unexpected fields %v", got)
	}
}

func TestRegister(t *testing.T) {
	if err := Register(bbsync.RegisterRequest{Handle: "alice", PublicKey: make([]byte, 32)}); err != nil {
		t.Errorf("expected valid registration, got %v", err)
	}
	got := fields(Register(bbsync.RegisterRequest{Handle: "A", PublicKey: []byte("short")}))
	if strings.Join(got, ",") != "handle,public_key" {
		t.Errorf("unexpected fields %v", got)
	}
}
