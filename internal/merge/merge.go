// Package merge resolves two states of the same record into one.
//
// The merge is a join over per-field last-writer-wins registers ordered by
// (clock, author, value) plus an absorbing tombstone flag, so it is
// commutative, associative and idempotent. Replicas that have seen the same
// set of updates converge regardless of delivery order.
package merge

import (
	"bytes"
	"encoding/json"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/editchain"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// Field returns the winning state of a single field.
// Higher clock wins; equal clocks fall back to the greater author id and
// finally to the greater encoded value.
func Field(local, remote types.Field) types.Field {
	if wins(remote, local) {
		return remote
	}
	return local
}

func wins(a, b types.Field) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	if a.AuthorID != b.AuthorID {
		return a.AuthorID > b.AuthorID
	}
	return bytes.Compare(a.Value, b.Value) > 0
}

// Records merges two states of the same record id. Either side may be nil.
// A tombstone on either side wins: the result is deleted, carries no field
// data, and keeps the highest delete clock seen.
func Records(local, remote *types.Record) *types.Record {
	switch {
	case local == nil && remote == nil:
		return nil
	case local == nil:
		return normalize(remote.Clone())
	case remote == nil:
		return normalize(local.Clone())
	}

	out := &types.Record{
		ID:         maxString(local.ID, remote.ID),
		Collection: maxString(local.Collection, remote.Collection),
		SpaceID:    maxString(local.SpaceID, remote.SpaceID),
		Epoch:      max(local.Epoch, remote.Epoch),
		EditChain:  editchain.Resolve(local.EditChain, remote.EditChain),
	}
	out.EditChainValid = editchain.Verify(out.EditChain)

	if local.Deleted || remote.Deleted {
		out.Deleted = true
		out.Fields = map[string]types.Field{}
		out.DeleteClock, out.DeletedBy = tombstone(local, remote)
		return out
	}

	out.Fields = make(map[string]types.Field, len(local.Fields)+len(remote.Fields))
	for name, f := range local.Fields {
		out.Fields[name] = copyField(f)
	}
	for name, rf := range remote.Fields {
		if lf, ok := out.Fields[name]; ok {
			out.Fields[name] = Field(lf, copyField(rf))
			continue
		}
		out.Fields[name] = copyField(rf)
	}
	return out
}

// Changed reports whether merging remote into local would alter local.
func Changed(local, remote *types.Record) bool {
	merged := Records(local, remote)
	return !Equal(local, merged)
}

// Equal reports whether two record states carry the same replicated data.
func Equal(a, b *types.Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID || a.Deleted != b.Deleted || a.DeleteClock != b.DeleteClock ||
		a.DeletedBy != b.DeletedBy || a.Epoch != b.Epoch || a.SpaceID != b.SpaceID ||
		a.Collection != b.Collection {
		return false
	}
	if editchain.Tail(a.EditChain) != editchain.Tail(b.EditChain) || len(a.EditChain) != len(b.EditChain) {
		return false
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for name, fa := range a.Fields {
		fb, ok := b.Fields[name]
		if !ok || fa.Clock != fb.Clock || fa.AuthorID != fb.AuthorID || !bytes.Equal(fa.Value, fb.Value) {
			return false
		}
	}
	return true
}

func tombstone(local, remote *types.Record) (uint64, string) {
	switch {
	case !remote.Deleted:
		return local.DeleteClock, local.DeletedBy
	case !local.Deleted:
		return remote.DeleteClock, remote.DeletedBy
	case local.DeleteClock != remote.DeleteClock:
		if local.DeleteClock > remote.DeleteClock {
			return local.DeleteClock, local.DeletedBy
		}
		return remote.DeleteClock, remote.DeletedBy
	default:
		return local.DeleteClock, maxString(local.DeletedBy, remote.DeletedBy)
	}
}

func normalize(r *types.Record) *types.Record {
	if r.Deleted {
		r.Fields = map[string]types.Field{}
	}
	r.EditChainValid = editchain.Verify(r.EditChain)
	return r
}

func copyField(f types.Field) types.Field {
	v := make(json.RawMessage, len(f.Value))
	copy(v, f.Value)
	f.Value = v
	return f
}

func maxString(a, b string) string {
	if a > b {
		return a
	}
	return b
}
