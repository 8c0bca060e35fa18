// Package editchain maintains the hash-linked authorship chain carried by
// every record. Each acknowledged push appends one entry whose PrevHash is
// the hash of the entry before it; the genesis entry has an empty PrevHash.
package editchain

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// Hash returns the hex digest of an entry. Timestamps are normalized to UTC
// so a chain hashes identically after a JSON round trip.
func Hash(e types.EditEntry) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(e.Author))
	h.Write([]byte{0})
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Tail returns the hash of the last entry, or "" for an empty chain.
func Tail(chain []types.EditEntry) string {
	if len(chain) == 0 {
		return ""
	}
	return Hash(chain[len(chain)-1])
}

// Append returns a new chain with one entry for author at ts linked to the
// current tail. The input slice is not modified.
func Append(chain []types.EditEntry, author string, ts time.Time) []types.EditEntry {
	out := make([]types.EditEntry, len(chain), len(chain)+1)
	copy(out, chain)
	return append(out, types.EditEntry{
		Author:    author,
		Timestamp: ts.UTC().Round(0),
		PrevHash:  Tail(chain),
	})
}

// Verify re-walks the chain and checks every hash link.
// An empty chain is valid.
func Verify(chain []types.EditEntry) bool {
	prev := ""
	for _, e := range chain {
		if e.PrevHash != prev {
			return false
		}
		prev = Hash(e)
	}
	return true
}

// Resolve deterministically picks one of two divergent chains for the same
// record: a valid chain beats an invalid one, then the longer chain wins,
// then the greater tail hash. The result is independent of argument order.
func Resolve(a, b []types.EditEntry) []types.EditEntry {
	if better(b, a) {
		return clone(b)
	}
	return clone(a)
}

func better(x, y []types.EditEntry) bool {
	vx, vy := Verify(x), Verify(y)
	if vx != vy {
		return vx
	}
	if len(x) != len(y) {
		return len(x) > len(y)
	}
	return Tail(x) > Tail(y)
}

func clone(chain []types.EditEntry) []types.EditEntry {
	if chain == nil {
		return nil
	}
	return append([]types.EditEntry(nil), chain...)
}
