// Package notify is the relay's keyed broadcast channel. Delivery is
// best-effort and at-most-once: a subscriber whose queue is full misses the
// event and is expected to reconcile by polling.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// DefaultQueueSize is the per-subscriber buffer used when none is configured.
const DefaultQueueSize = 64

// Hub fans events out to subscribers keyed by identity DID.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]map[*Subscription]struct{}
	queueSize int
	dropped   atomic.Uint64
}

// Subscription receives events addressed to one DID.
type Subscription struct {
	C <-chan types.Event

	ch   chan types.Event
	key  string
	hub  *Hub
	once sync.Once
}

// NewHub returns a Hub whose subscribers buffer up to queueSize events.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		subs:      make(map[string]map[*Subscription]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe registers a new subscription for did. Each device holds its own.
func (h *Hub) Subscribe(did string) *Subscription {
	ch := make(chan types.Event, h.queueSize)
	sub := &Subscription{C: ch, ch: ch, key: did, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[did]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[did] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[s.key]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.key)
			}
		}
		close(s.ch)
	})
}

// Publish delivers ev to every subscription of each DID without blocking.
// It returns how many subscriptions received it.
func (h *Hub) Publish(ev types.Event, dids ...string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for _, did := range dids {
		for sub := range h.subs[did] {
			select {
			case sub.ch <- ev:
				delivered++
			default:
				h.dropped.Add(1)
			}
		}
	}
	return delivered
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Dropped returns how many deliveries were skipped because a queue was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
