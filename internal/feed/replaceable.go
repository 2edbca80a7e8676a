package feed

import (
	"sync"

	"vinefeed/internal/metrics"
	"vinefeed/internal/nostr"
)

type replaceKey struct {
	kind   int
	pubkey string
	dtag   string
}

type replaceEntry struct {
	id        string
	createdAt int64
}

// ReplaceableIndex tracks the current event per (kind, pubkey, dTag) slot
// for replaceable and addressable kinds. Each view owns its own index, so
// the same slot can briefly differ across views until both observe the
// latest event.
type ReplaceableIndex struct {
	mu      sync.Mutex
	entries map[replaceKey]replaceEntry
}

func NewReplaceableIndex() *ReplaceableIndex {
	return &ReplaceableIndex{entries: make(map[replaceKey]replaceEntry)}
}

// Admit decides whether evt supersedes the slot's current entry and records
// it when it does. Non-replaceable kinds are exempt and always admitted.
// The check and the write happen under one lock so racing updates to the
// same slot tie-break atomically.
//
// Tie-break, in order: higher createdAt wins; at equal createdAt a
// different ID is accepted as a same-second alternate revision while the
// same ID is a redundant re-delivery; a strictly lower createdAt is a
// stale arrival and is rejected even with a fresh ID.
func (x *ReplaceableIndex) Admit(evt *nostr.Event) bool {
	if !nostr.IsReplaceable(evt.Kind) && !nostr.IsAddressable(evt.Kind) {
		return true
	}

	key := replaceKey{kind: evt.Kind, pubkey: evt.PubKey}
	if nostr.IsAddressable(evt.Kind) {
		key.dtag = evt.DTag()
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	cur, ok := x.entries[key]
	if !ok {
		x.entries[key] = replaceEntry{id: evt.ID, createdAt: evt.CreatedAt}
		return true
	}

	switch {
	case evt.CreatedAt > cur.createdAt:
		x.entries[key] = replaceEntry{id: evt.ID, createdAt: evt.CreatedAt}
		return true
	case evt.CreatedAt == cur.createdAt && evt.ID != cur.id:
		x.entries[key] = replaceEntry{id: evt.ID, createdAt: evt.CreatedAt}
		return true
	case evt.CreatedAt < cur.createdAt:
		metrics.StaleEventsRejected.Inc()
		return false
	default:
		// Same ID, same timestamp: redundant re-delivery.
		return false
	}
}

// CurrentID returns the ID of the event currently occupying the slot evt
// would map to, if any.
func (x *ReplaceableIndex) CurrentID(evt *nostr.Event) (string, bool) {
	key := replaceKey{kind: evt.Kind, pubkey: evt.PubKey}
	if nostr.IsAddressable(evt.Kind) {
		key.dtag = evt.DTag()
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	cur, ok := x.entries[key]
	return cur.id, ok
}
