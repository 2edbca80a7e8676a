// Package relay defines the relay-pool capability the feed engine consumes
// and a gorilla/websocket implementation of it.
package relay

import (
	"context"
	"sync"

	"vinefeed/internal/nostr"
)

// Pool is the relay-pool capability: open filtered event streams and
// broadcast signed events. Implementations must be safe for concurrent use.
type Pool interface {
	// Subscribe opens one relay-facing subscription carrying the given
	// filters. Events arrive on the returned Subscription until EOSE,
	// Close, or context cancellation.
	Subscribe(ctx context.Context, filters []nostr.Filter) (*Subscription, error)

	// Broadcast publishes a signed event to every relay in the pool.
	Broadcast(ctx context.Context, event *nostr.Event) (*BroadcastResult, error)
}

// Subscription is an active relay subscription. EOSE is closed once every
// reachable relay has signalled end-of-stored-events; Done is closed when
// the subscription is finished for any reason.
type Subscription struct {
	ID     string
	Events chan nostr.Event
	EOSE   chan struct{}
	Done   chan struct{}

	closeOnce sync.Once
	onClose   func()
}

// Close terminates the subscription exactly once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.Done)
	})
}

// BroadcastResult reports per-relay publish outcomes.
type BroadcastResult struct {
	Event        *nostr.Event
	SuccessCount int
	TotalRelays  int
	Results      map[string]bool   // relay URL -> accepted
	Errors       map[string]string // relay URL -> failure reason
}

// Succeeded reports overall success: at least one relay accepted the event.
func (r *BroadcastResult) Succeeded() bool {
	return r != nil && r.SuccessCount > 0
}
