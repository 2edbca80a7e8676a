// Package subs coordinates named, filtered logical subscriptions against a
// relay pool, pruning already-cached event IDs out of outgoing queries.
package subs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"vinefeed/internal/cache"
	"vinefeed/internal/metrics"
	"vinefeed/internal/nostr"
	"vinefeed/internal/relay"
)

// DefaultTimeout bounds a logical subscription when the caller does not
// supply one. Relays that never send EOSE must not hold a subscription open
// forever.
const DefaultTimeout = 8 * time.Second

var (
	ErrClosed         = errors.New("subscription coordinator is closed")
	ErrMissingOnEvent = errors.New("subscription request requires an OnEvent callback")
	ErrNoFilters      = errors.New("subscription request requires at least one filter")
)

// Request describes a logical subscription.
type Request struct {
	// Name labels the subscription for logging and handle bookkeeping.
	Name string

	Filters []nostr.Filter

	// Cache enables ID pruning: IDs already present are resolved locally
	// and removed from the outgoing filters. nil disables pruning.
	Cache cache.Lookup

	OnEvent    func(nostr.Event)
	OnError    func(error)
	OnComplete func()

	// Timeout bounds the subscription; DefaultTimeout when zero.
	Timeout time.Duration
}

// Handle is the bookkeeping record for one live logical subscription.
type Handle struct {
	ID        string
	Name      string
	Filters   []nostr.Filter
	CreatedAt time.Time
}

type logical struct {
	handle   Handle
	stop     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	seen map[string]bool
}

func (l *logical) cancel() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// markSeen records an event ID, reporting whether it was already delivered
// on this subscription.
func (l *logical) markSeen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[id] {
		return true
	}
	l.seen[id] = true
	return false
}

// Coordinator owns logical subscriptions and delivers each matching event at
// most once per subscription. Deduplication is per logical subscription, not
// global: two live subscriptions may each receive the same event.
type Coordinator struct {
	pool           relay.Pool
	clock          clockwork.Clock
	defaultTimeout time.Duration

	mu     sync.Mutex
	subs   map[string]*logical
	closed bool
}

// NewCoordinator creates a coordinator over the given pool. clock may be a
// fake in tests; pass clockwork.NewRealClock() in production.
func NewCoordinator(pool relay.Pool, clock clockwork.Clock) *Coordinator {
	return &Coordinator{
		pool:           pool,
		clock:          clock,
		defaultTimeout: DefaultTimeout,
		subs:           make(map[string]*logical),
	}
}

// CreateSubscription resolves cached IDs locally, opens a relay subscription
// for whatever remains, and returns the logical subscription ID. Relay-side
// failures are reported through OnError, never as a synchronous error: the
// only synchronous errors are misuse (no callback, no filters) and a closed
// coordinator.
func (c *Coordinator) CreateSubscription(ctx context.Context, req Request) (string, error) {
	if req.OnEvent == nil {
		return "", ErrMissingOnEvent
	}
	if len(req.Filters) == 0 {
		return "", ErrNoFilters
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.mu.Unlock()

	id := req.Name + "-" + uuid.NewString()[:8]
	l := &logical{
		handle: Handle{
			ID:        id,
			Name:      req.Name,
			Filters:   req.Filters,
			CreatedAt: c.clock.Now(),
		},
		stop: make(chan struct{}),
		seen: make(map[string]bool),
	}

	outgoing, cached := pruneFilters(req.Filters, req.Cache)

	// Cached events are delivered synchronously, in listing order, before
	// any relay traffic for this subscription.
	for _, evt := range cached {
		if l.markSeen(evt.ID) {
			continue
		}
		metrics.EventsDelivered.WithLabelValues("cache").Inc()
		req.OnEvent(evt)
	}

	if len(outgoing) == 0 {
		// Fully satisfied locally: open no relay subscription at all.
		metrics.RelayQueriesElided.Inc()
		slog.Debug("subscription elided, cache satisfied all filters",
			"name", req.Name, "cached", len(cached))
		if req.OnComplete != nil {
			req.OnComplete()
		}
		return id, nil
	}

	rsub, err := c.pool.Subscribe(ctx, outgoing)
	if err != nil {
		// Degrade to an empty result; the cached portion was already
		// delivered.
		slog.Warn("relay subscribe failed", "name", req.Name, "error", err)
		go func() {
			if req.OnError != nil {
				req.OnError(err)
			}
			if req.OnComplete != nil {
				req.OnComplete()
			}
		}()
		return id, nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		rsub.Close()
		return "", ErrClosed
	}
	c.subs[id] = l
	c.mu.Unlock()

	metrics.SubscriptionsOpened.Inc()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	go c.run(l, rsub, req, timeout)

	return id, nil
}

// pruneFilters splits each ID-constrained filter into cached and uncached
// portions. Filters whose ID list empties out are dropped; filters with no
// ID constraint pass through unchanged. Returned cached events follow the
// filters' ID listing order.
func pruneFilters(filters []nostr.Filter, lookup cache.Lookup) ([]nostr.Filter, []nostr.Event) {
	if lookup == nil {
		return filters, nil
	}

	var outgoing []nostr.Filter
	var cached []nostr.Event

	for _, f := range filters {
		if len(f.IDs) == 0 {
			outgoing = append(outgoing, f)
			continue
		}

		var uncached []string
		for _, id := range f.IDs {
			if lookup.Has(id) {
				if evt, ok := lookup.Get(id); ok {
					cached = append(cached, *evt)
					continue
				}
				// Has/Get raced with an eviction; treat as uncached.
			}
			uncached = append(uncached, id)
		}

		if len(uncached) == 0 {
			continue // fully satisfied, drop the filter
		}
		f.IDs = uncached
		outgoing = append(outgoing, f)
	}

	return outgoing, cached
}

// run pumps relay events into the caller's callback until EOSE, timeout,
// cancellation, or coordinator shutdown, whichever happens first.
func (c *Coordinator) run(l *logical, rsub *relay.Subscription, req Request, timeout time.Duration) {
	defer rsub.Close()
	defer c.remove(l.handle.ID)

	timer := c.clock.After(timeout)

	deliver := func(evt nostr.Event) {
		if l.markSeen(evt.ID) {
			metrics.DuplicateEventsDropped.Inc()
			return
		}
		metrics.EventsDelivered.WithLabelValues("relay").Inc()
		req.OnEvent(evt)
	}

	complete := func() {
		// Events already queued ahead of the completion signal still
		// belong to this subscription.
		for {
			select {
			case evt := <-rsub.Events:
				deliver(evt)
			default:
				if req.OnComplete != nil {
					req.OnComplete()
				}
				return
			}
		}
	}

	for {
		select {
		case <-l.stop:
			return
		case evt := <-rsub.Events:
			deliver(evt)
		case <-rsub.EOSE:
			complete()
			return
		case <-rsub.Done:
			complete()
			return
		case <-timer:
			slog.Debug("subscription timed out", "name", req.Name, "timeout", timeout)
			complete()
			return
		}
	}
}

func (c *Coordinator) remove(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// Unsubscribe stops delivery for the logical subscription immediately and
// releases the underlying relay subscription. Unknown IDs are a no-op.
func (c *Coordinator) Unsubscribe(id string) {
	c.mu.Lock()
	l := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if l != nil {
		l.cancel()
	}
}

// ActiveCount reports the number of live logical subscriptions.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close cancels every outstanding subscription. Safe to call repeatedly.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*logical, 0, len(c.subs))
	for _, l := range c.subs {
		subs = append(subs, l)
	}
	c.subs = make(map[string]*logical)
	c.mu.Unlock()

	for _, l := range subs {
		l.cancel()
	}
}
