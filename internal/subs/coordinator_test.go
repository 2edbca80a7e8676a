package subs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vinefeed/internal/cache"
	"vinefeed/internal/nostr"
	"vinefeed/internal/relay"
)

// fakePool records Subscribe calls and hands back subscriptions the test
// can push events into.
type fakePool struct {
	mu           sync.Mutex
	calls        [][]nostr.Filter
	subs         []*relay.Subscription
	subscribeErr error
}

func (p *fakePool) Subscribe(ctx context.Context, filters []nostr.Filter) (*relay.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, filters)
	if p.subscribeErr != nil {
		return nil, p.subscribeErr
	}
	s := &relay.Subscription{
		ID:     "fake",
		Events: make(chan nostr.Event, 64),
		EOSE:   make(chan struct{}),
		Done:   make(chan struct{}),
	}
	p.subs = append(p.subs, s)
	return s, nil
}

func (p *fakePool) Broadcast(ctx context.Context, event *nostr.Event) (*relay.BroadcastResult, error) {
	return &relay.BroadcastResult{Event: event, SuccessCount: 1, TotalRelays: 1}, nil
}

func (p *fakePool) subscribeCalls() [][]nostr.Filter {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]nostr.Filter, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *fakePool) sub(i int) *relay.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[i]
}

// collector gathers delivered events and completion signals.
type collector struct {
	mu       sync.Mutex
	events   []nostr.Event
	errs     []error
	complete chan struct{}
}

func newCollector() *collector {
	return &collector{complete: make(chan struct{})}
}

func (c *collector) request(name string, filters []nostr.Filter, lookup cache.Lookup) Request {
	var once sync.Once
	return Request{
		Name:    name,
		Filters: filters,
		Cache:   lookup,
		OnEvent: func(evt nostr.Event) {
			c.mu.Lock()
			c.events = append(c.events, evt)
			c.mu.Unlock()
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
		},
		OnComplete: func() {
			once.Do(func() { close(c.complete) })
		},
	}
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.ID)
	}
	return out
}

func (c *collector) waitComplete(t *testing.T) {
	t.Helper()
	select {
	case <-c.complete:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never completed")
	}
}

func cachedEvents(ids ...string) *cache.EventCache {
	c := cache.NewEventCache(nil, time.Hour)
	for _, id := range ids {
		c.Put(&nostr.Event{ID: id, Kind: nostr.KindShortVideo})
	}
	return c
}

func TestCachedIDsPrunedFromOutgoingFilters(t *testing.T) {
	pool := &fakePool{}
	coord := NewCoordinator(pool, clockwork.NewRealClock())
	defer coord.Close()

	lookup := cachedEvents("cached1", "cached2")
	col := newCollector()

	_, err := coord.CreateSubscription(context.Background(), col.request("feed", []nostr.Filter{
		{IDs: []string{"cached1", "uncached", "cached2"}},
	}, lookup))
	require.NoError(t, err)

	// Cached events arrive synchronously, in listing order, before any
	// relay traffic.
	assert.Equal(t, []string{"cached1", "cached2"}, col.ids())

	calls := pool.subscribeCalls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 1)
	assert.Equal(t, []string{"uncached"}, calls[0][0].IDs)
}

func TestFullySatisfiedSubscriptionElidesRelayQuery(t *testing.T) {
	pool := &fakePool{}
	coord := NewCoordinator(pool, clockwork.NewRealClock())
	defer coord.Close()

	lookup := cachedEvents("a", "b")
	col := newCollector()

	_, err := coord.CreateSubscription(context.Background(), col.request("feed", []nostr.Filter{
		{IDs: []string{"a", "b"}},
	}, lookup))
	require.NoError(t, err)

	col.waitComplete(t)
	assert.Equal(t, []string{"a", "b"}, col.ids())
	assert.Empty(t, pool.subscribeCalls(), "no relay subscription should be opened")
}

func TestFiltersWithoutIDsPassThroughUnchanged(t *testing.T) {
	pool := &fakePool{}
	coord := NewCoordinator(pool, clockwork.NewRealClock())
	defer coord.Close()

	lookup := cachedEvents("a")
	col := newCollector()

	filters := []nostr.Filter{{Kinds: []int{nostr.KindShortVideo}, Limit: 10}}
	_, err := coord.CreateSubscription(context.Background(), col.request("feed", filters, lookup))
	require.NoError(t, err)

	calls := pool.subscribeCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, filters, calls[0])
}

func TestPerSubscriptionDedupe(t *testing.T) {
	pool := &fakePool{}
	coord := NewCoordinator(pool, clockwork.NewRealClock())
	defer coord.Close()

	col := newCollector()
	_, err := coord.CreateSubscription(context.Background(), col.request("feed", []nostr.Filter{
		{Kinds: []int{nostr.KindShortVideo}},
	}, nil))
	require.NoError(t, err)

	sub := pool.sub(0)
	sub.Events <- nostr.Event{ID: "dup", Kind: nostr.KindShortVideo}
	sub.Events <- nostr.Event{ID: "dup", Kind: nostr.KindShortVideo}
	sub.Events <- nostr.Event{ID: "other", Kind: nostr.KindShortVideo}
	close(sub.EOSE)

	col.waitComplete(t)
	assert.Equal(t, []string{"dup", "other"}, col.ids())
}

func TestDedupeIsPerSubscriptionNotGlobal(t *testing.T) {
	pool := &fakePool{}
	coord := NewCoordinator(pool, clockwork.NewRealClock())
	defer coord.Close()

	colA, colB := newCollector(), newCollector()
	_, err := coord.CreateSubscription(context.Background(), colA.request("a", []nostr.Filter{{Kinds: []int{22}}}, nil))
	require.NoError(t, err)
	_, err = coord.CreateSubscription(context.Background(), colB.request("b", []nostr.Filter{{Kinds: []int{22}}}, nil))
	require.NoError(t, err)

	evt := nostr.Event{ID: "shared", Kind: nostr.KindShortVideo}
	for i := 0; i < 2; i++ {
		sub := pool.sub(i)
		sub.Events <- evt
		close(sub.EOSE)
	}

	colA.waitComplete(t)
	colB.waitComplete(t)
	assert.Equal(t, []string{"shared"}, colA.ids())
	assert.Equal(t, []string{"shared"}, colB.ids())
}

func TestTimeoutCompletesSubscription(t *testing.T) {
	pool := &fakePool{}
	fc := clockwork.NewFakeClock()
	coord := NewCoordinator(pool, fc)
	defer coord.Close()

	col := newCollector()
	req := col.request("slow", []nostr.Filter{{Kinds: []int{22}}}, nil)
	req.Timeout = 3 * time.Second

	_, err := coord.CreateSubscription(context.Background(), req)
	require.NoError(t, err)

	// Wait until run() is parked on the timer, then fire it. No EOSE ever
	// arrives from this relay.
	fc.BlockUntil(1)
	fc.Advance(3 * time.Second)

	col.waitComplete(t)
	assert.Empty(t, col.ids())
	require.Eventually(t, func() bool { return coord.ActiveCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEventsBufferedBeforeEOSEAreDelivered(t *testing.T) {
	pool := &fakePool{}
	coord := NewCoordinator(pool, clockwork.NewRealClock())
	defer coord.Close()

	col := newCollector()
	_, err := coord.CreateSubscription(context.Background(), col.request("feed", []nostr.Filter{{Kinds: []int{22}}}, nil))
	require.NoError(t, err)

	sub := pool.sub(0)
	sub.Events <- nostr.Event{ID: "e1", Kind: 22}
	sub.Events <- nostr.Event{ID: "e2", Kind: 22}
	close(sub.EOSE)

	col.waitComplete(t)
	assert.ElementsMatch(t, []string{"e1", "e2"}, col.ids())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	pool := &fakePool{}
	coord := NewCoordinator(pool, clockwork.NewRealClock())
	defer coord.Close()

	col := newCollector()
	id, err := coord.CreateSubscription(context.Background(), col.request("feed", []nostr.Filter{{Kinds: []int{22}}}, nil))
	require.NoError(t, err)
	require.Equal(t, 1, coord.ActiveCount())

	coord.Unsubscribe(id)
	require.Eventually(t, func() bool { return coord.ActiveCount() == 0 }, time.Second, 10*time.Millisecond)

	// Late events must not reach the callback.
	select {
	case pool.sub(0).Events <- nostr.Event{ID: "late", Kind: 22}:
	default:
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, col.ids())

	// Unknown IDs are a no-op.
	coord.Unsubscribe("nonexistent")
}

func TestSubscribeFailureReportedAsynchronously(t *testing.T) {
	pool := &fakePool{subscribeErr: errors.New("relay pool down")}
	coord := NewCoordinator(pool, clockwork.NewRealClock())
	defer coord.Close()

	lookup := cachedEvents("have")
	col := newCollector()

	_, err := coord.CreateSubscription(context.Background(), col.request("feed", []nostr.Filter{
		{IDs: []string{"have", "need"}},
	}, lookup))
	require.NoError(t, err, "relay failure must not surface synchronously")

	col.waitComplete(t)
	assert.Equal(t, []string{"have"}, col.ids(), "cached portion still delivered")

	col.mu.Lock()
	defer col.mu.Unlock()
	require.Len(t, col.errs, 1)
}

func TestCreateSubscriptionValidation(t *testing.T) {
	coord := NewCoordinator(&fakePool{}, clockwork.NewRealClock())
	defer coord.Close()

	_, err := coord.CreateSubscription(context.Background(), Request{
		Filters: []nostr.Filter{{}},
	})
	assert.ErrorIs(t, err, ErrMissingOnEvent)

	_, err = coord.CreateSubscription(context.Background(), Request{
		OnEvent: func(nostr.Event) {},
	})
	assert.ErrorIs(t, err, ErrNoFilters)
}

func TestCloseIsIdempotentAndRejectsNewSubscriptions(t *testing.T) {
	coord := NewCoordinator(&fakePool{}, clockwork.NewRealClock())
	coord.Close()
	coord.Close()

	_, err := coord.CreateSubscription(context.Background(), Request{
		Filters: []nostr.Filter{{}},
		OnEvent: func(nostr.Event) {},
	})
	assert.ErrorIs(t, err, ErrClosed)
}
