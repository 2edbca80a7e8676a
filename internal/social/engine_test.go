package social

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vinefeed/internal/cache"
	"vinefeed/internal/nostr"
	"vinefeed/internal/relay"
	"vinefeed/internal/subs"
)

// fakeSigner fabricates events without real key material.
type fakeSigner struct {
	mu       sync.Mutex
	pubkey   string
	err      error
	declines bool
	created  []*nostr.Event
}

func (s *fakeSigner) PubKey() string { return s.pubkey }

func (s *fakeSigner) CreateAndSignEvent(ctx context.Context, kind int, content string, tags [][]string) (*nostr.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.declines {
		return nil, nil
	}
	evt := &nostr.Event{
		ID:        fmt.Sprintf("signed-%d", len(s.created)+1),
		PubKey:    s.pubkey,
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
		Sig:       "fake",
	}
	s.created = append(s.created, evt)
	return evt, nil
}

// fakeBroadcastPool records broadcasts and returns a configurable outcome.
type fakeBroadcastPool struct {
	mu         sync.Mutex
	broadcasts []*nostr.Event
	rejectAll  bool
	err        error
}

func (p *fakeBroadcastPool) Subscribe(ctx context.Context, filters []nostr.Filter) (*relay.Subscription, error) {
	return nil, errors.New("not used in these tests")
}

func (p *fakeBroadcastPool) Broadcast(ctx context.Context, event *nostr.Event) (*relay.BroadcastResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.broadcasts = append(p.broadcasts, event)
	if p.rejectAll {
		return &relay.BroadcastResult{Event: event, SuccessCount: 0, TotalRelays: 2}, nil
	}
	return &relay.BroadcastResult{Event: event, SuccessCount: 2, TotalRelays: 2}, nil
}

func (p *fakeBroadcastPool) broadcastCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.broadcasts)
}

func (p *fakeBroadcastPool) lastBroadcast() *nostr.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.broadcasts) == 0 {
		return nil
	}
	return p.broadcasts[len(p.broadcasts)-1]
}

// fakeQueryCoordinator answers queries synchronously from a fixed event set.
type fakeQueryCoordinator struct {
	mu     sync.Mutex
	events []nostr.Event
	err    error
	calls  int
}

func (c *fakeQueryCoordinator) CreateSubscription(ctx context.Context, req subs.Request) (string, error) {
	c.mu.Lock()
	c.calls++
	events := make([]nostr.Event, len(c.events))
	copy(events, c.events)
	err := c.err
	c.mu.Unlock()

	if err != nil {
		if req.OnError != nil {
			req.OnError(err)
		}
	} else {
		for _, evt := range events {
			for _, filter := range req.Filters {
				if filter.Matches(&evt) {
					req.OnEvent(evt)
					break
				}
			}
		}
	}
	if req.OnComplete != nil {
		req.OnComplete()
	}
	return "query-1", nil
}

func (c *fakeQueryCoordinator) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestEngine(t *testing.T) (*Engine, *fakeSigner, *fakeBroadcastPool, *cache.MemoryBackend) {
	t.Helper()
	signer := &fakeSigner{pubkey: "owner-pubkey"}
	pool := &fakeBroadcastPool{}
	backend := newTestBackend(t)
	return NewEngine(signer, pool, &fakeQueryCoordinator{}, backend), signer, pool, backend
}

func newTestBackend(t *testing.T) *cache.MemoryBackend {
	t.Helper()
	backend := cache.NewMemoryBackend(100, time.Minute)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestToggleLikeBroadcastsReaction(t *testing.T) {
	e, _, pool, _ := newTestEngine(t)

	require.NoError(t, e.ToggleLike(context.Background(), "video1", "alice"))
	assert.True(t, e.IsLiked("video1"))

	evt := pool.lastBroadcast()
	require.NotNil(t, evt)
	assert.Equal(t, nostr.KindReaction, evt.Kind)
	assert.Equal(t, "+", evt.Content)
	assert.Equal(t, [][]string{{"e", "video1"}, {"p", "alice"}}, evt.Tags)

	count, ok := e.LikeCount("video1")
	require.True(t, ok)
	assert.Equal(t, 1, count)
}

func TestToggleLikeSecondCallIsLocalOnlyUnlike(t *testing.T) {
	e, _, pool, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.ToggleLike(ctx, "video1", "alice"))
	require.NoError(t, e.ToggleLike(ctx, "video1", "alice"))

	assert.False(t, e.IsLiked("video1"))
	assert.Equal(t, 1, pool.broadcastCount(), "unlike never touches the network")

	count, _ := e.LikeCount("video1")
	assert.Equal(t, 0, count)
}

func TestToggleLikeUnauthenticatedIsSilentNoOp(t *testing.T) {
	pool := &fakeBroadcastPool{}
	e := NewEngine(nil, pool, &fakeQueryCoordinator{}, nil)

	require.NoError(t, e.ToggleLike(context.Background(), "video1", "alice"))
	assert.False(t, e.IsLiked("video1"))
	assert.Zero(t, pool.broadcastCount())
}

func TestToggleLikeTotalBroadcastFailureLeavesNoMark(t *testing.T) {
	e, _, pool, _ := newTestEngine(t)
	pool.rejectAll = true

	err := e.ToggleLike(context.Background(), "video1", "alice")
	assert.ErrorIs(t, err, ErrBroadcastFailed)
	assert.False(t, e.IsLiked("video1"))
}

func TestToggleLikeSignerFailure(t *testing.T) {
	e, signer, pool, _ := newTestEngine(t)
	signer.err = errors.New("hardware wallet unplugged")

	err := e.ToggleLike(context.Background(), "video1", "alice")
	assert.ErrorIs(t, err, ErrSignerFailed)
	assert.Zero(t, pool.broadcastCount())

	signer.err = nil
	signer.declines = true
	err = e.ToggleLike(context.Background(), "video1", "alice")
	assert.ErrorIs(t, err, ErrSignerFailed)
}

func TestFollowPublishesFullReplacementList(t *testing.T) {
	e, _, pool, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.FollowUser(ctx, "bob"))
	require.NoError(t, e.FollowUser(ctx, "carol"))

	evt := pool.lastBroadcast()
	require.NotNil(t, evt)
	assert.Equal(t, nostr.KindContacts, evt.Kind)
	assert.Equal(t, "", evt.Content)
	assert.Equal(t, [][]string{{"p", "bob"}, {"p", "carol"}}, evt.Tags, "p tags in addition order")

	assert.Equal(t, []string{"bob", "carol"}, e.Following())
	assert.True(t, e.IsFollowing("bob"))
}

func TestFollowAlreadyFollowingIsNoOp(t *testing.T) {
	e, _, pool, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.FollowUser(ctx, "bob"))
	require.NoError(t, e.FollowUser(ctx, "bob"))
	assert.Equal(t, 1, pool.broadcastCount())
}

func TestFollowBroadcastFailureRollsBack(t *testing.T) {
	e, _, pool, backend := newTestEngine(t)
	pool.rejectAll = true

	err := e.FollowUser(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrBroadcastFailed)
	assert.Empty(t, e.Following())

	_, found, _ := backend.Get(context.Background(), "following:owner-pubkey")
	assert.False(t, found, "nothing persisted on failure")
}

func TestFollowPersistsToBackend(t *testing.T) {
	e, _, _, backend := newTestEngine(t)

	require.NoError(t, e.FollowUser(context.Background(), "bob"))

	data, found, err := backend.Get(context.Background(), "following:owner-pubkey")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `["bob"]`, string(data))
}

func TestUnfollowRemovesAndRepublishes(t *testing.T) {
	e, _, pool, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.FollowUser(ctx, "bob"))
	require.NoError(t, e.FollowUser(ctx, "carol"))
	require.NoError(t, e.UnfollowUser(ctx, "bob"))

	evt := pool.lastBroadcast()
	require.NotNil(t, evt)
	assert.Equal(t, [][]string{{"p", "carol"}}, evt.Tags)
	assert.Equal(t, []string{"carol"}, e.Following())

	// Not following: no-op, no broadcast.
	before := pool.broadcastCount()
	require.NoError(t, e.UnfollowUser(ctx, "mallory"))
	assert.Equal(t, before, pool.broadcastCount())
}

func TestFollowListRehydratedOnConstruction(t *testing.T) {
	backend := newTestBackend(t)
	require.NoError(t, backend.Set(context.Background(), "following:owner-pubkey", []byte(`["bob","carol"]`), 0))

	e := NewEngine(&fakeSigner{pubkey: "owner-pubkey"}, &fakeBroadcastPool{}, &fakeQueryCoordinator{}, backend)
	assert.Equal(t, []string{"bob", "carol"}, e.Following())
}

func TestFollowerStats(t *testing.T) {
	coord := &fakeQueryCoordinator{events: []nostr.Event{
		{
			ID: "own-list", PubKey: "target", CreatedAt: 200, Kind: nostr.KindContacts,
			Tags: [][]string{{"p", "a"}, {"p", "b"}, {"p", "c"}},
		},
		{
			ID: "stale-own-list", PubKey: "target", CreatedAt: 100, Kind: nostr.KindContacts,
			Tags: [][]string{{"p", "a"}},
		},
		{
			ID: "f1", PubKey: "fan1", CreatedAt: 150, Kind: nostr.KindContacts,
			Tags: [][]string{{"p", "target"}},
		},
		{
			ID: "f2", PubKey: "fan2", CreatedAt: 150, Kind: nostr.KindContacts,
			Tags: [][]string{{"p", "target"}},
		},
		{
			ID: "f3", PubKey: "fan1", CreatedAt: 160, Kind: nostr.KindContacts,
			Tags: [][]string{{"p", "target"}},
		},
	}}
	e := NewEngine(&fakeSigner{pubkey: "owner-pubkey"}, &fakeBroadcastPool{}, coord, nil)

	stats := e.FollowerStats(context.Background(), "target")
	assert.Equal(t, 3, stats.Following, "counts the newest own list only")
	assert.Equal(t, 2, stats.Followers, "distinct referencing authors")

	// Second call is served from the stats cache.
	calls := coord.callCount()
	_ = e.FollowerStats(context.Background(), "target")
	assert.Equal(t, calls, coord.callCount())
}

func TestFollowerStatsRefreshAfterTTL(t *testing.T) {
	coord := &fakeQueryCoordinator{}
	e := NewEngine(&fakeSigner{pubkey: "owner-pubkey"}, &fakeBroadcastPool{}, coord, nil)

	_ = e.FollowerStats(context.Background(), "target")
	calls := coord.callCount()

	e.mu.Lock()
	entry := e.stats["target"]
	entry.fetched = entry.fetched.Add(-e.statsTTL - time.Second)
	e.stats["target"] = entry
	e.mu.Unlock()

	_ = e.FollowerStats(context.Background(), "target")
	assert.Greater(t, coord.callCount(), calls, "an expired entry triggers fresh queries")
}

func TestFollowerStatsDegradeToZeroOnQueryFailure(t *testing.T) {
	coord := &fakeQueryCoordinator{err: errors.New("relay timeout")}
	e := NewEngine(&fakeSigner{pubkey: "owner-pubkey"}, &fakeBroadcastPool{}, coord, nil)

	stats := e.FollowerStats(context.Background(), "target")
	assert.Equal(t, FollowerStats{Following: 0, Followers: 0}, stats)
}

func TestPublishRightToBeForgotten(t *testing.T) {
	e, _, pool, _ := newTestEngine(t)

	require.NoError(t, e.PublishRightToBeForgotten(context.Background()))

	evt := pool.lastBroadcast()
	require.NotNil(t, evt)
	assert.Equal(t, nostr.KindDeletionRequest, evt.Kind)
	assert.Equal(t, "Right to be forgotten: please remove all my content", evt.Content)
	assert.Equal(t, "owner-pubkey", evt.TagValue("p"))
	assert.Equal(t, []string{"21", "22", "34235", "34236"}, evt.TagValues("k"))
}

func TestPublishRightToBeForgottenFailsLoudly(t *testing.T) {
	unauth := NewEngine(nil, &fakeBroadcastPool{}, &fakeQueryCoordinator{}, nil)
	assert.ErrorIs(t, unauth.PublishRightToBeForgotten(context.Background()), ErrNotAuthenticated)

	e, signer, _, _ := newTestEngine(t)
	signer.declines = true
	assert.ErrorIs(t, e.PublishRightToBeForgotten(context.Background()), ErrSignerFailed)

	e2, _, pool2, _ := newTestEngine(t)
	pool2.rejectAll = true
	assert.ErrorIs(t, e2.PublishRightToBeForgotten(context.Background()), ErrBroadcastFailed)
}
