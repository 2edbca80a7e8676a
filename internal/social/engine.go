// Package social derives follow and reaction state from the relay event log
// with optimistic local mutation and rollback on failed broadcasts.
package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"vinefeed/internal/cache"
	"vinefeed/internal/nostr"
	"vinefeed/internal/relay"
	"vinefeed/internal/subs"
)

var (
	// ErrNotAuthenticated is returned by operations that refuse to run
	// without signing capability. Low-stakes toggles no-op instead.
	ErrNotAuthenticated = errors.New("authentication required")

	// ErrSignerFailed is returned when the signer declines to produce an event.
	ErrSignerFailed = errors.New("signer produced no event")

	// ErrBroadcastFailed is returned when no relay accepted the event.
	ErrBroadcastFailed = errors.New("broadcast reached no relays")
)

// LikeContent is the NIP-25 reaction content for a like.
const LikeContent = "+"

const deletionRequestContent = "Right to be forgotten: please remove all my content"

const followListQueryLimit = 500

// FollowerStats summarizes one pubkey's position in the follow graph.
type FollowerStats struct {
	Following int
	Followers int
}

// coordinator is the slice of the subscription coordinator the engine uses
// for log queries.
type coordinator interface {
	CreateSubscription(ctx context.Context, req subs.Request) (string, error)
}

// Engine maintains like and follow projections for one owner. A nil signer
// models a logged-out user: mutating operations silently no-op (or fail,
// for the deletion request) without touching local state.
type Engine struct {
	signer  nostr.Signer
	pool    relay.Pool
	coord   coordinator
	backend cache.Backend // durable follow-list storage, may be nil

	queryTimeout time.Duration
	followTTL    time.Duration // backend TTL for the persisted follow list
	statsTTL     time.Duration // how long cached follower stats stay fresh

	mu         sync.Mutex
	liked      map[string]bool
	likeCounts map[string]int
	following  []string // addition order
	stats      map[string]statsEntry
}

type statsEntry struct {
	stats   FollowerStats
	fetched time.Time
}

// NewEngine creates a social engine. The follow list is rehydrated from the
// backend immediately so follow state self-heals on launch before any
// network refresh.
func NewEngine(signer nostr.Signer, pool relay.Pool, coord coordinator, backend cache.Backend) *Engine {
	ttl := cache.DefaultConfig()
	e := &Engine{
		signer:       signer,
		pool:         pool,
		coord:        coord,
		backend:      backend,
		queryTimeout: 5 * time.Second,
		followTTL:    ttl.FollowListTTL,
		statsTTL:     ttl.StatsTTL,
		liked:        make(map[string]bool),
		likeCounts:   make(map[string]int),
		stats:        make(map[string]statsEntry),
	}
	e.loadFollowing()
	return e
}

func (e *Engine) authenticated() bool {
	return e.signer != nil
}

func (e *Engine) owner() string {
	if e.signer == nil {
		return ""
	}
	return e.signer.PubKey()
}

func (e *Engine) followKey() string {
	return "following:" + e.owner()
}

func (e *Engine) loadFollowing() {
	if e.backend == nil || !e.authenticated() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	data, found, err := e.backend.Get(ctx, e.followKey())
	if err != nil || !found {
		return
	}
	var following []string
	if err := json.Unmarshal(data, &following); err != nil {
		return
	}
	e.mu.Lock()
	e.following = following
	e.mu.Unlock()
}

func (e *Engine) persistFollowing(following []string) {
	if e.backend == nil {
		return
	}
	data, err := json.Marshal(following)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.backend.Set(ctx, e.followKey(), data, e.followTTL); err != nil {
		slog.Warn("failed to persist follow list", "error", err)
	}
}

// IsLiked reports the local like state for an event.
func (e *Engine) IsLiked(eventID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liked[eventID]
}

// LikeCount returns the cached like count for an event. The count is a
// cache, not ground truth; ok=false means unknown.
func (e *Engine) LikeCount(eventID string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.likeCounts[eventID]
	return n, ok
}

// ToggleLike likes the target on first call and unlikes it on the second.
// Liking signs and broadcasts a kind 7 reaction and marks local state only
// after at least one relay accepts it. Unliking is a local-only optimistic
// toggle with no network call. Logged-out callers are a silent no-op.
func (e *Engine) ToggleLike(ctx context.Context, targetEventID, targetAuthor string) error {
	if !e.authenticated() {
		return nil
	}

	e.mu.Lock()
	if e.liked[targetEventID] {
		// Second invocation: local-only unlike.
		e.liked[targetEventID] = false
		if n, ok := e.likeCounts[targetEventID]; ok && n > 0 {
			e.likeCounts[targetEventID] = n - 1
		}
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	tags := [][]string{
		{"e", targetEventID},
		{"p", targetAuthor},
	}
	evt, err := e.signer.CreateAndSignEvent(ctx, nostr.KindReaction, LikeContent, tags)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignerFailed, err)
	}
	if evt == nil {
		return ErrSignerFailed
	}

	res, err := e.pool.Broadcast(ctx, evt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	if !res.Succeeded() {
		return ErrBroadcastFailed
	}

	e.mu.Lock()
	e.liked[targetEventID] = true
	e.likeCounts[targetEventID]++
	e.mu.Unlock()
	return nil
}

// Following returns the owner's follow list in addition order.
func (e *Engine) Following() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.following))
	copy(out, e.following)
	return out
}

// IsFollowing reports whether the owner follows pubkey.
func (e *Engine) IsFollowing(pubkey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return containsStr(e.following, pubkey)
}

// FollowUser adds pubkey to the follow list by republishing the complete
// kind 3 list. Already-following is a no-op with no network call. Local
// state is applied and persisted only after at least one relay accepts the
// new list.
func (e *Engine) FollowUser(ctx context.Context, pubkey string) error {
	if !e.authenticated() {
		return nil
	}

	e.mu.Lock()
	if containsStr(e.following, pubkey) {
		e.mu.Unlock()
		return nil
	}
	updated := make([]string, len(e.following), len(e.following)+1)
	copy(updated, e.following)
	updated = append(updated, pubkey)
	e.mu.Unlock()

	return e.publishFollowList(ctx, updated)
}

// UnfollowUser removes pubkey from the follow list, symmetrically to
// FollowUser. Not-following is a no-op with no network call.
func (e *Engine) UnfollowUser(ctx context.Context, pubkey string) error {
	if !e.authenticated() {
		return nil
	}

	e.mu.Lock()
	if !containsStr(e.following, pubkey) {
		e.mu.Unlock()
		return nil
	}
	updated := make([]string, 0, len(e.following)-1)
	for _, pk := range e.following {
		if pk != pubkey {
			updated = append(updated, pk)
		}
	}
	e.mu.Unlock()

	return e.publishFollowList(ctx, updated)
}

// publishFollowList signs and broadcasts the complete membership as a kind 3
// event (full replacement semantics), then commits it locally.
func (e *Engine) publishFollowList(ctx context.Context, following []string) error {
	tags := make([][]string, 0, len(following))
	for _, pk := range following {
		tags = append(tags, []string{"p", pk})
	}

	evt, err := e.signer.CreateAndSignEvent(ctx, nostr.KindContacts, "", tags)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignerFailed, err)
	}
	if evt == nil {
		return ErrSignerFailed
	}

	res, err := e.pool.Broadcast(ctx, evt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	if !res.Succeeded() {
		return ErrBroadcastFailed
	}

	e.mu.Lock()
	e.following = following
	e.mu.Unlock()
	e.persistFollowing(following)
	return nil
}

// FollowerStats derives following/follower counts for pubkey from the
// relay log. Each half degrades to zero on query failure; results are
// cached per target until statsTTL elapses.
func (e *Engine) FollowerStats(ctx context.Context, pubkey string) FollowerStats {
	e.mu.Lock()
	if cached, ok := e.stats[pubkey]; ok {
		if e.statsTTL <= 0 || time.Since(cached.fetched) < e.statsTTL {
			e.mu.Unlock()
			return cached.stats
		}
		delete(e.stats, pubkey)
	}
	e.mu.Unlock()

	stats := FollowerStats{}

	ownList, err := e.queryEvents(ctx, "follower-stats-own", nostr.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{nostr.KindContacts},
		Limit:   1,
	})
	if err != nil {
		slog.Debug("following-count query degraded to zero", "pubkey", nostr.ShortID(pubkey), "error", err)
	} else if newest := newestEvent(ownList); newest != nil {
		stats.Following = len(newest.TagValues("p"))
	}

	referencing, err := e.queryEvents(ctx, "follower-stats-refs", nostr.Filter{
		Kinds: []int{nostr.KindContacts},
		PTags: []string{pubkey},
		Limit: followListQueryLimit,
	})
	if err != nil {
		slog.Debug("follower-count query degraded to zero", "pubkey", nostr.ShortID(pubkey), "error", err)
	} else {
		authors := make(map[string]bool)
		for i := range referencing {
			authors[referencing[i].PubKey] = true
		}
		stats.Followers = len(authors)
	}

	e.mu.Lock()
	e.stats[pubkey] = statsEntry{stats: stats, fetched: time.Now()}
	e.mu.Unlock()
	return stats
}

// queryEvents runs one bounded subscription to completion and returns
// everything it delivered. Query errors surface as an error alongside any
// partial results.
func (e *Engine) queryEvents(ctx context.Context, name string, filter nostr.Filter) ([]nostr.Event, error) {
	var (
		mu       sync.Mutex
		events   []nostr.Event
		queryErr error
	)
	done := make(chan struct{})
	var once sync.Once

	_, err := e.coord.CreateSubscription(ctx, subs.Request{
		Name:    name,
		Filters: []nostr.Filter{filter},
		Timeout: e.queryTimeout,
		OnEvent: func(evt nostr.Event) {
			mu.Lock()
			events = append(events, evt)
			mu.Unlock()
		},
		OnError: func(err error) {
			mu.Lock()
			queryErr = err
			mu.Unlock()
		},
		OnComplete: func() {
			once.Do(func() { close(done) })
		},
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return events, queryErr
}

// PublishRightToBeForgotten broadcasts a single kind 5 deletion request
// covering every video content kind. Unlike likes and follows this fails
// loudly: unauthenticated callers, signer failures, and zero-relay
// broadcasts are all reported errors.
func (e *Engine) PublishRightToBeForgotten(ctx context.Context) error {
	if !e.authenticated() {
		return ErrNotAuthenticated
	}

	tags := [][]string{{"p", e.owner()}}
	for _, kind := range nostr.VideoKinds {
		tags = append(tags, []string{"k", strconv.Itoa(kind)})
	}

	evt, err := e.signer.CreateAndSignEvent(ctx, nostr.KindDeletionRequest, deletionRequestContent, tags)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignerFailed, err)
	}
	if evt == nil {
		return ErrSignerFailed
	}

	res, err := e.pool.Broadcast(ctx, evt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	if !res.Succeeded() {
		return ErrBroadcastFailed
	}
	return nil
}

func newestEvent(events []nostr.Event) *nostr.Event {
	var newest *nostr.Event
	for i := range events {
		if newest == nil || events[i].CreatedAt > newest.CreatedAt {
			newest = &events[i]
		}
	}
	return newest
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
