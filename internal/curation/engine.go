// Package curation manages locally owned video lists and their best-effort
// projection onto relays as addressable list events.
package curation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"vinefeed/internal/cache"
	"vinefeed/internal/metrics"
	"vinefeed/internal/nostr"
	"vinefeed/internal/relay"
)

var (
	ErrListNotFound = errors.New("curated list not found")

	// ErrReorderMismatch is returned when a reorder's id set is not exactly
	// the current membership.
	ErrReorderMismatch = errors.New("reorder must be a permutation of the current videos")
)

const (
	// DefaultDebounce is the window within which repeated publish requests
	// for the same list collapse into one broadcast.
	DefaultDebounce = 300 * time.Millisecond

	// DefaultRetryBase is the backoff base: the nth retry waits base·2^n.
	DefaultRetryBase = 2 * time.Second

	// DefaultMaxAttempts caps publish retries; local state survives either way.
	DefaultMaxAttempts = 5

	sweepInterval = time.Second

	clientTag = "vinefeed"
)

// Engine owns curated-list state for one user. All CRUD applies to local
// state synchronously and unconditionally; network publication happens only
// for public lists, asynchronously, behind a debounce window and a capped
// exponential-backoff retry sweep.
type Engine struct {
	signer  nostr.Signer // nil disables publication, never local CRUD
	pool    relay.Pool
	backend cache.Backend // durable list storage, may be nil
	clock   clockwork.Clock
	rng     *rand.Rand

	debounce    time.Duration
	retryBase   time.Duration
	maxAttempts int
	storageTTL  time.Duration // backend TTL for persisted lists

	mu      sync.Mutex
	lists   map[string]*CuratedList
	status  map[string]*PublishStatus
	pending map[string]clockwork.Timer // armed debounce timers by list id
	dirty   map[string]bool            // edited while a publish was in flight
	rngMu   sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewEngine creates a curation engine and starts its retry sweep. Persisted
// lists are rehydrated from the backend before the engine is returned.
func NewEngine(signer nostr.Signer, pool relay.Pool, backend cache.Backend, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	e := &Engine{
		signer:      signer,
		pool:        pool,
		backend:     backend,
		clock:       clock,
		rng:         rand.New(rand.NewSource(clock.Now().UnixNano())),
		debounce:    DefaultDebounce,
		retryBase:   DefaultRetryBase,
		maxAttempts: DefaultMaxAttempts,
		storageTTL:  cache.DefaultConfig().CuratedListTTL,
		lists:       make(map[string]*CuratedList),
		status:      make(map[string]*PublishStatus),
		pending:     make(map[string]clockwork.Timer),
		dirty:       make(map[string]bool),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	e.loadLists()
	go e.retrySweep()
	return e
}

// Close stops the retry sweep and cancels any armed debounce timers.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.mu.Lock()
		for id, t := range e.pending {
			t.Stop()
			delete(e.pending, id)
		}
		e.mu.Unlock()
	})
	<-e.done
}

func (e *Engine) owner() string {
	if e.signer == nil {
		return ""
	}
	return e.signer.PubKey()
}

func (e *Engine) storageKey() string {
	return "curatedlists:" + e.owner()
}

func (e *Engine) loadLists() {
	if e.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	data, found, err := e.backend.Get(ctx, e.storageKey())
	if err != nil || !found {
		return
	}
	var lists []CuratedList
	if err := json.Unmarshal(data, &lists); err != nil {
		slog.Warn("discarding unreadable persisted curated lists", "error", err)
		return
	}
	for i := range lists {
		l := lists[i]
		e.lists[l.ID] = &l
	}
}

// persistLocked snapshots every list to the backend. Callers hold e.mu.
func (e *Engine) persistLocked() {
	if e.backend == nil {
		return
	}
	lists := make([]CuratedList, 0, len(e.lists))
	for _, l := range e.lists {
		lists = append(lists, l.clone())
	}
	data, err := json.Marshal(lists)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := e.backend.Set(ctx, e.storageKey(), data, e.storageTTL); err != nil {
			slog.Warn("failed to persist curated lists", "error", err)
		}
	}()
}

// CreateList creates a list locally and, when public, schedules publication.
func (e *Engine) CreateList(name, description, imageURL string, isPublic bool) CuratedList {
	now := e.clock.Now()
	list := &CuratedList{
		ID:          uuid.NewString(),
		OwnerPubKey: e.owner(),
		Name:        name,
		Description: description,
		ImageURL:    imageURL,
		IsPublic:    isPublic,
		PlayOrder:   PlayOrderChronological,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	e.mu.Lock()
	e.lists[list.ID] = list
	out := list.clone()
	e.persistLocked()
	e.mu.Unlock()

	if isPublic {
		e.requestPublish(list.ID)
	}
	return out
}

// GetList returns a copy of the list.
func (e *Engine) GetList(listID string) (CuratedList, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, ok := e.lists[listID]
	if !ok {
		return CuratedList{}, false
	}
	return list.clone(), true
}

// Lists returns copies of every list, newest first.
func (e *Engine) Lists() []CuratedList {
	e.mu.Lock()
	out := make([]CuratedList, 0, len(e.lists))
	for _, l := range e.lists {
		out = append(out, l.clone())
	}
	e.mu.Unlock()

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.After(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// UpdateDetails replaces the list's name, description, image and visibility.
func (e *Engine) UpdateDetails(listID, name, description, imageURL string, isPublic bool) error {
	err := e.mutate(listID, func(l *CuratedList) {
		l.Name = name
		l.Description = description
		l.ImageURL = imageURL
		l.IsPublic = isPublic
	})
	return err
}

// AddVideo appends an event id to the list, ignoring duplicates.
func (e *Engine) AddVideo(listID, eventID string) error {
	return e.mutate(listID, func(l *CuratedList) {
		if !l.contains(eventID) {
			l.VideoEventIDs = append(l.VideoEventIDs, eventID)
		}
	})
}

// RemoveVideo drops an event id from the list; absent ids are a no-op.
func (e *Engine) RemoveVideo(listID, eventID string) error {
	return e.mutate(listID, func(l *CuratedList) {
		kept := l.VideoEventIDs[:0]
		for _, id := range l.VideoEventIDs {
			if id != eventID {
				kept = append(kept, id)
			}
		}
		l.VideoEventIDs = kept
	})
}

// SetPlayOrder changes how OrderedVideoIDs materializes the list.
func (e *Engine) SetPlayOrder(listID string, order PlayOrder) error {
	return e.mutate(listID, func(l *CuratedList) {
		l.PlayOrder = order
	})
}

// mutate applies fn to the list, bumps UpdatedAt, persists, and schedules
// publication when the list is public.
func (e *Engine) mutate(listID string, fn func(*CuratedList)) error {
	e.mu.Lock()
	list, ok := e.lists[listID]
	if !ok {
		e.mu.Unlock()
		return ErrListNotFound
	}
	fn(list)
	list.UpdatedAt = e.clock.Now()
	public := list.IsPublic
	e.persistLocked()
	e.mu.Unlock()

	if public {
		e.requestPublish(listID)
	}
	return nil
}

// DeleteList removes the list locally and abandons any pending publication.
func (e *Engine) DeleteList(listID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.lists[listID]; !ok {
		return ErrListNotFound
	}
	delete(e.lists, listID)
	delete(e.status, listID)
	delete(e.dirty, listID)
	if t, ok := e.pending[listID]; ok {
		t.Stop()
		delete(e.pending, listID)
	}
	e.persistLocked()
	return nil
}

// ReorderVideos replaces the stored order with newOrder. After internal
// de-duplication, newOrder must be exactly the current membership set;
// anything missing or extra rejects the whole operation with no mutation.
// Success forces PlayOrder to manual.
func (e *Engine) ReorderVideos(listID string, newOrder []string) error {
	deduped := make([]string, 0, len(newOrder))
	seen := make(map[string]bool, len(newOrder))
	for _, id := range newOrder {
		if !seen[id] {
			seen[id] = true
			deduped = append(deduped, id)
		}
	}

	e.mu.Lock()
	list, ok := e.lists[listID]
	if !ok {
		e.mu.Unlock()
		return ErrListNotFound
	}
	if len(deduped) != len(list.VideoEventIDs) {
		e.mu.Unlock()
		return ErrReorderMismatch
	}
	for _, id := range list.VideoEventIDs {
		if !seen[id] {
			e.mu.Unlock()
			return ErrReorderMismatch
		}
	}
	list.VideoEventIDs = deduped
	list.PlayOrder = PlayOrderManual
	list.UpdatedAt = e.clock.Now()
	public := list.IsPublic
	e.persistLocked()
	e.mu.Unlock()

	if public {
		e.requestPublish(listID)
	}
	return nil
}

// OrderedVideoIDs materializes the list according to its play order. Shuffle
// computes a fresh permutation on every call.
func (e *Engine) OrderedVideoIDs(listID string) ([]string, error) {
	e.mu.Lock()
	list, ok := e.lists[listID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrListNotFound
	}
	ids := make([]string, len(list.VideoEventIDs))
	copy(ids, list.VideoEventIDs)
	order := list.PlayOrder
	e.mu.Unlock()

	switch order {
	case PlayOrderReverse:
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	case PlayOrderShuffle:
		e.rngMu.Lock()
		e.rng.Shuffle(len(ids), func(i, j int) {
			ids[i], ids[j] = ids[j], ids[i]
		})
		e.rngMu.Unlock()
	}
	return ids, nil
}

// Status returns the publication status for a list, if it was ever scheduled.
func (e *Engine) Status(listID string) (PublishStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.status[listID]
	if !ok {
		return PublishStatus{}, false
	}
	return *st, true
}

// ShouldRetry reports whether the retry sweep still considers the list.
func (e *Engine) ShouldRetry(listID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.status[listID]
	if !ok {
		return false
	}
	return !st.IsPublished && st.FailedAttempts > 0 && st.FailedAttempts < e.maxAttempts
}

// requestPublish arms (or reuses) the debounce timer for the list. Requests
// landing while a timer is armed coalesce into the single pending broadcast,
// which always snapshots the latest local state when it fires.
func (e *Engine) requestPublish(listID string) {
	if e.signer == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, armed := e.pending[listID]; armed {
		return
	}
	if st, ok := e.status[listID]; ok && st.IsPublishing {
		e.dirty[listID] = true
		return
	}
	e.pending[listID] = e.clock.AfterFunc(e.debounce, func() {
		e.mu.Lock()
		delete(e.pending, listID)
		e.mu.Unlock()
		e.publish(listID)
	})
}

// publish signs the current snapshot and broadcasts it. Failure never rolls
// back list state; it only advances the retry schedule.
func (e *Engine) publish(listID string) {
	e.mu.Lock()
	list, ok := e.lists[listID]
	if !ok || !list.IsPublic {
		e.mu.Unlock()
		return
	}
	snapshot := list.clone()

	st, ok := e.status[listID]
	if !ok {
		st = &PublishStatus{EntityID: listID}
		e.status[listID] = st
	}
	if st.IsPublishing {
		e.dirty[listID] = true
		e.mu.Unlock()
		return
	}
	st.IsPublishing = true
	e.mu.Unlock()

	eventID, err := e.broadcastList(snapshot)

	e.mu.Lock()
	st.IsPublishing = false
	if err != nil {
		st.IsPublished = false
		st.FailedAttempts++
		st.LastFailureReason = err.Error()
		if st.FailedAttempts < e.maxAttempts {
			delay := e.retryBase << uint(st.FailedAttempts)
			st.NextRetryAt = e.clock.Now().Add(delay)
		} else {
			st.NextRetryAt = time.Time{}
			slog.Warn("giving up on list publication, keeping local state",
				"list_id", listID, "attempts", st.FailedAttempts, "reason", st.LastFailureReason)
		}
	} else {
		st.IsPublished = true
		st.PublishedEventID = eventID
		st.FailedAttempts = 0
		st.LastFailureReason = ""
		st.NextRetryAt = time.Time{}
	}
	redo := e.dirty[listID]
	delete(e.dirty, listID)
	e.mu.Unlock()

	if redo {
		e.requestPublish(listID)
	}
}

func (e *Engine) broadcastList(list CuratedList) (string, error) {
	tags := [][]string{
		{"d", list.ID},
		{"title", list.Name},
	}
	if list.Description != "" {
		tags = append(tags, []string{"description", list.Description})
	}
	if list.ImageURL != "" {
		tags = append(tags, []string{"image", list.ImageURL})
	}
	for _, id := range list.VideoEventIDs {
		tags = append(tags, []string{"e", id})
	}
	tags = append(tags, []string{"client", clientTag})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	evt, err := e.signer.CreateAndSignEvent(ctx, nostr.KindCuratedVideoList, "", tags)
	if err != nil {
		return "", err
	}
	if evt == nil {
		return "", errors.New("signer produced no event")
	}

	res, err := e.pool.Broadcast(ctx, evt)
	if err != nil {
		return "", err
	}
	if !res.Succeeded() {
		return "", errors.New("no relay accepted the list event")
	}
	return evt.ID, nil
}

// retrySweep periodically republishes failed public lists whose backoff
// delay has elapsed, until the attempt cap.
func (e *Engine) retrySweep() {
	defer close(e.done)
	ticker := e.clock.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.Chan():
			now := e.clock.Now()
			var due []string
			e.mu.Lock()
			for id, st := range e.status {
				if st.IsPublished || st.IsPublishing || st.FailedAttempts == 0 {
					continue
				}
				if st.FailedAttempts >= e.maxAttempts || st.NextRetryAt.IsZero() {
					continue
				}
				if list, ok := e.lists[id]; ok && list.IsPublic && !now.Before(st.NextRetryAt) {
					due = append(due, id)
				}
			}
			e.mu.Unlock()

			for _, id := range due {
				metrics.PublishRetries.Inc()
				e.publish(id)
			}
		}
	}
}
