package feed

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"vinefeed/internal/cache"
	"vinefeed/internal/nostr"
	"vinefeed/internal/subs"
)

// subscriber is the slice of the subscription coordinator the resolver
// needs; narrowed for injection in tests.
type subscriber interface {
	CreateSubscription(ctx context.Context, req subs.Request) (string, error)
	Unsubscribe(id string)
}

// RepostRef is the usable reference carried by a repost wrapper: either a
// direct event ID or an addressable coordinate, plus the expected original
// kinds.
type RepostRef struct {
	EventID string
	Coord   *nostr.Coordinate
	Kinds   []int
}

// ParseRepostRef extracts the reference from a kind 6 or kind 16 wrapper.
// A wrapper with no usable reference reports ok=false and is dropped by
// callers without error.
func ParseRepostRef(wrapper *nostr.Event) (RepostRef, bool) {
	switch wrapper.Kind {
	case nostr.KindRepost:
		id := wrapper.TagValue("e")
		if id == "" {
			return RepostRef{}, false
		}
		return RepostRef{EventID: id, Kinds: nostr.VideoKinds}, true

	case nostr.KindGenericRepost:
		kinds := nostr.VideoKinds
		if k := wrapper.TagValue("k"); k != "" {
			if kind, err := strconv.Atoi(k); err == nil {
				kinds = []int{kind}
			}
		}
		if id := wrapper.TagValue("e"); id != "" {
			return RepostRef{EventID: id, Kinds: kinds}, true
		}
		if a := wrapper.TagValue("a"); a != "" {
			coord, ok := nostr.ParseCoordinate(a)
			if !ok {
				return RepostRef{}, false
			}
			return RepostRef{Coord: &coord, Kinds: []int{coord.Kind}}, true
		}
		return RepostRef{}, false

	default:
		return RepostRef{}, false
	}
}

func (r RepostRef) key() string {
	if r.EventID != "" {
		return "e:" + r.EventID
	}
	return "a:" + r.Coord.String()
}

func (r RepostRef) filter() nostr.Filter {
	if r.EventID != "" {
		return nostr.Filter{IDs: []string{r.EventID}, Kinds: r.Kinds, Limit: 1}
	}
	return nostr.Filter{
		Authors: []string{r.Coord.PubKey},
		Kinds:   []int{r.Coord.Kind},
		DTags:   []string{r.Coord.DTag},
		Limit:   1,
	}
}

func (r RepostRef) matches(evt *nostr.Event) bool {
	if r.EventID != "" {
		return evt.ID == r.EventID
	}
	return evt.Kind == r.Coord.Kind &&
		evt.PubKey == r.Coord.PubKey &&
		evt.DTag() == r.Coord.DTag
}

// Resolver turns repost wrappers into their original content events,
// fetching unknown originals through the coordinator. Concurrent reposts of
// the same original collapse into one fetch.
type Resolver struct {
	coord        subscriber
	cache        *cache.EventCache
	group        singleflight.Group
	fetchTimeout time.Duration
}

// NewResolver creates a resolver. fetchTimeout bounds original-event
// fetches; zero selects a 5s default.
func NewResolver(coord subscriber, eventCache *cache.EventCache, fetchTimeout time.Duration) *Resolver {
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Second
	}
	return &Resolver{coord: coord, cache: eventCache, fetchTimeout: fetchTimeout}
}

// Resolve returns the original video event referenced by wrapper, or
// (nil, nil) when the wrapper is unusable, the original cannot be found, or
// the original is not video content. A repost never manufactures a video
// around non-video content.
func (r *Resolver) Resolve(ctx context.Context, wrapper *nostr.Event) (*nostr.Event, error) {
	ref, ok := ParseRepostRef(wrapper)
	if !ok {
		return nil, nil
	}

	if ref.EventID != "" {
		if evt, found := r.cache.Get(ref.EventID); found {
			if !nostr.IsVideoKind(evt.Kind) {
				return nil, nil
			}
			return evt, nil
		}
	}

	v, err, _ := r.group.Do(ref.key(), func() (interface{}, error) {
		return r.fetchOriginal(ctx, ref)
	})
	if err != nil {
		return nil, err
	}
	evt, _ := v.(*nostr.Event)
	if evt == nil {
		return nil, nil
	}
	if !nostr.IsVideoKind(evt.Kind) {
		return nil, nil
	}

	r.cache.Put(evt)
	return evt, nil
}

// fetchOriginal opens a bounded subscription for the reference and waits for
// the first matching event, the subscription's completion, or context
// cancellation.
func (r *Resolver) fetchOriginal(ctx context.Context, ref RepostRef) (*nostr.Event, error) {
	found := make(chan *nostr.Event, 1)
	done := make(chan struct{})
	var doneOnce sync.Once

	subID, err := r.coord.CreateSubscription(ctx, subs.Request{
		Name:    "repost-original",
		Filters: []nostr.Filter{ref.filter()},
		Cache:   r.cache,
		Timeout: r.fetchTimeout,
		OnEvent: func(evt nostr.Event) {
			if !ref.matches(&evt) {
				return
			}
			select {
			case found <- &evt:
			default:
			}
		},
		OnComplete: func() {
			doneOnce.Do(func() { close(done) })
		},
	})
	if err != nil {
		return nil, err
	}

	select {
	case evt := <-found:
		r.coord.Unsubscribe(subID)
		return evt, nil
	case <-done:
		// The completion signal may have raced a matching event.
		select {
		case evt := <-found:
			return evt, nil
		default:
			return nil, nil
		}
	case <-ctx.Done():
		r.coord.Unsubscribe(subID)
		return nil, ctx.Err()
	}
}
