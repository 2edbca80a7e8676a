package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"vinefeed/internal/metrics"
	"vinefeed/internal/nostr"
)

// Lookup is the read side of the event cache, injected into subscription
// creation so the coordinator can prune already-known event IDs from
// outgoing relay filters. Both methods are synchronous and non-blocking.
type Lookup interface {
	Has(id string) bool
	Get(id string) (*nostr.Event, bool)
}

// EventCache is a content-addressable store mapping event ID to raw event.
// Reads are served from an in-process map; an optional Backend receives
// write-through copies so the cache survives restarts. A backend miss is a
// redundant relay fetch, not a correctness problem, so hydration from the
// backend is best-effort.
type EventCache struct {
	events  sync.Map // event ID -> *nostr.Event
	backend Backend  // optional
	ttl     time.Duration
}

// NewEventCache creates an event cache. backend may be nil for a purely
// in-memory cache.
func NewEventCache(backend Backend, ttl time.Duration) *EventCache {
	return &EventCache{backend: backend, ttl: ttl}
}

func (c *EventCache) Has(id string) bool {
	_, ok := c.events.Load(id)
	if ok {
		metrics.EventCacheHits.Inc()
	} else {
		metrics.EventCacheMisses.Inc()
	}
	return ok
}

func (c *EventCache) Get(id string) (*nostr.Event, bool) {
	val, ok := c.events.Load(id)
	if !ok {
		return nil, false
	}
	return val.(*nostr.Event), true
}

// Put stores an event. Events are immutable, so an existing entry is left
// untouched.
func (c *EventCache) Put(evt *nostr.Event) {
	if evt == nil || evt.ID == "" {
		return
	}
	if _, loaded := c.events.LoadOrStore(evt.ID, evt); loaded {
		return
	}

	if c.backend != nil {
		data, err := json.Marshal(evt)
		if err != nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := c.backend.Set(ctx, "event:"+evt.ID, data, c.ttl); err != nil {
				slog.Debug("event cache write-through failed", "event_id", nostr.ShortID(evt.ID), "error", err)
			}
		}()
	}
}

// Hydrate loads the given event IDs from the backend into the in-process
// map. Missing or unreadable entries are skipped.
func (c *EventCache) Hydrate(ctx context.Context, ids []string) int {
	if c.backend == nil || len(ids) == 0 {
		return 0
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := c.events.Load(id); !ok {
			keys = append(keys, "event:"+id)
		}
	}
	if len(keys) == 0 {
		return 0
	}

	found, err := c.backend.GetMultiple(ctx, keys)
	if err != nil {
		slog.Debug("event cache hydrate failed", "keys", len(keys), "error", err)
		return 0
	}

	loaded := 0
	for _, data := range found {
		var evt nostr.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if evt.ID == "" {
			continue
		}
		if _, dup := c.events.LoadOrStore(evt.ID, &evt); !dup {
			loaded++
		}
	}
	return loaded
}

// Len reports the number of in-process entries.
func (c *EventCache) Len() int {
	n := 0
	c.events.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
