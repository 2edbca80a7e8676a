// Package metrics exposes Prometheus instrumentation for the feed engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event cache metrics
var (
	EventCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vinefeed_event_cache_hits_total",
		Help: "Event cache existence-check hits",
	})

	EventCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vinefeed_event_cache_misses_total",
		Help: "Event cache existence-check misses",
	})
)

// Subscription coordinator metrics
var (
	SubscriptionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vinefeed_subscriptions_opened_total",
		Help: "Logical subscriptions opened",
	})

	RelayQueriesElided = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vinefeed_relay_queries_elided_total",
		Help: "Relay queries skipped because every requested ID was cached",
	})

	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vinefeed_events_delivered_total",
		Help: "Events delivered to subscription callbacks by source",
	}, []string{"source"}) // cache | relay

	DuplicateEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vinefeed_duplicate_events_dropped_total",
		Help: "Events suppressed by per-subscription deduplication",
	})
)

// Feed projection metrics
var (
	FeedVideos = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vinefeed_feed_videos_current",
		Help: "Videos currently held per feed",
	}, []string{"feed"})

	RepostsConsolidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vinefeed_reposts_consolidated_total",
		Help: "Repost wrappers merged into existing videos",
	})

	StaleEventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vinefeed_stale_events_rejected_total",
		Help: "Replaceable events rejected as older than the current entry",
	})
)

// Publish metrics
var (
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vinefeed_broadcasts_total",
		Help: "Event broadcasts by outcome",
	}, []string{"outcome"}) // ok | partial | failed

	PublishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vinefeed_publish_retries_total",
		Help: "Background publish retry attempts",
	})
)
