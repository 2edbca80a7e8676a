package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vinefeed/internal/cache"
	"vinefeed/internal/config"
	"vinefeed/internal/curation"
	"vinefeed/internal/feed"
	"vinefeed/internal/nostr"
	"vinefeed/internal/relay"
	"vinefeed/internal/social"
	"vinefeed/internal/subs"
)

const discoveryRefreshInterval = 30 * time.Second

func main() {
	InitLogger()

	cfg := config.Load()
	clock := clockwork.NewRealClock()

	backend := newBackend(cfg)
	defer backend.Close()

	eventCache := cache.NewEventCache(backend, cache.DefaultConfig().EventTTL)

	pool := relay.NewWSPool(cfg.Relays)
	defer pool.Close()

	coord := subs.NewCoordinator(pool, clock)
	defer coord.Close()

	resolver := feed.NewResolver(coord, eventCache, 0)
	projector := feed.NewProjector(resolver, eventCache)
	projector.OnChange(func(ft feed.FeedType) {
		slog.Debug("feed changed", "feed", string(ft), "videos", len(projector.Videos(ft)))
	})

	var signer nostr.Signer
	if cfg.PrivateKey != "" {
		s, err := nostr.NewLocalSigner(cfg.PrivateKey)
		if err != nil {
			slog.Error("invalid NOSTR_PRIVATE_KEY", "error", err)
			os.Exit(1)
		}
		signer = s
		slog.Info("signer ready", "pubkey", nostr.ShortID(s.PubKey()))
	} else {
		slog.Info("no signing key, running read-only")
	}

	socialEngine := social.NewEngine(signer, pool, coord, backend)
	curationEngine := curation.NewEngine(signer, pool, backend, clock)
	defer curationEngine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runDiscovery(ctx, coord, eventCache, projector, cfg.SubscriptionTimeout)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/feeds/discovery", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, projector.Videos(feed.FeedDiscovery))
	})
	mux.HandleFunc("/following", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, socialEngine.Following())
	})
	mux.HandleFunc("/lists", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, curationEngine.Lists())
	})
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		slog.Info("listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
}

// runDiscovery keeps the discovery feed warm: one bounded subscription per
// refresh window, each narrowed by the event cache so relays only see ids
// we have not stored yet.
func runDiscovery(ctx context.Context, coord *subs.Coordinator, eventCache *cache.EventCache, projector *feed.Projector, timeout time.Duration) {
	var since *int64

	refresh := func() {
		filters := []nostr.Filter{
			{Kinds: nostr.VideoKinds, Since: since, Limit: 200},
			{Kinds: []int{nostr.KindRepost, nostr.KindGenericRepost}, Since: since, Limit: 200},
		}
		start := time.Now().Unix()

		_, err := coord.CreateSubscription(ctx, subs.Request{
			Name:    "discovery",
			Filters: filters,
			Cache:   eventCache,
			Timeout: timeout,
			OnEvent: func(evt nostr.Event) {
				projector.Ingest(ctx, feed.FeedDiscovery, evt)
			},
			OnError: func(err error) {
				slog.Warn("discovery subscription degraded", "error", err)
			},
		})
		if err != nil {
			slog.Warn("discovery subscription failed", "error", err)
			return
		}
		since = &start
	}

	refresh()
	ticker := time.NewTicker(discoveryRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func newBackend(cfg *config.Config) cache.Backend {
	if cfg.RedisURL != "" {
		backend, err := cache.NewRedisBackend(cfg.RedisURL, "vinefeed")
		if err != nil {
			slog.Warn("redis unavailable, using memory backend", "error", err)
		} else {
			slog.Info("using redis cache backend")
			return backend
		}
	}
	return cache.NewMemoryBackend(10000, time.Minute)
}
