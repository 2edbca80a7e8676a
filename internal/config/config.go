// Package config loads runtime configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"vinefeed/internal/nostr"
)

// DefaultRelays are queried when RELAYS is unset.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// Config holds everything the process needs at startup.
type Config struct {
	// Relays is the relay pool membership, from RELAYS (comma separated).
	Relays []string

	// RedisURL enables the Redis cache backend when set (REDIS_URL).
	// Empty falls back to the in-process memory backend.
	RedisURL string

	// ListenAddr serves /metrics and health checks (LISTEN_ADDR).
	ListenAddr string

	// PrivateKey is the hex signing key (NOSTR_PRIVATE_KEY). Empty runs
	// the engine read-only: social and curation publishing are disabled.
	PrivateKey string

	// SubscriptionTimeout bounds each relay subscription when no
	// end-of-stored-events arrives (SUBSCRIPTION_TIMEOUT, Go duration).
	SubscriptionTimeout time.Duration
}

// Load reads the environment and fills in defaults. Malformed values are
// logged and replaced by their defaults rather than failing startup.
func Load() *Config {
	cfg := &Config{
		Relays:              DefaultRelays,
		RedisURL:            os.Getenv("REDIS_URL"),
		ListenAddr:          ":8080",
		PrivateKey:          os.Getenv("NOSTR_PRIVATE_KEY"),
		SubscriptionTimeout: 8 * time.Second,
	}

	if raw := os.Getenv("RELAYS"); raw != "" {
		var relays []string
		for _, r := range strings.Split(raw, ",") {
			normalized := nostr.NormalizeRelayURL(r)
			if normalized == "" {
				if strings.TrimSpace(r) != "" {
					slog.Warn("dropping invalid relay URL", "url", strings.TrimSpace(r))
				}
				continue
			}
			relays = append(relays, normalized)
		}
		if len(relays) > 0 {
			cfg.Relays = relays
		}
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}

	if raw := os.Getenv("SUBSCRIPTION_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			slog.Warn("ignoring invalid SUBSCRIPTION_TIMEOUT", "value", raw)
		} else {
			cfg.SubscriptionTimeout = d
		}
	}

	return cfg
}
