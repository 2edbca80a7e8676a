package cache

import "time"

// Config holds cache TTL configuration
type Config struct {
	EventTTL       time.Duration
	FollowListTTL  time.Duration
	CuratedListTTL time.Duration
	StatsTTL       time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		EventTTL:       24 * time.Hour,   // Events are immutable, keep them long
		FollowListTTL:  0,                // Durable: follow state self-heals on next launch
		CuratedListTTL: 0,                // Durable: local-first list storage
		StatsTTL:       10 * time.Minute, // Follower counts refresh interval
	}
}
