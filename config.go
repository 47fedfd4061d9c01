package offlinesync

import (
	"net/url"
	"strings"
	"time"

	"github.com/dgduncan/go-offline-sync/outbox"
	"github.com/dgduncan/go-offline-sync/responsecache"
	"github.com/dgduncan/go-offline-sync/syncer"
)

type Config struct {
	Cache responsecache.Config
	Queue outbox.Config
	Sync  syncer.Config

	// TTLOverrides cache matching URLs for a fixed time instead of the
	// cache default. The first override whose URI prefixes host+path wins.
	TTLOverrides []TTLOverride

	// MaxCacheableBytes is the largest response body kept in the cache.
	// Larger responses are passed through untouched.
	MaxCacheableBytes int64

	// ExcludePatterns are URL substrings never served from or written to
	// the cache, typically large payloads such as photos or exports.
	ExcludePatterns []string

	// QueueableEndpoints are URL substrings whose write requests are queued
	// when they cannot be sent.
	QueueableEndpoints []string

	// SyncOnStart drains the queue once when the engine starts online.
	SyncOnStart bool
}

type TTLOverride struct {
	URI string // eg. api.example.com/api/children

	Duration time.Duration // eg. 24h
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Cache:             responsecache.DefaultConfig(),
		Queue:             outbox.DefaultConfig(),
		Sync:              syncer.DefaultConfig(),
		MaxCacheableBytes: 512 * 1024,
		ExcludePatterns: []string{
			"/gallery",
			"/photos",
			"/export",
			"/download",
		},
		QueueableEndpoints: []string{
			"/attendance",
			"/messages",
			"/daily-activities",
			"/qr-action",
			"/leaves",
			"/reclamations",
			"/fees",
		},
	}
}

func (c Config) ttlFor(u *url.URL) time.Duration {
	for _, o := range c.TTLOverrides {
		if strings.HasPrefix(u.Host+u.Path, o.URI) {
			return o.Duration
		}
	}
	return 0
}

func (c Config) excluded(u *url.URL) bool {
	return containsAny(strings.ToLower(u.String()), c.ExcludePatterns)
}

func (c Config) queueable(u *url.URL) bool {
	return containsAny(strings.ToLower(u.String()), c.QueueableEndpoints)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
