package responsecache

import (
	"time"

	"github.com/dgduncan/go-offline-sync/stores"
)

type Config struct {
	// Capacity is the maximum number of entries held at once.
	Capacity int

	// DefaultTTL is used when Set is called with a non-positive ttl.
	DefaultTTL time.Duration

	// EvictBatch is how many of the oldest entries are dropped when a new
	// key arrives at capacity.
	EvictBatch int

	// QuotaEvictStep scales the eviction on each storage quota retry: attempt
	// n drops n*QuotaEvictStep of the oldest entries.
	QuotaEvictStep int

	// MaxPersistRetries bounds the quota recovery loop. When the last retry
	// still does not fit, the whole cache is cleared.
	MaxPersistRetries int

	// StorageKey is the record the cache persists under.
	StorageKey string
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Capacity:          50,
		DefaultTTL:        time.Hour,
		EvictBatch:        5,
		QuotaEvictStep:    10,
		MaxPersistRetries: 3,
		StorageKey:        stores.KeyResponseCache,
	}
}

// withDefaults fills zero values so a partially populated Config behaves.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.EvictBatch <= 0 {
		c.EvictBatch = d.EvictBatch
	}
	if c.QuotaEvictStep <= 0 {
		c.QuotaEvictStep = d.QuotaEvictStep
	}
	if c.MaxPersistRetries <= 0 {
		c.MaxPersistRetries = d.MaxPersistRetries
	}
	if c.StorageKey == "" {
		c.StorageKey = d.StorageKey
	}
	return c
}
