package outbox

import "github.com/dgduncan/go-offline-sync/stores"

type Config struct {
	// Capacity is the maximum queue length. Past it the oldest items are
	// dropped.
	Capacity int

	// MaxRetries is the replay budget given to every new item.
	MaxRetries int

	// StorageKey is the record the queue persists under.
	StorageKey string
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Capacity:   50,
		MaxRetries: 3,
		StorageKey: stores.KeyOutbox,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.StorageKey == "" {
		c.StorageKey = d.StorageKey
	}
	return c
}
