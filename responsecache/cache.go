// Package responsecache keeps recent GET responses on durable storage so they
// can be served while the device is offline.
//
// Entries are bounded by count and by age. Eviction at capacity drops the
// entries that were inserted first, not the least recently read ones.
package responsecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgduncan/go-offline-sync/stores"
)

var ErrNotLoaded = errors.New("response cache not loaded")

// Eviction reasons passed to eviction handlers.
const (
	EvictCapacity = "capacity"
	EvictExpired  = "expired"
	EvictQuota    = "quota"
)

// Cache is a TTL and capacity bounded map of URL keys to response snapshots,
// mirrored to a stores.Store record after every mutation.
type Cache struct {
	store  stores.Store
	logger *slog.Logger
	now    func() time.Time
	c      Config

	mu      sync.RWMutex
	entries map[string]Entry
	loaded  bool

	onEvict []func(reason string, n int)
}

// Load reads the persisted record and sweeps expired entries. It must be
// called once before the cache is used. A record that cannot be decoded is
// discarded and the cache starts empty.
func (c *Cache) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make(map[string]Entry)

	raw, err := c.store.Get(ctx, c.c.StorageKey)
	switch {
	case errors.Is(err, stores.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to read response cache: %w", err)
	default:
		if decodeErr := json.Unmarshal([]byte(raw), &entries); decodeErr != nil {
			c.logger.WarnContext(ctx, "discarding unreadable response cache", "error", decodeErr)
			entries = make(map[string]Entry)
			if rmErr := c.store.Remove(ctx, c.c.StorageKey); rmErr != nil {
				return fmt.Errorf("failed to remove unreadable response cache: %w", rmErr)
			}
		}
	}

	now := c.now()
	expired := 0
	for k, e := range entries {
		if e.Key == "" {
			e.Key = k
			entries[k] = e
		}
		if e.Expired(now) {
			delete(entries, k)
			expired++
		}
	}

	// a record written under a larger capacity
	over := 0
	if len(entries) > c.c.Capacity {
		over = evictOldest(entries, len(entries)-c.c.Capacity)
	}

	if expired > 0 || over > 0 {
		c.logger.DebugContext(ctx, "swept cache entries", "expired", expired, "over_capacity", over)
		if entries, err = c.persist(ctx, entries); err != nil {
			return err
		}
		c.evicted(EvictExpired, expired)
		c.evicted(EvictCapacity, over)
	}

	c.entries = entries
	c.loaded = true

	return nil
}

// Ready reports whether Load has completed.
func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.loaded
}

// Set stores resp under key for ttl, or for the configured default when ttl
// is not positive. The write is persisted before Set returns.
func (c *Cache) Set(ctx context.Context, key string, resp Snapshot, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.c.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		return ErrNotLoaded
	}

	next := c.copyEntries()

	if _, exists := next[key]; !exists && len(next) >= c.c.Capacity {
		n := evictOldest(next, max(c.c.EvictBatch, len(next)-c.c.Capacity+1))
		c.logger.DebugContext(ctx, "cache at capacity, evicted oldest entries", "count", n)
		c.evicted(EvictCapacity, n)
	}

	now := c.now()
	next[key] = Entry{
		Key:       key,
		Response:  resp,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	next, err := c.persist(ctx, next)
	if err != nil {
		return err
	}
	c.entries = next

	return nil
}

// Get returns the live entry for key. An expired entry is removed as a side
// effect and reported as a miss. Before Load every lookup is a miss.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		return Entry{}, false
	}

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}

	if e.Expired(c.now()) {
		next := c.copyEntries()
		delete(next, key)
		if persisted, err := c.persist(ctx, next); err != nil {
			c.logger.WarnContext(ctx, "failed to persist expired entry removal", "key", key, "error", err)
			delete(c.entries, key)
		} else {
			c.entries = persisted
		}
		c.evicted(EvictExpired, 1)
		return Entry{}, false
	}

	return e, true
}

// Has reports whether a live entry exists for key.
func (c *Cache) Has(ctx context.Context, key string) bool {
	_, ok := c.Get(ctx, key)
	return ok
}

// Age returns how long ago the live entry for key was stored.
func (c *Cache) Age(ctx context.Context, key string) (time.Duration, bool) {
	e, ok := c.Get(ctx, key)
	if !ok {
		return 0, false
	}
	return c.now().Sub(e.CreatedAt), true
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		return ErrNotLoaded
	}
	if _, ok := c.entries[key]; !ok {
		return nil
	}

	next := c.copyEntries()
	delete(next, key)

	next, err := c.persist(ctx, next)
	if err != nil {
		return err
	}
	c.entries = next

	return nil
}

// Clear drops every entry and removes the persisted record.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		return ErrNotLoaded
	}

	if err := c.store.Remove(ctx, c.c.StorageKey); err != nil {
		return fmt.Errorf("failed to clear response cache: %w", err)
	}
	c.entries = make(map[string]Entry)

	return nil
}

// Keys lists the cached keys, oldest first. Expired entries that have not
// been swept yet are included.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return sortedKeys(c.entries)
}

// Entries returns a copy of every entry, oldest first.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for _, k := range sortedKeys(c.entries) {
		out = append(out, c.entries[k])
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// OnEvict registers fn to be told about every eviction. Handlers run with the
// cache locked and must not call back into it.
func (c *Cache) OnEvict(fn func(reason string, n int)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onEvict = append(c.onEvict, fn)
}

// persist writes next to the store. When the store is full the oldest
// entries are dropped in growing batches and the write retried; if it still
// does not fit the cache is emptied. The returned map is what was persisted.
func (c *Cache) persist(ctx context.Context, next map[string]Entry) (map[string]Entry, error) {
	err := c.write(ctx, next)

	for attempt := 1; errors.Is(err, stores.ErrQuotaExceeded) && attempt <= c.c.MaxPersistRetries; attempt++ {
		n := evictOldest(next, attempt*c.c.QuotaEvictStep)
		c.logger.WarnContext(ctx, "storage quota exceeded, evicting cache entries",
			"attempt", attempt,
			"evicted", n,
			"remaining", len(next))
		c.evicted(EvictQuota, n)

		err = c.write(ctx, next)
	}

	if errors.Is(err, stores.ErrQuotaExceeded) {
		c.logger.ErrorContext(ctx, "storage quota still exceeded, clearing response cache", "error", err)
		c.evicted(EvictQuota, len(next))
		if rmErr := c.store.Remove(ctx, c.c.StorageKey); rmErr != nil {
			return nil, fmt.Errorf("failed to clear response cache after quota exhaustion: %w", rmErr)
		}
		return make(map[string]Entry), nil
	}

	if err != nil {
		return nil, err
	}

	return next, nil
}

func (c *Cache) write(ctx context.Context, entries map[string]Entry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode response cache: %w", err)
	}

	if err := c.store.Set(ctx, c.c.StorageKey, string(raw)); err != nil {
		return fmt.Errorf("failed to persist response cache: %w", err)
	}
	return nil
}

func (c *Cache) copyEntries() map[string]Entry {
	next := make(map[string]Entry, len(c.entries)+1)
	for k, v := range c.entries {
		next[k] = v
	}
	return next
}

func (c *Cache) evicted(reason string, n int) {
	if n <= 0 {
		return
	}
	for _, fn := range c.onEvict {
		fn(reason, n)
	}
}

// evictOldest removes up to n entries with the earliest CreatedAt and returns
// how many were removed.
func evictOldest(entries map[string]Entry, n int) int {
	keys := sortedKeys(entries)
	if n > len(keys) {
		n = len(keys)
	}
	for _, k := range keys[:n] {
		delete(entries, k)
	}
	return n
}

func sortedKeys(entries map[string]Entry) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := entries[keys[i]].CreatedAt, entries[keys[j]].CreatedAt
		if ci.Equal(cj) {
			return keys[i] < keys[j]
		}
		return ci.Before(cj)
	})
	return keys
}

// New creates a Cache persisting through store.
//
// If opts is nil DefaultConfig is used, zero fields are defaulted.
// If 'now' is nil, time.Now is used.
// If 'logger' is nil, a no-op logger writing to io.Discard is used.
func New(store stores.Store, opts *Config, now func() time.Time, logger *slog.Logger) *Cache {
	if now == nil {
		now = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := DefaultConfig()
	if opts != nil {
		c = opts.withDefaults()
	}

	return &Cache{
		store:   store,
		logger:  logger,
		now:     now,
		c:       c,
		entries: make(map[string]Entry),
	}
}
