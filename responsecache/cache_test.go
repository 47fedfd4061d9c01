package responsecache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgduncan/go-offline-sync/stores"
	"github.com/dgduncan/go-offline-sync/stores/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// quotaStore fails the next 'failures' writes with a quota error.
type quotaStore struct {
	*memory.Store
	failures int
	removed  bool
}

func (q *quotaStore) Set(ctx context.Context, key, value string) error {
	if q.failures > 0 {
		q.failures--
		return stores.QuotaError{Key: key, Size: len(value)}
	}
	return q.Store.Set(ctx, key, value)
}

func (q *quotaStore) Remove(ctx context.Context, key string) error {
	q.removed = true
	return q.Store.Remove(ctx, key)
}

func snapshot(body string) Snapshot {
	return Snapshot{StatusCode: http.StatusOK, Status: "200 OK", Body: []byte(body)}
}

func loaded(t *testing.T, store stores.Store, clk *clock, opts *Config) *Cache {
	t.Helper()

	c := New(store, opts, clk.Now, nil)
	require.NoError(t, c.Load(context.Background()))
	return c
}

func fill(t *testing.T, c *Cache, clk *clock, n int) {
	t.Helper()

	for i := range n {
		require.NoError(t, c.Set(context.Background(), fmt.Sprintf("/children/%d", i), snapshot("{}"), 0))
		clk.Advance(time.Second)
	}
}

func TestCacheTTL(t *testing.T) {
	t.Parallel()

	clk := newClock()
	c := loaded(t, memory.New(), clk, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "/children", snapshot(`[{"id":1}]`), 1000*time.Millisecond))

	clk.Advance(500 * time.Millisecond)
	e, ok := c.Get(ctx, "/children")
	require.True(t, ok)
	assert.Equal(t, `[{"id":1}]`, string(e.Response.Body))

	age, ok := c.Age(ctx, "/children")
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, age)

	clk.Advance(time.Second)
	_, ok = c.Get(ctx, "/children")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Has(ctx, "/children"))
}

func TestCacheDefaultTTL(t *testing.T) {
	t.Parallel()

	clk := newClock()
	c := loaded(t, memory.New(), clk, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "/fees", snapshot("{}"), 0))

	clk.Advance(59 * time.Minute)
	assert.True(t, c.Has(ctx, "/fees"))

	clk.Advance(time.Minute)
	assert.False(t, c.Has(ctx, "/fees"))
}

func TestCacheCapacityEvictsOldestBatch(t *testing.T) {
	t.Parallel()

	clk := newClock()
	c := loaded(t, memory.New(), clk, nil)
	ctx := context.Background()

	fill(t, c, clk, 50)
	require.Equal(t, 50, c.Len())

	// replacing an existing key never evicts
	require.NoError(t, c.Set(ctx, "/children/49", snapshot("{}"), 0))
	require.Equal(t, 50, c.Len())

	require.NoError(t, c.Set(ctx, "/children/new", snapshot("{}"), 0))
	assert.Equal(t, 46, c.Len())

	for i := range 5 {
		assert.False(t, c.Has(ctx, fmt.Sprintf("/children/%d", i)))
	}
	assert.True(t, c.Has(ctx, "/children/5"))
	assert.True(t, c.Has(ctx, "/children/new"))

	keys := c.Keys()
	assert.Equal(t, "/children/5", keys[0])
	assert.Equal(t, "/children/new", keys[len(keys)-1])
}

func TestCacheCapacityLoweredBetweenRuns(t *testing.T) {
	t.Parallel()

	clk := newClock()
	store := memory.New()
	ctx := context.Background()

	fill(t, loaded(t, store, clk, &Config{Capacity: 60}), clk, 60)

	c := New(store, &Config{Capacity: 50}, clk.Now, nil)
	evictions := map[string]int{}
	c.OnEvict(func(reason string, n int) { evictions[reason] += n })

	require.NoError(t, c.Load(ctx))
	assert.Equal(t, 50, c.Len())
	assert.Equal(t, 10, evictions[EvictCapacity])
	assert.False(t, c.Has(ctx, "/children/9"))
	assert.True(t, c.Has(ctx, "/children/10"))

	require.NoError(t, c.Set(ctx, "/children/new", snapshot("{}"), 0))
	assert.LessOrEqual(t, c.Len(), 50)
	assert.True(t, c.Has(ctx, "/children/new"))

	// the trimmed record is what a later run sees
	reloaded := loaded(t, store, clk, &Config{Capacity: 50})
	assert.Equal(t, c.Keys(), reloaded.Keys())
}

func TestCacheQuotaRecovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		failures    int
		expectedLen int
		removed     bool
	}{
		{name: "first retry fits", failures: 1, expectedLen: 21},
		{name: "second retry fits", failures: 2, expectedLen: 1},
		{name: "third retry fits", failures: 3, expectedLen: 0},
		{name: "retries exhausted clears cache", failures: 4, expectedLen: 0, removed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clk := newClock()
			store := &quotaStore{Store: memory.New()}
			c := loaded(t, store, clk, nil)
			fill(t, c, clk, 30)

			store.failures = tt.failures
			require.NoError(t, c.Set(context.Background(), "/messages", snapshot("{}"), 0))

			assert.Equal(t, tt.expectedLen, c.Len())
			assert.Equal(t, tt.removed, store.removed)

			// memory and storage agree
			reloaded := loaded(t, store.Store, clk, nil)
			assert.Equal(t, c.Keys(), reloaded.Keys())
		})
	}
}

func TestCacheLoad(t *testing.T) {
	t.Parallel()

	t.Run("sweeps expired entries", func(t *testing.T) {
		t.Parallel()

		clk := newClock()
		store := memory.New()
		c := loaded(t, store, clk, nil)
		ctx := context.Background()

		require.NoError(t, c.Set(ctx, "/short", snapshot("{}"), time.Minute))
		require.NoError(t, c.Set(ctx, "/long", snapshot("{}"), time.Hour))

		clk.Advance(2 * time.Minute)

		reloaded := loaded(t, store, clk, nil)
		assert.Equal(t, []string{"/long"}, reloaded.Keys())

		raw, err := store.Get(ctx, stores.KeyResponseCache)
		require.NoError(t, err)

		var persisted map[string]Entry
		require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
		assert.Len(t, persisted, 1)
	})

	t.Run("unreadable record starts empty", func(t *testing.T) {
		t.Parallel()

		store := memory.New()
		require.NoError(t, store.Set(context.Background(), stores.KeyResponseCache, "{not json"))

		c := loaded(t, store, newClock(), nil)
		assert.Equal(t, 0, c.Len())

		_, err := store.Get(context.Background(), stores.KeyResponseCache)
		assert.ErrorIs(t, err, stores.ErrNotFound)
	})

	t.Run("operations before load", func(t *testing.T) {
		t.Parallel()

		c := New(memory.New(), nil, nil, nil)
		assert.False(t, c.Ready())
		assert.ErrorIs(t, c.Set(context.Background(), "/x", snapshot("{}"), 0), ErrNotLoaded)
		assert.ErrorIs(t, c.Clear(context.Background()), ErrNotLoaded)

		_, ok := c.Get(context.Background(), "/x")
		assert.False(t, ok)
	})
}

func TestCacheDeleteAndClear(t *testing.T) {
	t.Parallel()

	clk := newClock()
	store := memory.New()
	c := loaded(t, store, clk, nil)
	ctx := context.Background()

	fill(t, c, clk, 3)

	require.NoError(t, c.Delete(ctx, "/children/1"))
	require.NoError(t, c.Delete(ctx, "/missing"))
	assert.Equal(t, []string{"/children/0", "/children/2"}, c.Keys())

	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, c.Len())

	_, err := store.Get(ctx, stores.KeyResponseCache)
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestCacheOnEvict(t *testing.T) {
	t.Parallel()

	clk := newClock()
	c := loaded(t, memory.New(), clk, &Config{Capacity: 2, EvictBatch: 1})

	evictions := map[string]int{}
	c.OnEvict(func(reason string, n int) { evictions[reason] += n })

	fill(t, c, clk, 3)
	assert.Equal(t, 1, evictions[EvictCapacity])

	clk.Advance(2 * time.Hour)
	_, _ = c.Get(context.Background(), "/children/2")
	assert.Equal(t, 1, evictions[EvictExpired])
}

func TestSnapshotResponse(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/children", nil)
	s := Snapshot{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`[]`),
	}

	for range 2 {
		resp := s.Response(req)
		assert.Equal(t, "OK", resp.Status)
		assert.Equal(t, int64(2), resp.ContentLength)
		assert.Equal(t, req, resp.Request)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "[]", string(body))
	}

	resp := s.Response(req)
	resp.Header.Set("X-Mutated", "1")
	assert.Empty(t, s.Header.Get("X-Mutated"))
}
