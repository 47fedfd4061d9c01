package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgduncan/go-offline-sync/stores"
	"github.com/dgduncan/go-offline-sync/stores/memory"
)

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return epoch }

func loadedQueue(t *testing.T, store stores.Store, opts *Config) *Queue {
	t.Helper()

	q := New(store, opts, fixedNow, nil)
	require.NoError(t, q.Load(context.Background()))
	return q
}

func attendance(childID int) Request {
	return Request{
		Method: "POST",
		URL:    "https://api.example.com/api/attendance",
		Body:   []byte(fmt.Sprintf(`{"childId":%d,"status":"present"}`, childID)),
	}
}

func TestEnqueue(t *testing.T) {
	t.Parallel()

	q := loadedQueue(t, memory.New(), nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, attendance(7), "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	item, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, 3, item.MaxRetries)
	assert.Equal(t, epoch, item.CreatedAt)
	assert.Equal(t, "POST attendance", item.Description)

	id2, err := q.Enqueue(ctx, attendance(8), "custom")
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, id, snap[0].ID)
	assert.Equal(t, "custom", snap[1].Description)
}

func TestEnqueueOverflowKeepsNewest(t *testing.T) {
	t.Parallel()

	q := loadedQueue(t, memory.New(), nil)
	ctx := context.Background()

	var dropped []Item
	q.OnDrop(func(item Item, reason string) {
		assert.Equal(t, DropOverflow, reason)
		dropped = append(dropped, item)
	})

	ids := make([]string, 0, 51)
	for i := range 51 {
		id, err := q.Enqueue(ctx, attendance(i), "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assert.Equal(t, 50, q.Len())
	require.Len(t, dropped, 1)
	assert.Equal(t, ids[0], dropped[0].ID)

	snap := q.Snapshot()
	assert.Equal(t, ids[1], snap[0].ID)
	assert.Equal(t, ids[50], snap[49].ID)
}

func TestMarkAttemptFailed(t *testing.T) {
	t.Parallel()

	q := loadedQueue(t, memory.New(), nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, attendance(1), "")
	require.NoError(t, err)

	var dropReason string
	q.OnDrop(func(_ Item, reason string) { dropReason = reason })

	for attempt := 1; attempt < 3; attempt++ {
		retryable, err := q.MarkAttemptFailed(ctx, id)
		require.NoError(t, err)
		assert.True(t, retryable)

		item, _ := q.Get(id)
		assert.Equal(t, attempt, item.RetryCount)
	}

	retryable, err := q.MarkAttemptFailed(ctx, id)
	assert.False(t, retryable)
	assert.ErrorIs(t, err, ErrRetryBudgetExhausted)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, DropRetryBudget, dropReason)

	_, err = q.MarkAttemptFailed(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveAndClear(t *testing.T) {
	t.Parallel()

	store := memory.New()
	q := loadedQueue(t, store, nil)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, attendance(1), "")
	b, _ := q.Enqueue(ctx, attendance(2), "")
	c, _ := q.Enqueue(ctx, attendance(3), "")

	require.NoError(t, q.Remove(ctx, b))
	assert.ErrorIs(t, q.Remove(ctx, b), ErrNotFound)

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, a, snap[0].ID)
	assert.Equal(t, c, snap[1].ID)

	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, 0, q.Len())

	_, err := store.Get(ctx, stores.KeyOutbox)
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestQueueQuotaLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	store := memory.New()
	q := loadedQueue(t, store, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, attendance(1), "")
	require.NoError(t, err)

	before, err := store.Get(ctx, stores.KeyOutbox)
	require.NoError(t, err)

	store.SetQuota(store.Used())

	_, err = q.Enqueue(ctx, attendance(2), "")
	assert.ErrorIs(t, err, stores.ErrQuotaExceeded)
	assert.Equal(t, 1, q.Len())

	// the retry counter change does not fit either once the record grows
	store.SetQuota(1)
	_, err = q.MarkAttemptFailed(ctx, id)
	assert.ErrorIs(t, err, stores.ErrQuotaExceeded)

	item, _ := q.Get(id)
	assert.Equal(t, 0, item.RetryCount)

	after, err := store.Get(ctx, stores.KeyOutbox)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestQueueSurvivesRestart(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ctx := context.Background()

	q := loadedQueue(t, store, nil)
	a, _ := q.Enqueue(ctx, attendance(1), "")
	b, _ := q.Enqueue(ctx, Request{
		Method: "PUT",
		URL:    "https://api.example.com/api/leaves/4",
		Query:  map[string][]string{"notify": {"true"}},
	}, "")
	_, err := q.MarkAttemptFailed(ctx, a)
	require.NoError(t, err)

	restarted := loadedQueue(t, store, nil)
	snap := restarted.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, a, snap[0].ID)
	assert.Equal(t, 1, snap[0].RetryCount)
	assert.Equal(t, b, snap[1].ID)
	assert.Equal(t, "true", snap[1].Request.Query.Get("notify"))
}

func TestLoadUnreadableRecord(t *testing.T) {
	t.Parallel()

	store := memory.New()
	require.NoError(t, store.Set(context.Background(), stores.KeyOutbox, "[{"))

	q := loadedQueue(t, store, nil)
	assert.Equal(t, 0, q.Len())
	assert.True(t, q.Ready())
}

func TestOperationsBeforeLoad(t *testing.T) {
	t.Parallel()

	q := New(memory.New(), nil, nil, nil)
	_, err := q.Enqueue(context.Background(), attendance(1), "")
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.ErrorIs(t, q.Clear(context.Background()), ErrNotLoaded)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()

	q := loadedQueue(t, memory.New(), nil)
	_, err := q.Enqueue(context.Background(), attendance(1), "")
	require.NoError(t, err)

	snap := q.Snapshot()
	snap[0].Request.Body[0] = 'X'

	again := q.Snapshot()
	assert.True(t, strings.HasPrefix(string(again[0].Request.Body), "{"))
}

func TestOnChange(t *testing.T) {
	t.Parallel()

	q := New(memory.New(), nil, fixedNow, nil)

	var counts []int
	q.OnChange(func(pending int) { counts = append(counts, pending) })

	require.NoError(t, q.Load(context.Background()))
	id, _ := q.Enqueue(context.Background(), attendance(1), "")
	require.NoError(t, q.Remove(context.Background(), id))

	assert.Equal(t, []int{0, 1, 0}, counts)
}

func TestPersistedRecordIsJSONArray(t *testing.T) {
	t.Parallel()

	store := memory.New()
	q := loadedQueue(t, store, nil)
	_, err := q.Enqueue(context.Background(), attendance(1), "")
	require.NoError(t, err)

	raw, err := store.Get(context.Background(), stores.KeyOutbox)
	require.NoError(t, err)

	var items []map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &items))
	require.Len(t, items, 1)
	assert.Contains(t, items[0], "retryCount")
}
