// Package outbox holds state-changing requests captured while the device was
// offline, in arrival order, until they can be replayed.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgduncan/go-offline-sync/stores"
)

var (
	ErrNotFound             = errors.New("queued request not found")
	ErrNotLoaded            = errors.New("offline queue not loaded")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// Drop reasons passed to drop handlers.
const (
	DropOverflow    = "overflow"
	DropRetryBudget = "retry_budget"
)

// Item is one queued request.
type Item struct {
	ID          string    `json:"id"`
	Request     Request   `json:"request"`
	CreatedAt   time.Time `json:"createdAt"`
	RetryCount  int       `json:"retryCount"`
	MaxRetries  int       `json:"maxRetries"`
	Description string    `json:"description"`
}

func (i Item) clone() Item {
	c := i
	if i.Request.Body != nil {
		c.Request.Body = append([]byte(nil), i.Request.Body...)
	}
	c.Request.Header = i.Request.Header.Clone()
	if i.Request.Query != nil {
		c.Request.Query = make(url.Values, len(i.Request.Query))
		for k, v := range i.Request.Query {
			c.Request.Query[k] = append([]string(nil), v...)
		}
	}
	return c
}

// Queue is a bounded FIFO of Items persisted as a single stores.Store record.
//
// Every mutation is computed on a copy and persisted before it becomes
// visible, so a failed write leaves both the durable record and the in-memory
// queue unchanged.
type Queue struct {
	store  stores.Store
	logger *slog.Logger
	now    func() time.Time
	c      Config

	mu     sync.RWMutex
	items  []Item
	loaded bool

	onChange []func(pending int)
	onDrop   []func(item Item, reason string)
}

// Load restores the queue from the store. A record that cannot be decoded is
// discarded and the queue starts empty.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var items []Item

	raw, err := q.store.Get(ctx, q.c.StorageKey)
	switch {
	case errors.Is(err, stores.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to read offline queue: %w", err)
	default:
		if decodeErr := json.Unmarshal([]byte(raw), &items); decodeErr != nil {
			q.logger.WarnContext(ctx, "discarding unreadable offline queue", "error", decodeErr)
			items = nil
			if rmErr := q.store.Remove(ctx, q.c.StorageKey); rmErr != nil {
				return fmt.Errorf("failed to remove unreadable offline queue: %w", rmErr)
			}
		}
	}

	q.items = items
	q.loaded = true

	q.logger.DebugContext(ctx, "offline queue loaded", "pending", len(items))
	q.changed()

	return nil
}

// Ready reports whether Load has completed.
func (q *Queue) Ready() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.loaded
}

// Enqueue appends r and returns its id. When description is empty a
// "METHOD endpoint" label is used. If the queue grows past capacity the
// oldest items are dropped.
func (q *Queue) Enqueue(ctx context.Context, r Request, description string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate queue id: %w", err)
	}

	if description == "" {
		description = r.Method + " " + r.Endpoint()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.loaded {
		return "", ErrNotLoaded
	}

	item := Item{
		ID:          id.String(),
		Request:     r,
		CreatedAt:   q.now(),
		RetryCount:  0,
		MaxRetries:  q.c.MaxRetries,
		Description: description,
	}

	next := make([]Item, 0, len(q.items)+1)
	next = append(next, q.items...)
	next = append(next, item.clone())

	var dropped []Item
	if over := len(next) - q.c.Capacity; over > 0 {
		dropped = next[:over]
		next = next[over:]
	}

	if err := q.persist(ctx, next); err != nil {
		return "", err
	}
	q.items = next

	for _, d := range dropped {
		q.logger.WarnContext(ctx, "offline queue full, dropped oldest request",
			"id", d.ID,
			"description", d.Description)
		q.dropped(d, DropOverflow)
	}

	q.logger.DebugContext(ctx, "request queued", "id", item.ID, "description", item.Description)
	q.changed()

	return item.ID, nil
}

// Snapshot returns a deep copy of the queue in FIFO order.
func (q *Queue) Snapshot() []Item {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = it.clone()
	}
	return out
}

// Get returns a copy of the item with id.
func (q *Queue) Get(id string) (Item, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if i := q.indexOf(id); i >= 0 {
		return q.items[i].clone(), true
	}
	return Item{}, false
}

// MarkAttemptFailed records a failed replay of id. It reports whether the
// item stays queued for another attempt. Once the retry budget is spent the
// item is removed and the error wraps ErrRetryBudgetExhausted.
func (q *Queue) MarkAttemptFailed(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.loaded {
		return false, ErrNotLoaded
	}

	idx := q.indexOf(id)
	if idx < 0 {
		return false, ErrNotFound
	}

	item := q.items[idx]
	item.RetryCount++

	if item.RetryCount >= item.MaxRetries {
		next := make([]Item, 0, len(q.items)-1)
		next = append(next, q.items[:idx]...)
		next = append(next, q.items[idx+1:]...)

		if err := q.persist(ctx, next); err != nil {
			return false, err
		}
		q.items = next

		q.logger.WarnContext(ctx, "queued request exceeded retry budget, dropped",
			"id", item.ID,
			"description", item.Description,
			"attempts", item.RetryCount)
		q.dropped(item, DropRetryBudget)
		q.changed()

		return false, fmt.Errorf("%s after %d attempts: %w", item.Description, item.RetryCount, ErrRetryBudgetExhausted)
	}

	next := make([]Item, len(q.items))
	copy(next, q.items)
	next[idx] = item

	if err := q.persist(ctx, next); err != nil {
		return false, err
	}
	q.items = next

	return true, nil
}

// Remove deletes id from the queue.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.loaded {
		return ErrNotLoaded
	}

	idx := q.indexOf(id)
	if idx < 0 {
		return ErrNotFound
	}

	next := make([]Item, 0, len(q.items)-1)
	next = append(next, q.items[:idx]...)
	next = append(next, q.items[idx+1:]...)

	if err := q.persist(ctx, next); err != nil {
		return err
	}
	q.items = next
	q.changed()

	return nil
}

// Clear empties the queue and removes the record.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.loaded {
		return ErrNotLoaded
	}

	if err := q.store.Remove(ctx, q.c.StorageKey); err != nil {
		return fmt.Errorf("failed to clear offline queue: %w", err)
	}
	q.items = nil
	q.changed()

	return nil
}

func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.items)
}

// OnChange registers fn to receive the pending count after every change.
// Handlers run with the queue locked and must not call back into it.
func (q *Queue) OnChange(fn func(pending int)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.onChange = append(q.onChange, fn)
}

// OnDrop registers fn to be told about items leaving the queue unsent.
func (q *Queue) OnDrop(fn func(item Item, reason string)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.onDrop = append(q.onDrop, fn)
}

func (q *Queue) persist(ctx context.Context, items []Item) error {
	if items == nil {
		items = []Item{}
	}

	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode offline queue: %w", err)
	}

	if err := q.store.Set(ctx, q.c.StorageKey, string(raw)); err != nil {
		return fmt.Errorf("failed to persist offline queue: %w", err)
	}
	return nil
}

func (q *Queue) indexOf(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) changed() {
	n := len(q.items)
	for _, fn := range q.onChange {
		fn(n)
	}
}

func (q *Queue) dropped(item Item, reason string) {
	for _, fn := range q.onDrop {
		fn(item.clone(), reason)
	}
}

// New creates a Queue persisting through store.
//
// If opts is nil DefaultConfig is used, zero fields are defaulted.
// If 'now' is nil, time.Now is used.
// If 'logger' is nil, a no-op logger writing to io.Discard is used.
func New(store stores.Store, opts *Config, now func() time.Time, logger *slog.Logger) *Queue {
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

	return &Queue{
		store:  store,
		logger: logger,
		now:    now,
		c:      c,
	}
}
