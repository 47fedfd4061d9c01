package syncer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgduncan/go-offline-sync/outbox"
	"github.com/dgduncan/go-offline-sync/stores/memory"
)

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func newQueue(t *testing.T) *outbox.Queue {
	t.Helper()

	q := outbox.New(memory.New(), nil, func() time.Time { return epoch }, nil)
	require.NoError(t, q.Load(context.Background()))
	return q
}

func enqueue(t *testing.T, q *outbox.Queue, base, path string) string {
	t.Helper()

	id, err := q.Enqueue(context.Background(), outbox.Request{
		Method: http.MethodPost,
		URL:    base + path,
		Body:   []byte(`{"childId":1}`),
	}, "")
	require.NoError(t, err)
	return id
}

// recorder answers with the status configured for each path and records the
// order requests arrive in.
type recorder struct {
	mu       sync.Mutex
	paths    []string
	statuses map[string]int
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.paths = append(r.paths, req.URL.Path)
	status, ok := r.statuses[req.URL.Path]
	r.mu.Unlock()

	if !ok {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (r *recorder) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func TestProcessQueueReplaysInOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	q := newQueue(t)
	for _, p := range []string{"/attendance", "/messages", "/leaves"} {
		enqueue(t, q, srv.URL, p)
	}

	c := New(q, srv.Client().Transport, nil, nil, func() time.Time { return epoch }, nil)
	assert.Nil(t, c.LastSync())

	res := c.ProcessQueue(context.Background())

	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, []string{"/attendance", "/messages", "/leaves"}, rec.Paths())
	assert.Equal(t, 0, q.Len())

	require.NotNil(t, c.LastSync())
	assert.Equal(t, epoch, *c.LastSync())
}

func TestProcessQueuePartialFailure(t *testing.T) {
	t.Parallel()

	rec := &recorder{statuses: map[string]int{"/messages": http.StatusInternalServerError}}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	q := newQueue(t)
	enqueue(t, q, srv.URL, "/attendance")
	failing := enqueue(t, q, srv.URL, "/messages")
	enqueue(t, q, srv.URL, "/leaves")

	c := New(q, srv.Client().Transport, nil, nil, nil, nil)
	res := c.ProcessQueue(context.Background())

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Dropped)

	// a failure does not stop later items
	assert.Equal(t, []string{"/attendance", "/messages", "/leaves"}, rec.Paths())

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, failing, snap[0].ID)
	assert.Equal(t, 1, snap[0].RetryCount)
}

func TestProcessQueueDropsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	rec := &recorder{statuses: map[string]int{"/fees": http.StatusBadRequest}}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	q := newQueue(t)
	id := enqueue(t, q, srv.URL, "/fees")

	c := New(q, srv.Client().Transport, nil, nil, nil, nil)

	var terminal []outbox.Item
	c.OnTerminalFailure(func(item outbox.Item, err error) {
		assert.ErrorContains(t, err, "400")
		terminal = append(terminal, item)
	})

	for range 2 {
		res := c.ProcessQueue(context.Background())
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, 0, res.Dropped)
	}

	res := c.ProcessQueue(context.Background())
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 0, q.Len())
	require.Len(t, terminal, 1)
	assert.Equal(t, id, terminal[0].ID)

	assert.Len(t, rec.Paths(), 3)
}

func TestProcessQueueTransportFailureCounts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&recorder{})
	url := srv.URL
	srv.Close()

	q := newQueue(t)
	enqueue(t, q, url, "/qr-action")

	c := New(q, http.DefaultTransport, nil, &Config{AttemptTimeout: time.Second}, nil, nil)
	res := c.ProcessQueue(context.Background())

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, q.Len())
}

func TestProcessQueueSkips(t *testing.T) {
	t.Parallel()

	q := newQueue(t)

	c := New(q, nil, func() bool { return false }, nil, nil, nil)
	res := c.ProcessQueue(context.Background())
	assert.True(t, res.Skipped)
	assert.Equal(t, SkipOffline, res.SkipReason)

	c = New(q, nil, nil, nil, nil, nil)
	res = c.ProcessQueue(context.Background())
	assert.True(t, res.Skipped)
	assert.Equal(t, SkipEmpty, res.SkipReason)
	assert.Nil(t, c.LastSync())
}

func TestProcessQueueSingleFlight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	arrived := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		arrived <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	q := newQueue(t)
	enqueue(t, q, srv.URL, "/attendance")

	c := New(q, srv.Client().Transport, nil, nil, nil, nil)

	var statuses []Status
	var mu sync.Mutex
	c.OnStatusChange(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})

	done := make(chan Result, 1)
	go func() { done <- c.ProcessQueue(context.Background()) }()

	<-arrived
	assert.True(t, c.Syncing())

	second := c.ProcessQueue(context.Background())
	assert.True(t, second.Skipped)
	assert.Equal(t, SkipInFlight, second.SkipReason)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Succeeded)
	assert.False(t, c.Syncing())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Syncing)
	assert.False(t, statuses[1].Syncing)
	assert.NotNil(t, statuses[1].LastSync)
}

func TestProcessQueueCancelledDoesNotSpendRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	q := newQueue(t)
	enqueue(t, q, srv.URL, "/messages")
	enqueue(t, q, srv.URL, "/leaves")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(q, srv.Client().Transport, nil, &Config{}, nil, nil)
	res := c.ProcessQueue(ctx)

	assert.Equal(t, 0, res.Failed)
	for _, item := range q.Snapshot() {
		assert.Equal(t, 0, item.RetryCount)
	}
	assert.Equal(t, 2, q.Len())
	assert.True(t, res.Skipped)
	assert.Equal(t, SkipCanceled, res.SkipReason)
	assert.Nil(t, c.LastSync())
}

func TestProcessQueueCanceledBeforeFirstAttempt(t *testing.T) {
	t.Parallel()

	q := newQueue(t)
	enqueue(t, q, "http://api.test", "/attendance")

	var called bool
	c := New(q, roundTripperFunc(func(*http.Request) (*http.Response, error) {
		called = true
		return nil, context.Canceled
	}), nil, nil, nil, nil)

	var statuses []Status
	c.OnStatusChange(func(s Status) { statuses = append(statuses, s) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.ProcessQueue(ctx)
	assert.False(t, called)
	assert.True(t, res.Skipped)
	assert.Equal(t, SkipCanceled, res.SkipReason)
	assert.Equal(t, 0, res.Attempted)
	assert.Nil(t, c.LastSync())
	assert.False(t, c.Syncing())

	require.Len(t, statuses, 2)
	assert.False(t, statuses[1].Syncing)
	assert.Nil(t, statuses[1].LastSync)
}

func TestReplayHasNoLocalDeadlineByDefault(t *testing.T) {
	t.Parallel()

	q := newQueue(t)
	enqueue(t, q, "http://api.test", "/daily-activities")

	var hasDeadline bool
	c := New(q, roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		_, hasDeadline = r.Context().Deadline()
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       http.NoBody,
			Request:    r,
		}, nil
	}), nil, nil, nil, nil)

	res := c.ProcessQueue(context.Background())
	require.Equal(t, 1, res.Succeeded)
	assert.False(t, hasDeadline)
	assert.Zero(t, DefaultConfig().AttemptTimeout)
}

func TestReplayCarriesBody(t *testing.T) {
	t.Parallel()

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	q := newQueue(t)
	enqueue(t, q, srv.URL, "/attendance")

	c := New(q, srv.Client().Transport, nil, nil, nil, nil)
	res := c.ProcessQueue(context.Background())

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, `{"childId":1}`, got)
}
