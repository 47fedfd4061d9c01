package offlinesync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dgduncan/go-offline-sync/connectivity"
	"github.com/dgduncan/go-offline-sync/metrics"
	"github.com/dgduncan/go-offline-sync/outbox"
	"github.com/dgduncan/go-offline-sync/responsecache"
	"github.com/dgduncan/go-offline-sync/stores"
	"github.com/dgduncan/go-offline-sync/syncer"
)

const statusBuffer = 8

// QueueStatus is the read-only view of the offline queue.
type QueueStatus struct {
	Pending  int        `json:"pending"`
	Syncing  bool       `json:"syncing"`
	LastSync *time.Time `json:"lastSync,omitempty"`
}

// Components are the pluggable dependencies of an Engine.
type Components struct {
	// Store persists the cache and the queue. Required.
	Store stores.Store

	// Transport is the raw transport used for live requests and replay.
	// Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	// Primary and Secondary feed the connectivity monitor. Both optional.
	Primary   connectivity.Signal
	Secondary connectivity.Signal

	Metrics  *metrics.Metrics
	Reporter ErrorReporter
}

// Engine owns one cache, queue, monitor, coordinator and gateway, wired
// together. Build it once per process and share it.
type Engine struct {
	cache       *responsecache.Cache
	queue       *outbox.Queue
	monitor     *connectivity.Monitor
	coordinator *syncer.Coordinator
	gateway     *Gateway

	metrics *metrics.Metrics
	logger  *slog.Logger
	c       Config

	mu      sync.Mutex
	status  QueueStatus
	subs    map[int]chan QueueStatus
	nextSub int
	cancel  context.CancelFunc
	started bool

	wg sync.WaitGroup
}

// Start runs the initialization phase: the cache and queue are loaded from
// storage, then connectivity monitoring begins and every reconnect triggers
// a queue drain. The gateway refuses requests until Start has loaded both.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("offline sync engine already started")
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.cache.Load(ctx); err != nil {
		cancel()
		return err
	}
	if err := e.queue.Load(ctx); err != nil {
		cancel()
		return err
	}

	transitions, unsubscribe := e.monitor.Subscribe()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case t := <-transitions:
				e.metrics.SetConnected(t.Current.Connected)
			}
		}
	}()

	e.monitor.OnReconnect(func(context.Context) {
		e.logger.InfoContext(runCtx, "connection restored, syncing offline queue")
		e.goSync(runCtx)
	})

	if err := e.monitor.Start(runCtx); err != nil {
		// monitoring is degraded but the engine still serves requests
		e.logger.WarnContext(ctx, "connectivity monitoring unavailable", "error", err)
	}
	e.metrics.SetConnected(e.monitor.IsConnected())

	if e.c.SyncOnStart && e.monitor.IsConnected() {
		e.goSync(runCtx)
	}

	e.logger.InfoContext(ctx, "offline sync engine started",
		"cached", e.cache.Len(),
		"pending", e.queue.Len(),
		"connected", e.monitor.IsConnected())

	return nil
}

// Close stops monitoring, waits for a running drain, and closes status
// subscriptions.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.monitor.Wait()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}

	return nil
}

// Sync drains the queue now. It is a no-op while offline or while another
// drain is running.
func (e *Engine) Sync(ctx context.Context) syncer.Result {
	res := e.coordinator.ProcessQueue(ctx)
	if res.Skipped {
		e.metrics.RecordSync("skipped_"+res.SkipReason, 0, 0, 0)
		return res
	}
	e.metrics.RecordSync("completed", res.Succeeded, res.Failed, res.FinishedAt.Sub(res.StartedAt).Seconds())
	return res
}

func (e *Engine) goSync(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Sync(ctx)
	}()
}

// Client returns an *http.Client sending through the gateway.
func (e *Engine) Client() *http.Client {
	return &http.Client{Transport: e.gateway}
}

// Transport returns the gateway.
func (e *Engine) Transport() http.RoundTripper {
	return e.gateway
}

// Status returns the current queue status.
func (e *Engine) Status() QueueStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status
}

// SubscribeStatus returns a channel receiving every status change and a
// function that unsubscribes. The current status is delivered first.
func (e *Engine) SubscribeStatus() (<-chan QueueStatus, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++

	ch := make(chan QueueStatus, statusBuffer)
	ch <- e.status
	e.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()

			if _, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(ch)
			}
		})
	}
}

func (e *Engine) Cache() *responsecache.Cache { return e.cache }

func (e *Engine) Queue() *outbox.Queue { return e.queue }

func (e *Engine) Monitor() *connectivity.Monitor { return e.monitor }

func (e *Engine) Coordinator() *syncer.Coordinator { return e.coordinator }

// Stages lists the gateway pipeline stage names in execution order.
func (e *Engine) Stages() []string { return e.gateway.Stages() }

func (e *Engine) updateStatus(fn func(*QueueStatus)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn(&e.status)
	for _, ch := range e.subs {
		select {
		case ch <- e.status:
		default:
		}
	}
}

// NewEngine builds an Engine. Nothing is loaded or started until Start.
//
// If opts is nil DefaultConfig is used.
// If 'now' is nil, time.Now is used.
// If 'logger' is nil, a no-op logger writing to io.Discard is used.
func NewEngine(comp Components, opts *Config, now func() time.Time, logger *slog.Logger) (*Engine, error) {
	if comp.Store == nil {
		return nil, stores.ValidationError{Reason: "nil store"}
	}

	if now == nil {
		now = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := DefaultConfig()
	if opts != nil {
		c = *opts
	}

	raw := comp.Transport
	if raw == nil {
		raw = http.DefaultTransport
	}

	e := &Engine{
		cache:   responsecache.New(comp.Store, &c.Cache, now, logger.With("component", "cache")),
		queue:   outbox.New(comp.Store, &c.Queue, now, logger.With("component", "queue")),
		monitor: connectivity.New(comp.Primary, comp.Secondary, now, logger.With("component", "connectivity")),
		metrics: comp.Metrics,
		logger:  logger,
		c:       c,
		subs:    make(map[int]chan QueueStatus),
	}

	e.coordinator = syncer.New(e.queue, raw, e.monitor.IsConnected, &c.Sync, now, logger.With("component", "sync"))

	gatewayOpts := []GatewayOption{WithMetrics(comp.Metrics)}
	if comp.Reporter != nil {
		gatewayOpts = append(gatewayOpts, WithErrorReporter(comp.Reporter))
	}
	e.gateway = NewGateway(e.cache, e.queue, e.monitor, &c, now, logger.With("component", "gateway"), gatewayOpts...)(raw).(*Gateway)

	e.cache.OnEvict(e.metrics.RecordEviction)
	e.queue.OnDrop(func(_ outbox.Item, reason string) { e.metrics.RecordDrop(reason) })
	e.queue.OnChange(func(pending int) {
		e.metrics.SetPending(pending)
		e.updateStatus(func(s *QueueStatus) { s.Pending = pending })
	})
	e.coordinator.OnStatusChange(func(s syncer.Status) {
		e.updateStatus(func(qs *QueueStatus) {
			qs.Syncing = s.Syncing
			qs.LastSync = s.LastSync
		})
	})
	e.coordinator.OnTerminalFailure(func(item outbox.Item, err error) {
		logger.Warn("queued request abandoned after retries",
			"id", item.ID,
			"description", item.Description,
			"error", err)
	})

	return e, nil
}
