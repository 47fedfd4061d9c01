// Package syncer replays the offline queue against the network once the
// device is back online.
//
// Replay is strictly sequential in queue order and goes through the raw
// transport, never through the gateway, so a failed replay can not be queued
// a second time. Delivery is at least once and last write wins: the server
// sees queued writes as if they were sent late.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dgduncan/go-offline-sync/outbox"
)

const tracerName = "github.com/dgduncan/go-offline-sync/syncer"

// Reasons a pass was skipped.
const (
	SkipOffline  = "offline"
	SkipInFlight = "in_flight"
	SkipEmpty    = "empty"
	SkipCanceled = "canceled"
)

// Queue is the part of *outbox.Queue the coordinator drives.
type Queue interface {
	Snapshot() []outbox.Item
	Remove(ctx context.Context, id string) error
	MarkAttemptFailed(ctx context.Context, id string) (bool, error)
}

type Config struct {
	// AttemptTimeout bounds a single replay. Zero, the default, leaves the
	// deadline to the transport and the context passed to ProcessQueue.
	AttemptTimeout time.Duration
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{}
}

// Result summarizes one ProcessQueue call.
type Result struct {
	Skipped    bool
	SkipReason string

	Attempted int
	Succeeded int
	Failed    int
	Dropped   int

	StartedAt  time.Time
	FinishedAt time.Time
}

// Status is the sync half of the queue status feed.
type Status struct {
	Syncing  bool
	LastSync *time.Time
}

// Coordinator drains the queue. At most one pass runs at a time.
type Coordinator struct {
	queue     Queue
	transport http.RoundTripper
	online    func() bool
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer
	c         Config

	running atomic.Bool

	mu         sync.RWMutex
	lastSync   *time.Time
	onStatus   []func(Status)
	onTerminal []func(outbox.Item, error)
}

// ProcessQueue replays every queued request once, oldest first. It returns
// immediately when offline, when the queue is empty, or when another pass is
// already running.
func (c *Coordinator) ProcessQueue(ctx context.Context) Result {
	if !c.online() {
		return Result{Skipped: true, SkipReason: SkipOffline}
	}

	if !c.running.CompareAndSwap(false, true) {
		c.logger.DebugContext(ctx, "sync already in progress")
		return Result{Skipped: true, SkipReason: SkipInFlight}
	}
	defer c.running.Store(false)

	items := c.queue.Snapshot()
	if len(items) == 0 {
		return Result{Skipped: true, SkipReason: SkipEmpty}
	}

	ctx, span := c.tracer.Start(ctx, "offlinesync.sync", trace.WithAttributes(
		attribute.Int("offlinesync.queue.pending", len(items)),
	))
	defer span.End()

	res := Result{StartedAt: c.now()}
	c.publish(Status{Syncing: true, LastSync: c.LastSync()})

	c.logger.InfoContext(ctx, "syncing offline queue", "pending", len(items))

	for _, item := range items {
		if ctx.Err() != nil {
			c.logger.WarnContext(ctx, "sync interrupted", "error", ctx.Err())
			break
		}

		res.Attempted++

		err := c.replay(ctx, item)
		if err == nil {
			res.Succeeded++
			if rmErr := c.queue.Remove(ctx, item.ID); rmErr != nil && !errors.Is(rmErr, outbox.ErrNotFound) {
				c.logger.ErrorContext(ctx, "failed to remove synced request", "id", item.ID, "error", rmErr)
			}
			c.logger.DebugContext(ctx, "synced queued request", "id", item.ID, "description", item.Description)
			continue
		}

		if ctx.Err() != nil {
			// the pass was cancelled, the attempt does not count
			res.Attempted--
			break
		}

		res.Failed++
		c.logger.WarnContext(ctx, "queued request failed to sync",
			"id", item.ID,
			"description", item.Description,
			"error", err)

		retryable, markErr := c.queue.MarkAttemptFailed(ctx, item.ID)
		switch {
		case errors.Is(markErr, outbox.ErrRetryBudgetExhausted):
			res.Dropped++
			c.terminal(item, err)
		case markErr != nil && !errors.Is(markErr, outbox.ErrNotFound):
			c.logger.ErrorContext(ctx, "failed to record sync attempt", "id", item.ID, "error", markErr)
		case retryable:
			c.logger.DebugContext(ctx, "queued request kept for retry", "id", item.ID)
		}
	}

	if res.Attempted == 0 && ctx.Err() != nil {
		c.publish(Status{Syncing: false, LastSync: c.LastSync()})
		span.SetStatus(codes.Error, "sync canceled")
		res.Skipped = true
		res.SkipReason = SkipCanceled
		res.FinishedAt = c.now()
		return res
	}

	finished := c.now()
	res.FinishedAt = finished

	c.mu.Lock()
	c.lastSync = &finished
	c.mu.Unlock()

	c.publish(Status{Syncing: false, LastSync: &finished})

	span.SetAttributes(
		attribute.Int("offlinesync.sync.succeeded", res.Succeeded),
		attribute.Int("offlinesync.sync.failed", res.Failed),
		attribute.Int("offlinesync.sync.dropped", res.Dropped),
	)
	if res.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d queued requests failed", res.Failed))
	}

	c.logger.InfoContext(ctx, "sync finished",
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"dropped", res.Dropped,
		"duration", finished.Sub(res.StartedAt))

	return res
}

func (c *Coordinator) replay(ctx context.Context, item outbox.Item) error {
	if c.c.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.c.AttemptTimeout)
		defer cancel()
	}

	req, err := item.Request.HTTPRequest(ctx)
	if err != nil {
		return err
	}

	resp, err := c.transport.RoundTrip(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server responded %s", resp.Status)
	}
	return nil
}

// Syncing reports whether a pass is running.
func (c *Coordinator) Syncing() bool {
	return c.running.Load()
}

// LastSync returns when the last completed pass finished, or nil.
func (c *Coordinator) LastSync() *time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.lastSync == nil {
		return nil
	}
	t := *c.lastSync
	return &t
}

// OnStatusChange registers fn to receive the syncing flag as passes start
// and finish.
func (c *Coordinator) OnStatusChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onStatus = append(c.onStatus, fn)
}

// OnTerminalFailure registers fn to be told about requests dropped after
// their last failed attempt, with the error of that attempt.
func (c *Coordinator) OnTerminalFailure(fn func(outbox.Item, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onTerminal = append(c.onTerminal, fn)
}

func (c *Coordinator) publish(s Status) {
	c.mu.RLock()
	handlers := append([]func(Status){}, c.onStatus...)
	c.mu.RUnlock()

	for _, fn := range handlers {
		fn(s)
	}
}

func (c *Coordinator) terminal(item outbox.Item, err error) {
	c.mu.RLock()
	handlers := append([]func(outbox.Item, error){}, c.onTerminal...)
	c.mu.RUnlock()

	for _, fn := range handlers {
		fn(item, err)
	}
}

// New creates a Coordinator replaying through transport.
//
// If transport is nil, http.DefaultTransport is used.
// If online is nil, the device is assumed to be always online.
// If opts is nil DefaultConfig is used.
// If 'now' is nil, time.Now is used.
// If 'logger' is nil, a no-op logger writing to io.Discard is used.
func New(
	queue Queue,
	transport http.RoundTripper,
	online func() bool,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) *Coordinator {
	if transport == nil {
		transport = http.DefaultTransport
	}

	if online == nil {
		online = func() bool { return true }
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

	return &Coordinator{
		queue:     queue,
		transport: transport,
		online:    online,
		logger:    logger,
		now:       now,
		tracer:    otel.Tracer(tracerName),
		c:         c,
	}
}
