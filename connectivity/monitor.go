package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const subscriberBuffer = 16

// Monitor merges a primary signal with an optional coarse secondary one into
// a single NetworkState. The primary is authoritative for both fields; from
// the secondary only Connected is taken and the last known link type kept.
type Monitor struct {
	primary   Signal
	secondary Signal
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	state     NetworkState
	subs      map[int]chan Transition
	nextSub   int
	reconnect []func(context.Context)
	started   bool

	wg sync.WaitGroup
}

// State returns the current merged state.
func (m *Monitor) State() NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.state
}

func (m *Monitor) IsConnected() bool {
	return m.State().Connected
}

func (m *Monitor) IsOnWiFi() bool {
	s := m.State()
	return s.Connected && s.ConnectionType == WiFi
}

func (m *Monitor) IsOnCellular() bool {
	s := m.State()
	return s.Connected && s.ConnectionType == Cellular
}

// Subscribe returns a channel receiving every transition and a function
// that unsubscribes and closes it. Slow subscribers miss transitions rather
// than blocking the monitor.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++

	ch := make(chan Transition, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()

			delete(m.subs, id)
			close(ch)
		})
	}
}

// OnReconnect registers fn to run on every offline to online transition.
// Handlers run on the monitor goroutine and should hand long work off.
func (m *Monitor) OnReconnect(fn func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reconnect = append(m.reconnect, fn)
}

// Start resolves the initial state and begins watching the signals until
// ctx is done. The initial state comes from the primary, or from the
// secondary when the primary cannot answer; if neither can, it stays Online.
// A primary that cannot be watched is only an error when no secondary is
// being watched either.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("connectivity monitor already started")
	}
	m.started = true
	m.mu.Unlock()

	initial, source := m.resolveInitial(ctx)
	m.mu.Lock()
	m.state = initial
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "network state resolved",
		"connected", initial.Connected,
		"type", initial.ConnectionType,
		"source", source)

	watching := false
	if m.secondary != nil {
		ch, err := m.secondary.Watch(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "secondary signal unavailable", "signal", m.secondary.Name(), "error", err)
		} else {
			m.watch(ctx, m.secondary.Name(), ch, true)
			watching = true
		}
	}

	if m.primary != nil {
		ch, err := m.primary.Watch(ctx)
		switch {
		case err != nil && !watching:
			return fmt.Errorf("failed to watch %s signal: %w", m.primary.Name(), err)
		case err != nil:
			m.logger.WarnContext(ctx, "primary signal unavailable, following secondary only",
				"signal", m.primary.Name(),
				"error", err)
		default:
			m.watch(ctx, m.primary.Name(), ch, false)
		}
	}

	return nil
}

// Run starts the monitor and blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.Wait()
	return nil
}

// Wait blocks until every watcher started by Start has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) resolveInitial(ctx context.Context) (NetworkState, string) {
	if m.primary != nil {
		s, err := m.primary.Current(ctx)
		if err == nil {
			return s, m.primary.Name()
		}
		m.logger.WarnContext(ctx, "primary signal failed, falling back", "signal", m.primary.Name(), "error", err)
	}

	if m.secondary != nil {
		s, err := m.secondary.Current(ctx)
		if err == nil {
			return NetworkState{Connected: s.Connected, ConnectionType: Unknown}, m.secondary.Name()
		}
		m.logger.WarnContext(ctx, "secondary signal failed", "signal", m.secondary.Name(), "error", err)
	}

	return Online, "default"
}

func (m *Monitor) watch(ctx context.Context, source string, ch <-chan NetworkState, coarse bool) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for s := range ch {
			m.apply(ctx, source, s, coarse)
		}
	}()
}

// apply folds a signal reading into the merged state. Duplicate readings are
// ignored so every real change is published exactly once.
func (m *Monitor) apply(ctx context.Context, source string, reading NetworkState, coarse bool) {
	m.mu.Lock()

	prev := m.state
	next := reading
	if coarse {
		next = NetworkState{Connected: reading.Connected, ConnectionType: prev.ConnectionType}
	}

	if next == prev {
		m.mu.Unlock()
		return
	}
	m.state = next

	t := Transition{Previous: prev, Current: next, At: m.now(), Source: source}

	for _, sub := range m.subs {
		select {
		case sub <- t:
		default:
			m.logger.WarnContext(ctx, "dropping transition for slow subscriber")
		}
	}

	var handlers []func(context.Context)
	if t.Reconnected() {
		handlers = append(handlers, m.reconnect...)
	}
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "network state changed",
		"connected", next.Connected,
		"type", next.ConnectionType,
		"source", source)

	for _, fn := range handlers {
		fn(ctx)
	}
}

// New creates a Monitor. Either signal may be nil; with no signals at all
// the monitor reports Online forever.
//
// If 'now' is nil, time.Now is used.
// If 'logger' is nil, a no-op logger writing to io.Discard is used.
func New(primary, secondary Signal, now func() time.Time, logger *slog.Logger) *Monitor {
	if now == nil {
		now = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Monitor{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
		now:       now,
		state:     Online,
		subs:      make(map[int]chan Transition),
	}
}
