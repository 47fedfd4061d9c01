// Package metrics provides Prometheus instrumentation for the offline sync
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Gateway outcomes. Every request ends in exactly one of them.
const (
	OutcomeLive   = "live"
	OutcomeCached = "cached"
	OutcomeQueued = "queued"
	OutcomeError  = "error"
)

// Metrics tracks offline sync Prometheus metrics.
//
// All metrics use the offlinesync_ prefix. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// GatewayRequests counts requests by final outcome
	GatewayRequests *prometheus.CounterVec

	// GatewayDuration tracks round trip latency by final outcome
	GatewayDuration *prometheus.HistogramVec

	// CacheLookups counts offline cache lookups by result (hit, miss)
	CacheLookups *prometheus.CounterVec

	// CacheStores counts responses written to the cache by result
	CacheStores *prometheus.CounterVec

	// CacheEvictions counts evicted entries by reason
	CacheEvictions *prometheus.CounterVec

	// QueueEnqueued counts requests captured by trigger (offline, network_error)
	QueueEnqueued *prometheus.CounterVec

	// QueueDropped counts requests leaving the queue unsent by reason
	QueueDropped *prometheus.CounterVec

	// QueuePending tracks the current queue length
	QueuePending prometheus.Gauge

	// Replays counts replay attempts by result (success, failure)
	Replays *prometheus.CounterVec

	// SyncPasses counts ProcessQueue calls by outcome
	SyncPasses *prometheus.CounterVec

	// SyncDuration tracks how long completed passes take
	SyncDuration prometheus.Histogram

	// Connected is 1 while the device is online
	Connected prometheus.Gauge

	// Transitions counts connectivity changes by new state
	Transitions *prometheus.CounterVec
}

// New creates offline sync metrics registered with reg.
//
// Panics if registration fails (expected during initialization only).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinesync_gateway_requests_total",
				Help: "Total requests through the gateway by outcome",
			},
			[]string{"method", "outcome"},
		),
		GatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offlinesync_gateway_request_duration_seconds",
				Help:    "Gateway round trip duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinesync_cache_lookups_total",
				Help: "Offline cache lookups by result",
			},
			[]string{"result"},
		),
		CacheStores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinesync_cache_stores_total",
				Help: "Responses considered for caching by result",
			},
			[]string{"result"}, // "stored", "too_large", "failed"
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinesync_cache_evictions_total",
				Help: "Cache entries evicted by reason",
			},
			[]string{"reason"},
		),
		QueueEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinesync_queue_enqueued_total",
				Help: "Requests captured in the offline queue by trigger",
			},
			[]string{"trigger"},
		),
		QueueDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinesync_queue_dropped_total",
				Help: "Queued requests dropped without being delivered",
			},
			[]string{"reason"},
		),
		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "offlinesync_queue_pending",
				Help: "Current number of queued requests",
			},
		),
		Replays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinesync_replays_total",
				Help: "Replay attempts of queued requests by result",
			},
			[]string{"result"},
		),
		SyncPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinesync_sync_passes_total",
				Help: "Queue drain calls by outcome",
			},
			[]string{"outcome"},
		),
		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "offlinesync_sync_duration_seconds",
				Help:    "Duration of completed queue drains in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		Connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "offlinesync_connected",
				Help: "1 while the network is reachable, 0 otherwise",
			},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinesync_connectivity_transitions_total",
				Help: "Connectivity changes by resulting state",
			},
			[]string{"state"},
		),
	}

	reg.MustRegister(
		m.GatewayRequests,
		m.GatewayDuration,
		m.CacheLookups,
		m.CacheStores,
		m.CacheEvictions,
		m.QueueEnqueued,
		m.QueueDropped,
		m.QueuePending,
		m.Replays,
		m.SyncPasses,
		m.SyncDuration,
		m.Connected,
		m.Transitions,
	)

	return m
}

// RecordRequest records the final outcome of a gateway round trip.
func (m *Metrics) RecordRequest(method, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(method, outcome).Inc()
	m.GatewayDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordCacheLookup records an offline cache lookup.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCacheStore(result string) {
	if m == nil {
		return
	}
	m.CacheStores.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordEviction(reason string, n int) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) RecordEnqueue(trigger string) {
	if m == nil {
		return
	}
	m.QueueEnqueued.WithLabelValues(trigger).Inc()
}

func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.QueueDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.QueuePending.Set(float64(n))
}

// RecordSync records a queue drain. Skipped passes only count by reason.
func (m *Metrics) RecordSync(outcome string, succeeded, failed int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SyncPasses.WithLabelValues(outcome).Inc()
	if succeeded > 0 {
		m.Replays.WithLabelValues("success").Add(float64(succeeded))
	}
	if failed > 0 {
		m.Replays.WithLabelValues("failure").Add(float64(failed))
	}
	if outcome == "completed" {
		m.SyncDuration.Observe(durationSeconds)
	}
}

// SetConnected records the current connectivity and counts the change.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.Connected.Set(1)
		m.Transitions.WithLabelValues("online").Inc()
		return
	}
	m.Connected.Set(0)
	m.Transitions.WithLabelValues("offline").Inc()
}

// NullMetrics returns nil, which acts as a no-op metrics collector.
func NullMetrics() *Metrics {
	return nil
}
