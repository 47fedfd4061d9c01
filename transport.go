// Package offlinesync keeps an HTTP client usable on an unreliable network.
//
// The Gateway is an http.RoundTripper that serves GET requests from a local
// cache while offline, captures state-changing requests into a durable queue
// when they cannot be sent, and classifies every failure. The Engine wires
// the gateway together with connectivity monitoring and queue replay.
package offlinesync

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dgduncan/go-offline-sync/metrics"
)

const tracerName = "github.com/dgduncan/go-offline-sync"

// Gateway implements http.RoundTripper. Every request ends as a live
// response, a cached response, a queued acceptance or an *Error.
//
// Unlike a plain transport, a response with status 400 or above is returned
// as a nil *http.Response and an *Error of KindApplication. Its status,
// header and body are on the *Error; use errors.As to reach them. An
// http.Client wraps the error in a *url.Error, which errors.As unwraps.
type Gateway struct {
	Wrapped http.RoundTripper

	cache   ResponseCache
	queue   OfflineQueue
	stages  []Stage
	chain   Handler
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer
	metrics *metrics.Metrics

	reporter ErrorReporter
}

// RoundTrip runs req through the cache, offline-queue and error stages, in
// that order, before it reaches the wrapped transport.
func (g *Gateway) RoundTrip(r *http.Request) (*http.Response, error) {
	if !g.cache.Ready() || !g.queue.Ready() {
		return nil, ErrNotReady
	}

	opts := OptionsFromContext(r.Context())
	ctx := stripOptions(r.Context())

	ctx, span := g.tracer.Start(ctx, "offlinesync.roundtrip", trace.WithAttributes(
		attribute.String("http.request.method", r.Method),
		attribute.String("url.full", r.URL.String()),
	))
	defer span.End()

	start := g.now()
	resp, err := g.chain(r.WithContext(ctx), opts)
	outcome := outcomeOf(resp, err)

	span.SetAttributes(attribute.String("offlinesync.outcome", outcome))
	g.metrics.RecordRequest(r.Method, outcome, g.now().Sub(start).Seconds())

	var gerr *Error
	if errors.As(err, &gerr) {
		span.SetStatus(codes.Error, gerr.Kind.String())
		g.report(r, opts, gerr)
	}

	return resp, err
}

// Stages lists the pipeline stage names in execution order.
func (g *Gateway) Stages() []string {
	names := make([]string, len(g.stages))
	for i, s := range g.stages {
		names[i] = s.Name()
	}
	return names
}

// report surfaces err unless the caller opted out. Connectivity failures of
// GET requests stay silent: the cache already had its chance to answer.
func (g *Gateway) report(r *http.Request, opts RequestOptions, err *Error) {
	if g.reporter == nil || opts.SkipErrorHandling {
		return
	}
	if err.Kind == KindConnectivity && r.Method == http.MethodGet {
		g.logger.DebugContext(r.Context(), "network error for GET request (cache miss)", "url", err.URL)
		return
	}
	g.reporter.Report(r.Context(), err)
}

func (g *Gateway) send(req *http.Request, _ RequestOptions) (*http.Response, error) {
	return g.Wrapped.RoundTrip(req)
}

func outcomeOf(resp *http.Response, err error) string {
	switch {
	case err != nil:
		return metrics.OutcomeError
	case IsQueued(resp):
		return metrics.OutcomeQueued
	case IsFromCache(resp):
		return metrics.OutcomeCached
	default:
		return metrics.OutcomeLive
	}
}

// compose builds the handler chain so stages[0] runs first and the last
// stage calls send.
func compose(stages []Stage, send Handler) Handler {
	h := send
	for i := len(stages) - 1; i >= 0; i-- {
		stage, next := stages[i], h
		h = func(req *http.Request, opts RequestOptions) (*http.Response, error) {
			return stage.Handle(req, opts, next)
		}
	}
	return h
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

// WithMetrics records gateway outcomes, cache lookups and enqueues on m.
func WithMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// WithErrorReporter sets where user-facing failures are reported. Without
// it failures are only returned.
func WithErrorReporter(r ErrorReporter) GatewayOption {
	return func(g *Gateway) { g.reporter = r }
}

// NewGateway creates a transport middleware that makes an HTTP RoundTripper
// offline aware.
//
// If opts is nil DefaultConfig is used.
// If 'now' is nil, time.Now will be used as the default time provider.
// If 'logger' is nil, a no-op logger writing to io.Discard will be used.
//
// The returned function wraps the given http.RoundTripper:
//   - GET responses are cached while online and served while offline
//   - eligible writes are queued when offline or on a network error
//   - failures are returned as *Error and optionally reported; this
//     includes 4xx and 5xx responses, which come back as a nil response
//     and an *Error holding the server's status, header and body
func NewGateway(
	cache ResponseCache,
	queue OfflineQueue,
	network NetworkStatus,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
	options ...GatewayOption,
) func(http.RoundTripper) http.RoundTripper {
	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if network == nil {
		network = NetworkStatusFunc(func() bool { return true })
	}

	c := DefaultConfig()
	if opts != nil {
		c = *opts
	}

	return func(rt http.RoundTripper) http.RoundTripper {
		if rt == nil {
			rt = http.DefaultTransport
		}

		g := &Gateway{
			Wrapped: rt,
			cache:   cache,
			queue:   queue,
			logger:  logger,
			now:     nowFunc,
			tracer:  otel.Tracer(tracerName),
		}
		for _, o := range options {
			o(g)
		}

		deps := stageDeps{
			cache:   cache,
			queue:   queue,
			network: network,
			metrics: g.metrics,
			logger:  logger,
			now:     nowFunc,
			c:       c,
		}
		g.stages = []Stage{
			&cacheStage{deps},
			&queueStage{deps},
			&errorStage{deps},
		}
		g.chain = compose(g.stages, g.send)

		return g
	}
}
