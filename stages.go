package offlinesync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgduncan/go-offline-sync/metrics"
	"github.com/dgduncan/go-offline-sync/outbox"
	"github.com/dgduncan/go-offline-sync/responsecache"
)

// maxErrorBody bounds how much of an error response is kept on *Error.
const maxErrorBody = 64 * 1024

// Handler sends a request further down the pipeline.
type Handler func(req *http.Request, opts RequestOptions) (*http.Response, error)

// Stage is one step of the gateway pipeline. A stage either answers the
// request itself or calls next.
type Stage interface {
	Name() string
	Handle(req *http.Request, opts RequestOptions, next Handler) (*http.Response, error)
}

type stageDeps struct {
	cache   ResponseCache
	queue   OfflineQueue
	network NetworkStatus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	c       Config
}

// cacheStage serves GET requests from the response cache while offline and
// records successful GET responses while online.
type cacheStage struct {
	stageDeps
}

func (s *cacheStage) Name() string { return "cache" }

func (s *cacheStage) Handle(req *http.Request, opts RequestOptions, next Handler) (*http.Response, error) {
	if req.Method != http.MethodGet || opts.SkipCache || s.c.excluded(req.URL) {
		return next(req, opts)
	}

	ctx := req.Context()
	key := req.URL.String()

	if !s.network.IsConnected() {
		entry, ok := s.cache.Get(ctx, key)
		s.metrics.RecordCacheLookup(ok)
		if ok {
			s.logger.DebugContext(ctx, "serving from cache while offline", "url", key)
			resp := entry.Response.Response(req)
			markFromCache(resp, s.now().Sub(entry.CreatedAt))
			return resp, nil
		}
		s.logger.DebugContext(ctx, "no cached response while offline", "url", key)
		return next(req, opts)
	}

	resp, err := next(req, opts)
	if err != nil || resp.StatusCode != http.StatusOK {
		return resp, err
	}

	s.store(ctx, key, req, resp)
	return resp, nil
}

// store buffers up to MaxCacheableBytes of the body and caches it. The
// caller always gets the full body back, whether or not it was cached.
func (s *cacheStage) store(ctx context.Context, key string, req *http.Request, resp *http.Response) {
	limit := s.c.MaxCacheableBytes
	if limit > 0 && resp.ContentLength > limit {
		s.logger.DebugContext(ctx, "response too large to cache", "url", key, "size", resp.ContentLength)
		s.metrics.RecordCacheStore("too_large")
		return
	}

	var buf []byte
	var err error
	if limit > 0 {
		buf, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
	} else {
		buf, err = io.ReadAll(resp.Body)
	}

	if err != nil || (limit > 0 && int64(len(buf)) > limit) {
		// hand back what was read followed by the rest of the stream
		resp.Body = &replayBody{
			Reader: io.MultiReader(bytes.NewReader(buf), &errAfter{r: resp.Body, err: err}),
			Closer: resp.Body,
		}
		if err == nil {
			s.logger.DebugContext(ctx, "response too large to cache", "url", key)
			s.metrics.RecordCacheStore("too_large")
		}
		return
	}

	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))

	ttl := s.c.ttlFor(req.URL)
	if err := s.cache.Set(ctx, key, responsecache.NewSnapshot(resp, buf), ttl); err != nil {
		s.logger.WarnContext(ctx, "error caching response", "url", key, "error", err)
		s.metrics.RecordCacheStore("failed")
		return
	}

	s.logger.DebugContext(ctx, "cached response", "url", key)
	s.metrics.RecordCacheStore("stored")
}

type replayBody struct {
	io.Reader
	io.Closer
}

// errAfter yields err once r is exhausted, or reads r when err is nil.
type errAfter struct {
	r   io.Reader
	err error
}

func (e *errAfter) Read(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	return e.r.Read(p)
}

// queueStage captures eligible write requests into the outbox when they
// cannot reach the server.
type queueStage struct {
	stageDeps
}

func (s *queueStage) Name() string { return "offline-queue" }

func (s *queueStage) Handle(req *http.Request, opts RequestOptions, next Handler) (*http.Response, error) {
	if !s.eligible(req, opts) {
		return next(req, opts)
	}

	ctx := req.Context()

	captured, err := outbox.RequestFromHTTP(req)
	if err != nil {
		s.logger.WarnContext(ctx, "unable to capture request for offline queue", "error", err)
		return next(req, opts)
	}

	if !s.network.IsConnected() {
		if resp, ok := s.enqueue(ctx, req, captured, MessageQueuedOffline, "offline"); ok {
			return resp, nil
		}
		return next(req, opts)
	}

	resp, err := next(req, opts)
	if err != nil && errors.Is(err, ErrConnectivity) {
		s.logger.WarnContext(ctx, "network error, queueing request", "url", captured.URL, "error", err)
		if queued, ok := s.enqueue(ctx, req, captured, MessageQueuedNetworkError, "network_error"); ok {
			return queued, nil
		}
	}

	return resp, err
}

func (s *queueStage) eligible(req *http.Request, opts RequestOptions) bool {
	if opts.SkipOfflineQueue {
		return false
	}
	if opts.ForceOfflineQueue {
		return true
	}
	return isWrite(req.Method) && s.c.queueable(req.URL)
}

func (s *queueStage) enqueue(ctx context.Context, req *http.Request, captured outbox.Request, message, trigger string) (*http.Response, bool) {
	id, err := s.queue.Enqueue(ctx, captured, outbox.Describe(captured))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to queue request", "url", captured.URL, "error", err)
		return nil, false
	}

	s.metrics.RecordEnqueue(trigger)
	s.logger.InfoContext(ctx, "request queued", "id", id, "description", outbox.Describe(captured))

	return queuedResponse(req, id, message), true
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// errorStage turns transport failures and error statuses into *Error.
type errorStage struct {
	stageDeps
}

func (s *errorStage) Name() string { return "error" }

func (s *errorStage) Handle(req *http.Request, opts RequestOptions, next Handler) (*http.Response, error) {
	resp, err := next(req, opts)
	if err != nil {
		// a caller that gave up is not a connectivity problem
		if errors.Is(err, context.Canceled) || errors.Is(req.Context().Err(), context.Canceled) {
			return nil, err
		}
		return nil, &Error{
			Kind:   KindConnectivity,
			Method: req.Method,
			URL:    req.URL.String(),
			Err:    err,
		}
	}

	if resp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()

	return nil, &Error{
		Kind:       KindApplication,
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
	}
}
