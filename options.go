package offlinesync

import (
	"context"
	"net/http"
)

// RequestOptions adjust how the gateway treats a single request.
type RequestOptions struct {
	// SkipCache bypasses the response cache in both directions.
	SkipCache bool

	// SkipOfflineQueue never queues the request, even if it would qualify.
	SkipOfflineQueue bool

	// ForceOfflineQueue queues the request regardless of method and URL.
	ForceOfflineQueue bool

	// SkipErrorHandling suppresses error reporting. The error is still
	// returned.
	SkipErrorHandling bool
}

type optionsKey struct{}

// WithRequestOptions attaches opts to ctx. The gateway reads them and strips
// them before the request reaches the transport.
func WithRequestOptions(ctx context.Context, opts RequestOptions) context.Context {
	return context.WithValue(ctx, optionsKey{}, &opts)
}

// OptionsFromContext returns the options attached to ctx, or the zero value.
func OptionsFromContext(ctx context.Context) RequestOptions {
	if opts, ok := ctx.Value(optionsKey{}).(*RequestOptions); ok && opts != nil {
		return *opts
	}
	return RequestOptions{}
}

// Legacy header flags understood at the proxy edge.
const (
	HeaderSkipCache          = "X-Skip-Cache"
	HeaderSkipOfflineQueue   = "X-Skip-Offline-Queue"
	HeaderEnableOfflineQueue = "X-Enable-Offline-Queue"
	HeaderSkipErrorHandler   = "X-Skip-Error-Handler"
)

// OptionsFromHeader translates the legacy header flags into RequestOptions
// and removes them from h so the server never sees them.
func OptionsFromHeader(h http.Header) RequestOptions {
	opts := RequestOptions{
		SkipCache:         has(h, HeaderSkipCache),
		SkipOfflineQueue:  has(h, HeaderSkipOfflineQueue),
		ForceOfflineQueue: has(h, HeaderEnableOfflineQueue),
		SkipErrorHandling: has(h, HeaderSkipErrorHandler),
	}

	for _, k := range []string{HeaderSkipCache, HeaderSkipOfflineQueue, HeaderEnableOfflineQueue, HeaderSkipErrorHandler} {
		h.Del(k)
	}

	return opts
}

func has(h http.Header, key string) bool {
	_, ok := h[http.CanonicalHeaderKey(key)]
	return ok
}

// stripOptions returns ctx without gateway options so nothing downstream of
// the gateway can act on them.
func stripOptions(ctx context.Context) context.Context {
	if ctx.Value(optionsKey{}) == nil {
		return ctx
	}
	return context.WithValue(ctx, optionsKey{}, (*RequestOptions)(nil))
}
