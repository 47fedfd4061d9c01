// Package stores defines the durable key-value contract that the response
// cache and the outbox persist through, along with the errors shared by every
// backend implementation.
package stores

import "context"

const (
	// KeyResponseCache is the record owned by the response cache.
	KeyResponseCache = "offlinesync_http_cache"

	// KeyOutbox is the record owned by the pending request queue.
	KeyOutbox = "offlinesync_offline_queue"
)

// Store is a string-keyed string store that survives process restarts.
//
// Implementations have finite capacity. A write that does not fit must fail
// with an error wrapping ErrQuotaExceeded so callers can recover, and a read
// of a missing key must fail with an error wrapping ErrNotFound.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}
