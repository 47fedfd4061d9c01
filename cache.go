package offlinesync

import (
	"context"
	"time"

	"github.com/dgduncan/go-offline-sync/outbox"
	"github.com/dgduncan/go-offline-sync/responsecache"
)

// ResponseCache is what the gateway needs from *responsecache.Cache.
type ResponseCache interface {
	Ready() bool
	Get(ctx context.Context, key string) (responsecache.Entry, bool)
	Set(ctx context.Context, key string, resp responsecache.Snapshot, ttl time.Duration) error
}

// OfflineQueue is what the gateway needs from *outbox.Queue.
type OfflineQueue interface {
	Ready() bool
	Enqueue(ctx context.Context, r outbox.Request, description string) (string, error)
}

// NetworkStatus reports current connectivity, as *connectivity.Monitor does.
type NetworkStatus interface {
	IsConnected() bool
}

// NetworkStatusFunc adapts a function to NetworkStatus.
type NetworkStatusFunc func() bool

func (f NetworkStatusFunc) IsConnected() bool {
	return f()
}

var (
	_ ResponseCache = (*responsecache.Cache)(nil)
	_ OfflineQueue  = (*outbox.Queue)(nil)
)
