package statusapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	offlinesync "github.com/dgduncan/go-offline-sync"
	"github.com/dgduncan/go-offline-sync/connectivity"
	"github.com/dgduncan/go-offline-sync/syncer"
)

type handler struct {
	engine *offlinesync.Engine
	now    func() time.Time
	logger *slog.Logger
}

type StatusResponse struct {
	Queue   offlinesync.QueueStatus   `json:"queue"`
	Network connectivity.NetworkState `json:"network"`
	Cached  int                       `json:"cached"`
}

type QueueItem struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"createdAt"`
	RetryCount  int       `json:"retryCount"`
	MaxRetries  int       `json:"maxRetries"`
}

type CacheEntry struct {
	URL       string    `json:"url"`
	Status    int       `json:"status"`
	Size      string    `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Age       string    `json:"age"`
}

type SyncResponse struct {
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skipReason,omitempty"`
	Attempted  int    `json:"attempted"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Dropped    int    `json:"dropped"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Queue:   h.engine.Status(),
		Network: h.engine.Monitor().State(),
		Cached:  h.engine.Cache().Len(),
	})
}

func (h *handler) network(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Monitor().State())
}

func (h *handler) listQueue(w http.ResponseWriter, _ *http.Request) {
	items := h.engine.Queue().Snapshot()

	out := make([]QueueItem, 0, len(items))
	for _, it := range items {
		out = append(out, QueueItem{
			ID:          it.ID,
			Description: it.Description,
			Method:      it.Request.Method,
			URL:         it.Request.URL,
			CreatedAt:   it.CreatedAt,
			RetryCount:  it.RetryCount,
			MaxRetries:  it.MaxRetries,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *handler) clearQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Queue().Clear(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to clear offline queue", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) sync(w http.ResponseWriter, r *http.Request) {
	res := h.engine.Sync(r.Context())

	status := http.StatusOK
	if res.Skipped && res.SkipReason == syncer.SkipInFlight {
		status = http.StatusConflict
	}

	writeJSON(w, status, SyncResponse{
		Skipped:    res.Skipped,
		SkipReason: res.SkipReason,
		Attempted:  res.Attempted,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Dropped:    res.Dropped,
	})
}

func (h *handler) listCache(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	entries := h.engine.Cache().Entries()

	out := make([]CacheEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, CacheEntry{
			URL:       e.Key,
			Status:    e.Response.StatusCode,
			Size:      humanize.IBytes(uint64(len(e.Response.Body))),
			CreatedAt: e.CreatedAt,
			ExpiresAt: e.ExpiresAt,
			Age:       Age(e.CreatedAt, now),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *handler) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cache().Clear(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to clear response cache", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Age renders how long ago created is, as "just now" under a minute and
// "3 minutes ago" or similar after that.
func Age(created, now time.Time) string {
	if now.Sub(created) < time.Minute {
		return "just now"
	}
	return humanize.RelTime(created, now, "ago", "from now")
}
