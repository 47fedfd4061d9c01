// Package statusapi exposes the engine state over HTTP for operators: queue
// status, network state, cached entries and Prometheus metrics.
package statusapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	offlinesync "github.com/dgduncan/go-offline-sync"
)

// NewRouter creates the status API.
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /status - Queue status and network state
//   - GET /network - Network state
//   - GET /queue - Pending requests, oldest first
//   - POST /queue/sync - Drain the queue now
//   - DELETE /queue - Drop every pending request
//   - GET /cache - Cached responses, oldest first
//   - DELETE /cache - Drop every cached response
//   - GET /metrics - Prometheus metrics, when gatherer is not nil
func NewRouter(engine *offlinesync.Engine, gatherer prometheus.Gatherer, now func() time.Time, logger *slog.Logger) http.Handler {
	if now == nil {
		now = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &handler{engine: engine, now: now, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Get("/network", h.network)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.listQueue)
		r.Delete("/", h.clearQueue)
		r.Post("/sync", h.sync)
	})

	r.Route("/cache", func(r chi.Router) {
		r.Get("/", h.listCache)
		r.Delete("/", h.clearCache)
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.DebugContext(r.Context(), "status API request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
