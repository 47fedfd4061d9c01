package commands

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	offlinesync "github.com/dgduncan/go-offline-sync"
)

type proxyError struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// newProxy forwards every request to upstream through the gateway. The
// legacy X-Skip-* and X-Enable-Offline-Queue headers become request options
// and are not forwarded.
func newProxy(upstream *url.URL, gateway http.RoundTripper, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		Transport: gateway,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			writeProxyError(w, r, err, logger)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opts := offlinesync.OptionsFromHeader(r.Header)
		rp.ServeHTTP(w, r.WithContext(offlinesync.WithRequestOptions(r.Context(), opts)))
	})
}

// writeProxyError relays application errors as the server sent them and
// answers everything else with a JSON problem.
func writeProxyError(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	var gerr *offlinesync.Error
	switch {
	case errors.As(err, &gerr) && gerr.Kind == offlinesync.KindApplication:
		for k, vs := range gerr.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.Header().Del("Content-Length")
		w.WriteHeader(gerr.StatusCode)
		_, _ = w.Write(gerr.Body)

	case errors.As(err, &gerr):
		writeProblem(w, http.StatusBadGateway, gerr.Title(), gerr.UserMessage())

	case errors.Is(err, offlinesync.ErrNotReady):
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "Offline storage is still loading.")

	case errors.Is(err, context.Canceled):
		logger.DebugContext(r.Context(), "client went away", "url", r.URL.String())

	default:
		logger.WarnContext(r.Context(), "proxy error", "url", r.URL.String(), "error", err)
		writeProblem(w, http.StatusBadGateway, "Error", err.Error())
	}
}

func writeProblem(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(proxyError{Title: title, Message: message})
}
