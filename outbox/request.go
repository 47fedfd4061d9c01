package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request is everything needed to send a captured request again.
type Request struct {
	Method          string      `json:"method"`
	URL             string      `json:"url"`
	Body            []byte      `json:"body,omitempty"`
	Header          http.Header `json:"header,omitempty"`
	Query           url.Values  `json:"query,omitempty"`
	ResponseType    string      `json:"responseType,omitempty"`
	WithCredentials bool        `json:"withCredentials,omitempty"`
}

// RequestFromHTTP captures r. The body is read fully and r.Body is replaced
// with a fresh reader over the same bytes so r can still be sent.
func RequestFromHTTP(r *http.Request) (Request, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return Request{}, fmt.Errorf("failed to read request body: %w", err)
		}
		body = b
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	u := *r.URL
	query := u.Query()
	u.RawQuery = ""

	req := Request{
		Method: r.Method,
		URL:    u.String(),
		Body:   body,
		Header: r.Header.Clone(),
	}
	if len(query) > 0 {
		req.Query = query
	}
	if _, _, ok := r.BasicAuth(); ok || r.Header.Get("Authorization") != "" || len(r.Cookies()) > 0 {
		req.WithCredentials = true
	}

	return req, nil
}

// HTTPRequest rebuilds the request. Query parameters are merged into the URL
// and the body can be read again on redirects.
func (r Request) HTTPRequest(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid queued url %q: %w", r.URL, err)
	}

	if len(r.Query) > 0 {
		q := u.Query()
		for k, vs := range r.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if r.Header != nil {
		req.Header = r.Header.Clone()
	}

	return req, nil
}

// Endpoint returns the last non-empty path segment of the URL.
func (r Request) Endpoint() string {
	path := r.URL
	if u, err := url.Parse(r.URL); err == nil {
		path = u.Path
	}

	parts := strings.Split(path, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return "unknown"
}

// Describe returns a short human readable label such as
// "POST /attendance (childId, status)". Up to three top level keys of a JSON
// object body are listed in document order.
func Describe(r Request) string {
	desc := r.Method + " /" + r.Endpoint()

	if keys := objectKeys(r.Body, 3); len(keys) > 0 {
		desc += " (" + strings.Join(keys, ", ") + ")"
	}
	return desc
}

func objectKeys(body []byte, limit int) []string {
	if len(body) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}

	var keys []string
	for dec.More() && len(keys) < limit {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := tok.(string)
		if !ok {
			return keys
		}
		keys = append(keys, key)

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return keys
		}
	}
	return keys
}
