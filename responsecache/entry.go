package responsecache

import (
	"bytes"
	"io"
	"net/http"
	"time"
)

// Snapshot is the serializable part of an HTTP response.
type Snapshot struct {
	StatusCode int         `json:"statusCode"`
	Status     string      `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	URL        string      `json:"url"`
}

// NewSnapshot captures resp with an already read body.
func NewSnapshot(resp *http.Response, body []byte) Snapshot {
	s := Snapshot{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		s.URL = resp.Request.URL.String()
	}
	return s
}

// Response rebuilds an *http.Response answering req. Every call gets its own
// body reader.
func (s Snapshot) Response(req *http.Request) *http.Response {
	status := s.Status
	if status == "" {
		status = http.StatusText(s.StatusCode)
	}

	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	return &http.Response{
		Status:        status,
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Entry is one cached response.
type Entry struct {
	Key       string    `json:"key"`
	Response  Snapshot  `json:"response"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the entry is stale at t.
func (e Entry) Expired(t time.Time) bool {
	return !t.Before(e.ExpiresAt)
}
