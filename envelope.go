package offlinesync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderFromCache   = "X-From-Cache"
	HeaderAge         = "Age"
	HeaderQueued      = "X-Offline-Queued"
	HeaderQueueID     = "X-Offline-Queue-Id"
	headerContentType = "Content-Type"
)

// Messages carried by the acceptance envelope.
const (
	MessageQueuedOffline      = "Request saved. Will sync when online."
	MessageQueuedNetworkError = "Network error. Request saved and will sync when online."
)

// QueuedEnvelope is the body of the synthetic 202 returned when a request is
// queued instead of sent.
type QueuedEnvelope struct {
	Success bool   `json:"success"`
	Queued  bool   `json:"queued"`
	QueueID string `json:"queueId"`
	Message string `json:"message"`
}

func queuedResponse(req *http.Request, id, message string) *http.Response {
	body, _ := json.Marshal(QueuedEnvelope{
		Success: true,
		Queued:  true,
		QueueID: id,
		Message: message,
	})

	header := make(http.Header)
	header.Set(headerContentType, "application/json")
	header.Set(HeaderQueued, "true")
	header.Set(HeaderQueueID, id)

	return &http.Response{
		Status:        "202 Queued",
		StatusCode:    http.StatusAccepted,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func markFromCache(resp *http.Response, age time.Duration) {
	resp.Header.Set(HeaderFromCache, "true")
	resp.Header.Set(HeaderAge, strconv.Itoa(int(age.Seconds())))
}

// IsQueued reports whether resp is a queued acceptance rather than a server
// response.
func IsQueued(resp *http.Response) bool {
	return resp != nil && resp.Header.Get(HeaderQueued) == "true"
}

// IsFromCache reports whether resp was served from the offline cache.
func IsFromCache(resp *http.Response) bool {
	return resp != nil && resp.Header.Get(HeaderFromCache) == "true"
}

// DecodeEnvelope reads the acceptance envelope from a queued response. The
// body is consumed and closed.
func DecodeEnvelope(resp *http.Response) (QueuedEnvelope, error) {
	if !IsQueued(resp) {
		return QueuedEnvelope{}, errors.New("response is not a queued acceptance")
	}
	defer resp.Body.Close()

	var env QueuedEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return QueuedEnvelope{}, fmt.Errorf("failed to decode queued envelope: %w", err)
	}
	return env, nil
}
