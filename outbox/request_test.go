package outbox

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "https://api.example.com/api/messages?draft=false", strings.NewReader(`{"to":3}`))
	r.Header.Set("Authorization", "Bearer abc")
	r.Header.Set("Content-Type", "application/json")

	captured, err := RequestFromHTTP(r)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/api/messages", captured.URL)
	assert.Equal(t, "false", captured.Query.Get("draft"))
	assert.True(t, captured.WithCredentials)

	// the original request can still be sent
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"to":3}`, string(body))

	rebuilt, err := captured.HTTPRequest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, rebuilt.Method)
	assert.Equal(t, "https://api.example.com/api/messages?draft=false", rebuilt.URL.String())
	assert.Equal(t, "Bearer abc", rebuilt.Header.Get("Authorization"))

	body, err = io.ReadAll(rebuilt.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"to":3}`, string(body))

	require.NotNil(t, rebuilt.GetBody)
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		req      Request
		expected string
	}{
		{
			name:     "object body lists first three keys in order",
			req:      Request{Method: "POST", URL: "https://x/api/attendance", Body: []byte(`{"childId":1,"status":"in","at":"08:00","note":""}`)},
			expected: "POST /attendance (childId, status, at)",
		},
		{
			name:     "nested values are skipped",
			req:      Request{Method: "PUT", URL: "https://x/api/daily-activities/9", Body: []byte(`{"meal":{"a":1},"nap":[1,2]}`)},
			expected: "PUT /9 (meal, nap)",
		},
		{
			name:     "trailing slash",
			req:      Request{Method: "DELETE", URL: "https://x/api/leaves/"},
			expected: "DELETE /leaves",
		},
		{
			name:     "array body",
			req:      Request{Method: "POST", URL: "https://x/api/fees", Body: []byte(`[1,2]`)},
			expected: "POST /fees",
		},
		{
			name:     "empty object",
			req:      Request{Method: "PATCH", URL: "https://x/api/reclamations", Body: []byte(`{}`)},
			expected: "PATCH /reclamations",
		},
		{
			name:     "no path",
			req:      Request{Method: "POST", URL: "https://x"},
			expected: "POST /unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Describe(tt.req))
		})
	}
}
