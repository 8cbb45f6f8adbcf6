package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lastControl decodes the final control event in an SSE body.
func lastControl(t *testing.T, body string) sseControl {
	t.Helper()
	var ctl sseControl
	found := false
	for _, block := range strings.Split(body, "\n\n") {
		if !strings.HasPrefix(block, "event: control\n") {
			continue
		}
		payload := strings.TrimPrefix(block, "event: control\ndata: ")
		require.NoError(t, json.Unmarshal([]byte(payload), &ctl))
		found = true
	}
	require.True(t, found, "no control event in body:\n%s", body)
	return ctl
}

func TestSSEDeliversAndTerminatesOnClose(t *testing.T) {
	h := newTestHandler(t, Options{LongPollTimeout: 5 * time.Second})
	ct := map[string]string{"Content-Type": "text/plain"}
	do(h, http.MethodPut, "/s", "", ct)
	do(h, http.MethodPost, "/s", "hello", ct)
	do(h, http.MethodPost, "/s", "world", map[string]string{"Content-Type": "text/plain", HeaderStreamClosed: "true"})

	w := do(h, http.MethodGet, "/s?offset=-1&live=sse", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Empty(t, w.Header().Get(HeaderSSEDataEncoding))

	body := w.Body.String()
	assert.Contains(t, body, "event: data\ndata: hello\n\n")
	assert.Contains(t, body, "event: data\ndata: world\n\n")

	ctl := lastControl(t, body)
	assert.True(t, ctl.StreamClosed)
	assert.True(t, ctl.UpToDate)
	assert.Equal(t, "0000000000000000_0000000000000010", ctl.StreamNextOffset)
	assert.NotEmpty(t, ctl.StreamCursor)
}

func TestSSESplitsPayloadLines(t *testing.T) {
	h := newTestHandler(t, Options{LongPollTimeout: 5 * time.Second})
	ct := map[string]string{"Content-Type": "text/plain"}
	do(h, http.MethodPut, "/s", "", ct)
	do(h, http.MethodPost, "/s", "a\r\nb\rc\nd", map[string]string{"Content-Type": "text/plain", HeaderStreamClosed: "true"})

	w := do(h, http.MethodGet, "/s?offset=-1&live=sse", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event: data\ndata: a\ndata: b\ndata: c\ndata: d\n\n")
}

func TestSSEBase64ForBinaryContent(t *testing.T) {
	h := newTestHandler(t, Options{LongPollTimeout: 5 * time.Second})
	ct := map[string]string{"Content-Type": "application/octet-stream"}
	do(h, http.MethodPut, "/s", "", ct)
	payload := string([]byte{0x00, 0x01, 0xFF})
	do(h, http.MethodPost, "/s", payload, map[string]string{"Content-Type": "application/octet-stream", HeaderStreamClosed: "true"})

	w := do(h, http.MethodGet, "/s?offset=-1&live=sse", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "base64", w.Header().Get(HeaderSSEDataEncoding))
	assert.Contains(t, w.Body.String(), "data: "+base64.StdEncoding.EncodeToString([]byte(payload)))
}

func TestSSEJSONStreamStripsTrailingComma(t *testing.T) {
	h := newTestHandler(t, Options{LongPollTimeout: 5 * time.Second})
	ct := map[string]string{"Content-Type": "application/json"}
	do(h, http.MethodPut, "/j", "", ct)
	do(h, http.MethodPost, "/j", `[{"a":1},{"b":2}]`, map[string]string{"Content-Type": "application/json", HeaderStreamClosed: "true"})

	w := do(h, http.MethodGet, "/j?offset=-1&live=sse", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `data: {"a":1},{"b":2}`+"\n\n")
}

func TestSSEKeepAliveOnTimeout(t *testing.T) {
	h := newTestHandler(t, Options{LongPollTimeout: 30 * time.Millisecond})
	do(h, http.MethodPut, "/s", "", map[string]string{"Content-Type": "text/plain"})

	// Terminate the session via request cancellation after a few timeout
	// round trips.
	req := httptest.NewRequest(http.MethodGet, "/s?offset="+zeroOffset+"&live=sse", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 100*time.Millisecond)
	defer cancel()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req.WithContext(ctx))

	body := w.Body.String()
	require.Contains(t, body, "event: control\n")
	ctl := lastControl(t, body)
	assert.True(t, ctl.UpToDate)
	assert.False(t, ctl.StreamClosed)
	assert.Equal(t, zeroOffset, ctl.StreamNextOffset)
	assert.NotContains(t, body, "event: data\n")
}

func TestWriteDataEvent(t *testing.T) {
	var buf bytes.Buffer
	writeDataEvent(&buf, []byte("plain"), true, false)
	assert.Equal(t, "event: data\ndata: plain\n\n", buf.String())

	buf.Reset()
	writeDataEvent(&buf, []byte{0xDE, 0xAD}, false, false)
	assert.Equal(t, "event: data\ndata: 3q0=\n\n", buf.String())
}
