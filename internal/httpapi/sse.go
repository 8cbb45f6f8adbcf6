package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/durable-streams/streamd/internal/offset"
	"github.com/durable-streams/streamd/internal/store"
)

// sseControl is the payload of a control event, sent after every data batch
// and as a keep-alive on caught-up timeouts.
type sseControl struct {
	StreamNextOffset string `json:"streamNextOffset"`
	StreamCursor     string `json:"streamCursor,omitempty"`
	UpToDate         bool   `json:"upToDate,omitempty"`
	StreamClosed     bool   `json:"streamClosed,omitempty"`
}

// lineBreaks splits payloads for data: lines. Splitting on every line-break
// flavor keeps a payload from smuggling its own SSE fields into the frame.
var lineBreaks = regexp.MustCompile(`\r\n|\r|\n`)

// sseTextCompatible reports whether payloads of this content type can be
// emitted as UTF-8 text. Everything else goes out base64-encoded.
func sseTextCompatible(contentType string) bool {
	ct := store.NormalizeContentType(contentType)
	return strings.HasPrefix(ct, "text/") || store.IsJSONContentType(ct)
}

// serveSSE streams a live read as server-sent events: one data event per
// message followed by a control event per batch, until the stream closes at
// the client's tail, the client disconnects, or the handler drains.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, path string, meta *store.StreamMetadata, from offset.Offset, clientCursor string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("response writer does not support streaming")
	}

	asText := sseTextCompatible(meta.ContentType)
	hd := w.Header()
	hd.Set("Content-Type", "text/event-stream")
	hd.Set("Cache-Control", "no-cache")
	hd.Set("Connection", "keep-alive")
	if !asText {
		hd.Set(HeaderSSEDataEncoding, "base64")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.metrics.Reads.WithLabelValues("sse").Inc()
	h.metrics.SSESessions.Inc()
	defer h.metrics.SSESessions.Dec()

	ctx, cancel := h.drainableContext(r.Context())
	defer cancel()

	cur := from
	cursor := clientCursor
	var buf bytes.Buffer
	for {
		res, err := h.store.WaitForMessages(ctx, path, cur, h.longPollTimeout)
		if err != nil {
			// Disconnect, drain or deletion; the event stream just
			// ends.
			return nil
		}

		buf.Reset()
		for _, msg := range res.Messages {
			writeDataEvent(&buf, msg.Data, asText, store.IsJSONContentType(meta.ContentType))
		}
		cur = res.CurrentOffset
		cursor = nextCursor(cursor, h.cursorInterval, time.Now())

		// Reading always runs to the tail, so a closed result means the
		// client is now at the closed stream's end.
		ctl := sseControl{
			StreamNextOffset: cur.String(),
			StreamCursor:     cursor,
			UpToDate:         true,
			StreamClosed:     res.Closed,
		}
		writeControlEvent(&buf, ctl)

		if _, err := w.Write(buf.Bytes()); err != nil {
			return nil
		}
		flusher.Flush()

		if res.Closed {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
	}
}

// writeDataEvent frames one message payload. JSON batches are stored with a
// trailing comma, which is dropped so each event carries parseable content.
func writeDataEvent(buf *bytes.Buffer, data []byte, asText, isJSON bool) {
	buf.WriteString("event: data\n")
	if !asText {
		buf.WriteString("data: ")
		buf.WriteString(base64.StdEncoding.EncodeToString(data))
		buf.WriteString("\n\n")
		return
	}
	if isJSON {
		data = bytes.TrimSuffix(data, []byte(","))
	}
	for _, line := range lineBreaks.Split(string(data), -1) {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
}

func writeControlEvent(buf *bytes.Buffer, ctl sseControl) {
	payload, err := json.Marshal(ctl)
	if err != nil {
		return
	}
	buf.WriteString("event: control\n")
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
}
