// Package httpapi exposes the durable streams protocol over HTTP. The
// handler is a thin layer: it parses and validates requests, dispatches to
// the store, and maps typed store errors onto the protocol's status codes
// and headers.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streamd/internal/hooks"
	"github.com/durable-streams/streamd/internal/metrics"
	"github.com/durable-streams/streamd/internal/offset"
	"github.com/durable-streams/streamd/internal/store"
)

// Protocol headers.
const (
	HeaderStreamNextOffset = "Stream-Next-Offset"
	HeaderStreamCursor     = "Stream-Cursor"
	HeaderStreamUpToDate   = "Stream-Up-To-Date"
	HeaderStreamSeq        = "Stream-Seq"
	HeaderStreamTTL        = "Stream-TTL"
	HeaderStreamExpiresAt  = "Stream-Expires-At"
	HeaderStreamClosed     = "Stream-Closed"
	HeaderSSEDataEncoding  = "Stream-SSE-Data-Encoding"
	HeaderProducerID       = "Producer-Id"
	HeaderProducerEpoch    = "Producer-Epoch"
	HeaderProducerSeq      = "Producer-Seq"
	HeaderProducerExpected = "Producer-Expected-Seq"
	HeaderProducerReceived = "Producer-Received-Seq"
)

// exposedHeaders is the CORS allow-list for response headers clients read.
const exposedHeaders = "Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, " +
	"Stream-Closed, Stream-SSE-Data-Encoding, Producer-Epoch, Producer-Seq, " +
	"Producer-Expected-Seq, Producer-Received-Seq, ETag, Location"

// DefaultLongPollTimeout bounds how long a long-poll or SSE batch waits for
// new data.
const DefaultLongPollTimeout = 30 * time.Second

// DefaultMaxAppendBytes caps request bodies.
const DefaultMaxAppendBytes = 32 << 20

// compressionThreshold is the smallest body worth compressing.
const compressionThreshold = 1024

// Options configures a Handler. Store is required; everything else has a
// usable zero value.
type Options struct {
	Store   store.Store
	Logger  *zap.Logger
	Hooks   *hooks.Registry
	Metrics *metrics.Metrics

	// BaseURL is a path prefix stripped before the remainder becomes the
	// stream key.
	BaseURL string

	LongPollTimeout time.Duration
	MaxAppendBytes  int64
	CursorInterval  time.Duration
}

// Handler serves the durable streams HTTP protocol.
type Handler struct {
	store           store.Store
	logger          *zap.Logger
	hooks           *hooks.Registry
	metrics         *metrics.Metrics
	baseURL         string
	longPollTimeout time.Duration
	maxAppendBytes  int64
	cursorInterval  time.Duration

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New builds a Handler from opts.
func New(opts Options) *Handler {
	h := &Handler{
		store:           opts.Store,
		logger:          opts.Logger,
		hooks:           opts.Hooks,
		metrics:         opts.Metrics,
		baseURL:         strings.TrimSuffix(opts.BaseURL, "/"),
		longPollTimeout: opts.LongPollTimeout,
		maxAppendBytes:  opts.MaxAppendBytes,
		cursorInterval:  opts.CursorInterval,
		shutdownCh:      make(chan struct{}),
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.hooks == nil {
		h.hooks = hooks.NewRegistry(h.logger)
	}
	if h.metrics == nil {
		h.metrics = metrics.NewNop()
	}
	if h.longPollTimeout <= 0 {
		h.longPollTimeout = DefaultLongPollTimeout
	}
	if h.maxAppendBytes <= 0 {
		h.maxAppendBytes = DefaultMaxAppendBytes
	}
	if h.cursorInterval <= 0 {
		h.cursorInterval = DefaultCursorInterval
	}
	return h
}

// Shutdown drains the handler: outstanding long-polls and SSE loops finish
// as if they timed out, and new waits return immediately.
func (h *Handler) Shutdown() {
	h.shutdownOnce.Do(func() { close(h.shutdownCh) })
}

// httpError carries a status, a short plain-text message and any state
// headers the response must include.
type httpError struct {
	status  int
	message string
	headers map[string]string
}

func (e *httpError) Error() string { return e.message }

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func (e *httpError) withHeader(k, v string) *httpError {
	if e.headers == nil {
		e.headers = make(map[string]string)
	}
	e.headers[k] = v
	return e
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addCommonHeaders(w)

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	path, ok := h.streamPath(r)
	if !ok {
		h.writeError(w, r, newHTTPError(http.StatusNotFound, "no stream path"))
		return
	}

	var err error
	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, path)
	case http.MethodHead:
		err = h.handleHead(w, r, path)
	case http.MethodGet:
		err = h.handleRead(w, r, path)
	case http.MethodPost:
		err = h.handleAppend(w, r, path)
	case http.MethodDelete:
		err = h.handleDelete(w, r, path)
	default:
		w.Header().Set("Allow", "GET, PUT, POST, DELETE, HEAD, OPTIONS")
		err = newHTTPError(http.StatusMethodNotAllowed, "method not allowed")
	}
	if err != nil {
		h.writeError(w, r, err)
	}
}

func addCommonHeaders(w http.ResponseWriter) {
	hd := w.Header()
	hd.Set("Access-Control-Allow-Origin", "*")
	hd.Set("Access-Control-Expose-Headers", exposedHeaders)
	hd.Set("X-Content-Type-Options", "nosniff")
}

// streamPath extracts the stream key from the request path, stripping the
// configured base prefix.
func (h *Handler) streamPath(r *http.Request) (string, bool) {
	p := r.URL.Path
	if h.baseURL != "" {
		if !strings.HasPrefix(p, h.baseURL) {
			return "", false
		}
		p = strings.TrimPrefix(p, h.baseURL)
	}
	if p == "" || p == "/" {
		return "", false
	}
	return p, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var he *httpError
	if !errors.As(err, &he) {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		he = newHTTPError(http.StatusInternalServerError, "internal server error")
	}
	for k, v := range he.headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(he.status)
	io.WriteString(w, he.message)
}

// readBody drains the request body under the configured cap.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxAppendBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, newHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
		}
		return nil, err
	}
	return body, nil
}

// ttlPattern accepts non-negative integers without leading zeros.
var ttlPattern = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)

// parseExpiry reads the Stream-TTL and Stream-Expires-At headers, which are
// mutually exclusive.
func parseExpiry(r *http.Request) (ttl *int64, expiresAt *time.Time, err error) {
	ttlRaw := r.Header.Get(HeaderStreamTTL)
	expRaw := r.Header.Get(HeaderStreamExpiresAt)
	if ttlRaw != "" && expRaw != "" {
		return nil, nil, newHTTPError(http.StatusBadRequest, "Stream-TTL and Stream-Expires-At are mutually exclusive")
	}
	if ttlRaw != "" {
		if !ttlPattern.MatchString(ttlRaw) {
			return nil, nil, newHTTPError(http.StatusBadRequest, "invalid Stream-TTL")
		}
		v, perr := strconv.ParseInt(ttlRaw, 10, 64)
		if perr != nil {
			return nil, nil, newHTTPError(http.StatusBadRequest, "invalid Stream-TTL")
		}
		ttl = &v
	}
	if expRaw != "" {
		t, perr := time.Parse(time.RFC3339, expRaw)
		if perr != nil {
			return nil, nil, newHTTPError(http.StatusBadRequest, "invalid Stream-Expires-At")
		}
		expiresAt = &t
	}
	return ttl, expiresAt, nil
}

func isTrue(v string) bool { return strings.EqualFold(v, "true") }

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	ttl, expiresAt, err := parseExpiry(r)
	if err != nil {
		return err
	}
	body, err := h.readBody(w, r)
	if err != nil {
		return err
	}

	opts := store.CreateOptions{
		ContentType: r.Header.Get("Content-Type"),
		TTLSeconds:  ttl,
		ExpiresAt:   expiresAt,
		InitialData: body,
		Closed:      isTrue(r.Header.Get(HeaderStreamClosed)),
	}
	meta, created, err := h.store.Create(path, opts)
	switch {
	case errors.Is(err, store.ErrConfigMismatch):
		return newHTTPError(http.StatusConflict, "stream exists with different configuration")
	case errors.Is(err, store.ErrInvalidJSON):
		return newHTTPError(http.StatusBadRequest, "invalid JSON")
	case err != nil:
		return err
	}

	if created {
		h.metrics.StreamsCreated.Inc()
		if err := h.hooks.Emit(r.Context(), hooks.StreamCreated, path, meta.ContentType); err != nil {
			return err
		}
	}

	hd := w.Header()
	hd.Set(HeaderStreamNextOffset, meta.CurrentOffset.String())
	if meta.Closed {
		hd.Set(HeaderStreamClosed, "true")
	}
	if created {
		hd.Set("Location", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if errors.Is(err, store.ErrStreamNotFound) {
		return newHTTPError(http.StatusNotFound, "stream not found")
	}
	if err != nil {
		return err
	}

	hd := w.Header()
	hd.Set("Content-Type", meta.ContentType)
	hd.Set("Cache-Control", "no-store")
	hd.Set(HeaderStreamNextOffset, meta.CurrentOffset.String())
	if meta.Closed {
		hd.Set(HeaderStreamClosed, "true")
	}
	tag := computeETag(path, meta.CurrentOffset, meta.CurrentOffset, meta.Closed)
	hd.Set("ETag", tag)
	if etagMatches(r.Header.Get("If-None-Match"), tag) {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// parseProducer extracts the producer triple. All three headers must be
// present together.
func parseProducer(r *http.Request, opts *store.AppendOptions) error {
	id := r.Header.Get(HeaderProducerID)
	epochRaw := r.Header.Get(HeaderProducerEpoch)
	seqRaw := r.Header.Get(HeaderProducerSeq)
	if id == "" && epochRaw == "" && seqRaw == "" {
		return nil
	}
	if id == "" || epochRaw == "" || seqRaw == "" {
		return newHTTPError(http.StatusBadRequest, "incomplete producer headers")
	}
	epoch, err := strconv.ParseInt(epochRaw, 10, 64)
	if err != nil || epoch < 0 {
		return newHTTPError(http.StatusBadRequest, "invalid Producer-Epoch")
	}
	seq, err := strconv.ParseInt(seqRaw, 10, 64)
	if err != nil || seq < 0 {
		return newHTTPError(http.StatusBadRequest, "invalid Producer-Seq")
	}
	opts.ProducerID = id
	opts.ProducerEpoch = &epoch
	opts.ProducerSeq = &seq
	return nil
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	body, err := h.readBody(w, r)
	if err != nil {
		return err
	}
	closeRequested := isTrue(r.Header.Get(HeaderStreamClosed))
	if len(body) == 0 && !closeRequested {
		return newHTTPError(http.StatusBadRequest, "empty body")
	}
	if len(body) > 0 && r.Header.Get("Content-Type") == "" {
		return newHTTPError(http.StatusBadRequest, "missing Content-Type")
	}

	opts := store.AppendOptions{
		Seq:         r.Header.Get(HeaderStreamSeq),
		ContentType: r.Header.Get("Content-Type"),
		Close:       closeRequested,
	}
	if err := parseProducer(r, &opts); err != nil {
		return err
	}

	var res store.AppendResult
	if len(body) == 0 && closeRequested && !opts.HasProducer() {
		cr, cerr := h.store.CloseStream(path)
		if errors.Is(cerr, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		if cerr != nil {
			return cerr
		}
		hd := w.Header()
		hd.Set(HeaderStreamNextOffset, cr.FinalOffset.String())
		hd.Set(HeaderStreamClosed, "true")
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	res, err = h.store.Append(path, body, opts)
	if err != nil {
		h.metrics.Appends.WithLabelValues("rejected").Inc()
		return appendError(err, res)
	}

	hd := w.Header()
	hd.Set(HeaderStreamNextOffset, res.Offset.String())
	if res.Closed {
		hd.Set(HeaderStreamClosed, "true")
	}
	switch res.Producer {
	case store.ProducerAccepted:
		h.metrics.Appends.WithLabelValues("accepted").Inc()
		h.metrics.BytesAppended.Add(float64(len(body)))
		hd.Set(HeaderProducerEpoch, strconv.FormatInt(*opts.ProducerEpoch, 10))
		hd.Set(HeaderProducerSeq, strconv.FormatInt(res.LastSeq, 10))
		w.WriteHeader(http.StatusOK)
	case store.ProducerDuplicate:
		h.metrics.Appends.WithLabelValues("duplicate").Inc()
		hd.Set(HeaderProducerEpoch, strconv.FormatInt(*opts.ProducerEpoch, 10))
		hd.Set(HeaderProducerSeq, strconv.FormatInt(res.LastSeq, 10))
		w.WriteHeader(http.StatusNoContent)
	default:
		h.metrics.Appends.WithLabelValues("accepted").Inc()
		h.metrics.BytesAppended.Add(float64(len(body)))
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

// appendError maps store append failures to protocol responses.
func appendError(err error, res store.AppendResult) error {
	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		return newHTTPError(http.StatusNotFound, "stream not found")
	case errors.Is(err, store.ErrStreamClosed):
		return newHTTPError(http.StatusConflict, "stream is closed").
			withHeader(HeaderStreamClosed, "true").
			withHeader(HeaderStreamNextOffset, res.Offset.String())
	case errors.Is(err, store.ErrContentTypeMismatch):
		return newHTTPError(http.StatusConflict, "content type mismatch")
	case errors.Is(err, store.ErrStaleEpoch):
		return newHTTPError(http.StatusForbidden, "stale producer epoch").
			withHeader(HeaderProducerEpoch, strconv.FormatInt(res.CurrentEpoch, 10))
	case errors.Is(err, store.ErrInvalidEpochSeq):
		return newHTTPError(http.StatusBadRequest, "new epoch must start at sequence 0")
	case errors.Is(err, store.ErrProducerSeqGap):
		return newHTTPError(http.StatusConflict, "producer sequence gap").
			withHeader(HeaderProducerExpected, strconv.FormatInt(res.ExpectedSeq, 10)).
			withHeader(HeaderProducerReceived, strconv.FormatInt(res.ReceivedSeq, 10))
	case errors.Is(err, store.ErrSequenceConflict):
		return newHTTPError(http.StatusConflict, "sequence number conflict")
	case errors.Is(err, store.ErrInvalidJSON):
		return newHTTPError(http.StatusBadRequest, "invalid JSON")
	case errors.Is(err, store.ErrEmptyJSONArray):
		return newHTTPError(http.StatusBadRequest, "empty JSON array")
	default:
		return err
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if errors.Is(err, store.ErrStreamNotFound) {
		return newHTTPError(http.StatusNotFound, "stream not found")
	}
	if err != nil {
		return err
	}
	if err := h.store.Delete(path); err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}
	h.metrics.StreamsDeleted.Inc()
	if err := h.hooks.Emit(r.Context(), hooks.StreamDeleted, path, meta.ContentType); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// readParams is the validated query surface of a GET.
type readParams struct {
	from   offset.Offset
	isNow  bool
	live   string // "", "long-poll" or "sse"
	cursor string
}

func parseReadParams(r *http.Request) (readParams, error) {
	q := r.URL.Query()
	var p readParams

	offs, hasOffset := q["offset"]
	if hasOffset {
		if len(offs) > 1 {
			return p, newHTTPError(http.StatusBadRequest, "multiple offset values")
		}
		raw := offs[0]
		if !offset.Valid(raw) {
			return p, newHTTPError(http.StatusBadRequest, "malformed offset")
		}
		o, isNow, err := offset.Normalize(raw)
		if err != nil {
			return p, newHTTPError(http.StatusBadRequest, "malformed offset")
		}
		p.from, p.isNow = o, isNow
	}

	switch live := q.Get("live"); live {
	case "":
	case "long-poll", "sse":
		if !hasOffset {
			return p, newHTTPError(http.StatusBadRequest, "live mode requires offset")
		}
		p.live = live
	default:
		return p, newHTTPError(http.StatusBadRequest, "invalid live mode")
	}

	p.cursor = q.Get("cursor")
	return p, nil
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	p, err := parseReadParams(r)
	if err != nil {
		return err
	}

	meta, err := h.store.Get(path)
	if errors.Is(err, store.ErrStreamNotFound) {
		return newHTTPError(http.StatusNotFound, "stream not found")
	}
	if err != nil {
		return err
	}

	from := p.from
	if p.isNow {
		from = meta.CurrentOffset
	}

	if p.live == "sse" {
		return h.serveSSE(w, r, path, meta, from, p.cursor)
	}

	res, err := h.store.Read(path, from)
	if errors.Is(err, store.ErrStreamNotFound) {
		return newHTTPError(http.StatusNotFound, "stream not found")
	}
	if err != nil {
		return err
	}

	if p.live == "long-poll" && len(res.Messages) == 0 && !res.Closed {
		h.metrics.Reads.WithLabelValues("longpoll").Inc()
		return h.longPoll(w, r, path, meta, from, p.cursor)
	}
	h.metrics.Reads.WithLabelValues("catchup").Inc()

	if p.live == "long-poll" && len(res.Messages) == 0 && res.Closed {
		// Closed and caught up: immediate empty response.
		h.setReadHeaders(w, res, p, true)
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	body := formatReadBody(meta.ContentType, res)
	tag := computeETag(path, from, res.CurrentOffset, res.Closed)
	w.Header().Set("ETag", tag)
	if etagMatches(r.Header.Get("If-None-Match"), tag) {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	w.Header().Set("Content-Type", meta.ContentType)
	h.setReadHeaders(w, res, p, p.live != "" || p.cursor != "")
	h.writeCompressed(w, r, http.StatusOK, body)
	return nil
}

// setReadHeaders applies the read-path response headers from a store
// snapshot. Cursor emission is limited to live consumers.
func (h *Handler) setReadHeaders(w http.ResponseWriter, res store.ReadResult, p readParams, withCursor bool) {
	hd := w.Header()
	hd.Set("Cache-Control", "no-store")
	hd.Set(HeaderStreamNextOffset, res.CurrentOffset.String())
	hd.Set(HeaderStreamUpToDate, "true")
	if res.Closed {
		hd.Set(HeaderStreamClosed, "true")
	}
	if withCursor {
		hd.Set(HeaderStreamCursor, nextCursor(p.cursor, h.cursorInterval, time.Now()))
	}
}

// formatReadBody assembles the response body from the read snapshot. JSON
// streams wrap their comma-terminated chunks into one array; anything else
// is a plain concatenation.
func formatReadBody(contentType string, res store.ReadResult) []byte {
	if store.IsJSONContentType(contentType) {
		chunks := make([][]byte, len(res.Messages))
		for i, m := range res.Messages {
			chunks[i] = m.Data
		}
		return store.FormatJSONResponse(chunks)
	}
	var out []byte
	for _, m := range res.Messages {
		out = append(out, m.Data...)
	}
	return out
}

// longPoll blocks until data, closure, timeout or cancellation.
func (h *Handler) longPoll(w http.ResponseWriter, r *http.Request, path string, meta *store.StreamMetadata, from offset.Offset, clientCursor string) error {
	ctx, cancel := h.drainableContext(r.Context())
	defer cancel()

	h.metrics.LiveWaiters.Inc()
	res, err := h.store.WaitForMessages(ctx, path, from, h.longPollTimeout)
	h.metrics.LiveWaiters.Dec()
	switch {
	case errors.Is(err, context.Canceled):
		select {
		case <-h.shutdownCh:
			// Drain: respond as a timeout so the client reconnects
			// elsewhere.
			res = store.WaitResult{TimedOut: true, ReadResult: store.ReadResult{CurrentOffset: from, UpToDate: true}}
		default:
			// Client went away; nothing useful to write.
			return nil
		}
	case errors.Is(err, store.ErrStoreClosed):
		res = store.WaitResult{TimedOut: true, ReadResult: store.ReadResult{CurrentOffset: from, UpToDate: true}}
	case errors.Is(err, store.ErrStreamNotFound):
		return newHTTPError(http.StatusNotFound, "stream not found")
	case err != nil:
		return err
	}

	p := readParams{cursor: clientCursor}
	if res.TimedOut || (len(res.Messages) == 0 && res.Closed) {
		h.setReadHeaders(w, res.ReadResult, p, true)
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	body := formatReadBody(meta.ContentType, res.ReadResult)
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("ETag", computeETag(path, from, res.CurrentOffset, res.Closed))
	h.setReadHeaders(w, res.ReadResult, p, true)
	h.writeCompressed(w, r, http.StatusOK, body)
	return nil
}

// drainableContext derives a context cancelled by either the request or
// handler shutdown.
func (h *Handler) drainableContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-h.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
