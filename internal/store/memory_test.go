package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/durable-streams/streamd/internal/offset"
)

func int64p(v int64) *int64 { return &v }

func mustAppend(t *testing.T, s Store, path string, data string) AppendResult {
	t.Helper()
	res, err := s.Append(path, []byte(data), AppendOptions{ContentType: ""})
	if err != nil {
		t.Fatalf("append %q: %v", data, err)
	}
	return res
}

func TestMemoryCreateIdempotent(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()

	meta, created, err := s.Create("/s", CreateOptions{ContentType: "application/octet-stream"})
	if err != nil || !created {
		t.Fatalf("first create: %v created=%v", err, created)
	}
	if !meta.CurrentOffset.IsZero() {
		t.Errorf("new stream offset = %v", meta.CurrentOffset)
	}

	_, created, err = s.Create("/s", CreateOptions{ContentType: "application/octet-stream"})
	if err != nil || created {
		t.Fatalf("idempotent create: %v created=%v", err, created)
	}

	_, _, err = s.Create("/s", CreateOptions{ContentType: "application/json"})
	if !errors.Is(err, ErrConfigMismatch) {
		t.Errorf("config mismatch error = %v", err)
	}

	_, _, err = s.Create("/s", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: int64p(60)})
	if !errors.Is(err, ErrConfigMismatch) {
		t.Errorf("ttl mismatch error = %v", err)
	}
}

func TestMemoryAppendAdvancesOffsets(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/s", CreateOptions{ContentType: "application/octet-stream"})

	res := mustAppend(t, s, "/s", "AB")
	if got := res.Offset.String(); got != "0000000000000000_0000000000000002" {
		t.Errorf("offset after AB = %s", got)
	}
	res = mustAppend(t, s, "/s", "CD")
	if got := res.Offset.String(); got != "0000000000000000_0000000000000004" {
		t.Errorf("offset after CD = %s", got)
	}

	read, err := s.Read("/s", offset.Zero)
	if err != nil {
		t.Fatal(err)
	}
	var all []byte
	for _, m := range read.Messages {
		all = append(all, m.Data...)
	}
	if string(all) != "ABCD" {
		t.Errorf("read = %q, want ABCD", all)
	}
	if !read.CurrentOffset.Equal(res.Offset) {
		t.Errorf("current offset %v != last append %v", read.CurrentOffset, res.Offset)
	}
}

func TestMemoryReadFromOffset(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/s", CreateOptions{})
	mustAppend(t, s, "/s", "AB")
	second := mustAppend(t, s, "/s", "CD")

	read, err := s.Read("/s", offset.Offset{ByteOffset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(read.Messages) != 1 || string(read.Messages[0].Data) != "CD" {
		t.Fatalf("messages = %+v", read.Messages)
	}

	read, err = s.Read("/s", second.Offset)
	if err != nil {
		t.Fatal(err)
	}
	if len(read.Messages) != 0 || !read.UpToDate {
		t.Errorf("read at tail: messages=%d upToDate=%v", len(read.Messages), read.UpToDate)
	}
}

func TestMemoryJSONAppendAndRead(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/j", CreateOptions{ContentType: "application/json", InitialData: []byte("[]")})

	if _, err := s.Append("/j", []byte(`{"x":1}`), AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append("/j", []byte(`[{"x":2},{"x":3}]`), AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append("/j", []byte(`[]`), AppendOptions{}); !errors.Is(err, ErrEmptyJSONArray) {
		t.Errorf("empty array append error = %v", err)
	}

	read, err := s.Read("/j", offset.Zero)
	if err != nil {
		t.Fatal(err)
	}
	chunks := make([][]byte, len(read.Messages))
	for i, m := range read.Messages {
		chunks[i] = m.Data
	}
	if got := string(FormatJSONResponse(chunks)); got != `[{"x":1},{"x":2},{"x":3}]` {
		t.Errorf("json body = %s", got)
	}
}

func TestMemoryContentTypeMismatch(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/s", CreateOptions{ContentType: "application/json"})

	_, err := s.Append("/s", []byte("raw"), AppendOptions{ContentType: "text/plain"})
	if !errors.Is(err, ErrContentTypeMismatch) {
		t.Errorf("error = %v", err)
	}
	// Parameters and case are ignored.
	if _, err := s.Append("/s", []byte(`1`), AppendOptions{ContentType: "Application/JSON; charset=utf-8"}); err != nil {
		t.Errorf("parameterized content type rejected: %v", err)
	}
}

func TestMemoryStreamSeqConflict(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/s", CreateOptions{})

	if _, err := s.Append("/s", []byte("a"), AppendOptions{Seq: "005"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append("/s", []byte("b"), AppendOptions{Seq: "004"}); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("lower seq error = %v", err)
	}
	if _, err := s.Append("/s", []byte("b"), AppendOptions{Seq: "005"}); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("equal seq error = %v", err)
	}
	if _, err := s.Append("/s", []byte("b"), AppendOptions{Seq: "006"}); err != nil {
		t.Errorf("higher seq rejected: %v", err)
	}
}

func TestMemoryProducerFlow(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/s", CreateOptions{})

	opts := func(epoch, seq int64) AppendOptions {
		return AppendOptions{ProducerID: "p", ProducerEpoch: int64p(epoch), ProducerSeq: int64p(seq)}
	}

	res, err := s.Append("/s", []byte("a"), opts(0, 0))
	if err != nil || res.Producer != ProducerAccepted {
		t.Fatalf("first producer append: %v %v", err, res.Producer)
	}
	firstOffset := res.Offset

	// Retry replays without writing.
	res, err = s.Append("/s", []byte("a"), opts(0, 0))
	if err != nil || res.Producer != ProducerDuplicate {
		t.Fatalf("retry: %v %v", err, res.Producer)
	}
	if res.LastSeq != 0 {
		t.Errorf("duplicate lastSeq = %d", res.LastSeq)
	}
	read, _ := s.Read("/s", offset.Zero)
	if !read.CurrentOffset.Equal(firstOffset) {
		t.Errorf("duplicate wrote bytes: %v != %v", read.CurrentOffset, firstOffset)
	}

	// Gap.
	res, err = s.Append("/s", []byte("c"), opts(0, 2))
	if !errors.Is(err, ErrProducerSeqGap) {
		t.Fatalf("gap error = %v", err)
	}
	if res.ExpectedSeq != 1 || res.ReceivedSeq != 2 {
		t.Errorf("gap details = %d/%d", res.ExpectedSeq, res.ReceivedSeq)
	}

	// New epoch restarts at zero.
	if res, err = s.Append("/s", []byte("d"), opts(1, 0)); err != nil || res.Producer != ProducerAccepted {
		t.Fatalf("new epoch: %v %v", err, res.Producer)
	}

	// Old epoch is now stale.
	res, err = s.Append("/s", []byte("e"), opts(0, 1))
	if !errors.Is(err, ErrStaleEpoch) {
		t.Fatalf("stale error = %v", err)
	}
	if res.CurrentEpoch != 1 {
		t.Errorf("current epoch = %d", res.CurrentEpoch)
	}
}

func TestMemoryCloseStream(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/s", CreateOptions{})
	last := mustAppend(t, s, "/s", "AB")

	cr, err := s.CloseStream("/s")
	if err != nil || cr.AlreadyClosed {
		t.Fatalf("close: %v already=%v", err, cr)
	}
	if !cr.FinalOffset.Equal(last.Offset) {
		t.Errorf("final offset = %v, want %v", cr.FinalOffset, last.Offset)
	}

	cr, err = s.CloseStream("/s")
	if err != nil || !cr.AlreadyClosed {
		t.Fatalf("re-close: %v already=%v", err, cr)
	}

	res, err := s.Append("/s", []byte("CD"), AppendOptions{})
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("append after close: %v", err)
	}
	if !res.Offset.Equal(last.Offset) {
		t.Errorf("closed append reported offset %v", res.Offset)
	}

	read, _ := s.Read("/s", last.Offset)
	if !read.Closed || !read.UpToDate {
		t.Errorf("read at tail of closed stream: %+v", read)
	}
}

func TestMemoryCloseWithProducerReplays(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/s", CreateOptions{})

	res, err := s.CloseStreamWithProducer("/s", "p", 0, 0)
	if err != nil || res.Producer != ProducerAccepted || !res.Closed {
		t.Fatalf("producer close: %v %+v", err, res)
	}

	// Same triple replays as a duplicate, not stream-closed.
	res, err = s.CloseStreamWithProducer("/s", "p", 0, 0)
	if err != nil || res.Producer != ProducerDuplicate || !res.Closed {
		t.Fatalf("replayed close: %v %+v", err, res)
	}

	// A different producer gets the closed error.
	_, err = s.Append("/s", []byte("x"), AppendOptions{
		ProducerID: "q", ProducerEpoch: int64p(0), ProducerSeq: int64p(0),
	})
	if !errors.Is(err, ErrStreamClosed) {
		t.Errorf("other producer after close: %v", err)
	}
}

func TestMemoryClosedStreamRejectsPreCloseRetry(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/s", CreateOptions{})

	opts := func(seq int64) AppendOptions {
		return AppendOptions{ProducerID: "p", ProducerEpoch: int64p(0), ProducerSeq: int64p(seq)}
	}
	for seq := int64(0); seq <= 1; seq++ {
		if _, err := s.Append("/s", []byte("x"), opts(seq)); err != nil {
			t.Fatalf("seq %d: %v", seq, err)
		}
	}
	if _, err := s.CloseStreamWithProducer("/s", "p", 0, 2); err != nil {
		t.Fatal(err)
	}

	// A retry of a seq accepted before the close is not the closing
	// write; it must see the closed error, not a duplicate.
	if _, err := s.Append("/s", []byte("x"), opts(1)); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("pre-close seq retry: %v", err)
	}

	// The closing write itself still replays.
	res, err := s.CloseStreamWithProducer("/s", "p", 0, 2)
	if err != nil || res.Producer != ProducerDuplicate || res.LastSeq != 2 {
		t.Fatalf("closing write replay: %v %+v", err, res)
	}
}

func TestMemoryAppendWithCloseFlag(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/s", CreateOptions{})

	res, err := s.Append("/s", []byte("final"), AppendOptions{Close: true})
	if err != nil || !res.Closed {
		t.Fatalf("append+close: %v %+v", err, res)
	}
	if _, err := s.Append("/s", []byte("x"), AppendOptions{}); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("append after close: %v", err)
	}
}

func TestMemoryCreateClosed(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	meta, _, err := s.Create("/s", CreateOptions{Closed: true})
	if err != nil || !meta.Closed {
		t.Fatalf("create closed: %v %+v", err, meta)
	}
	if _, err := s.Append("/s", []byte("x"), AppendOptions{}); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("append to born-closed stream: %v", err)
	}
}

func TestMemoryDelete(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/s", CreateOptions{})

	if err := s.Delete("/s"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("/s"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("second delete: %v", err)
	}
	if _, err := s.Get("/s"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("get after delete: %v", err)
	}

	// Delete then recreate starts from zero.
	meta, created, err := s.Create("/s", CreateOptions{})
	if err != nil || !created || !meta.CurrentOffset.IsZero() {
		t.Errorf("recreate: %v created=%v meta=%+v", err, created, meta)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/s", CreateOptions{TTLSeconds: int64p(0)})

	// TTL 0 expires immediately.
	time.Sleep(5 * time.Millisecond)
	if s.Has("/s") {
		t.Error("expired stream still present")
	}
	if _, err := s.Get("/s"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("get expired: %v", err)
	}
	if _, err := s.Append("/s", []byte("x"), AppendOptions{}); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("append expired: %v", err)
	}
}

func TestMemoryExpiresAt(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	s.Create("/gone", CreateOptions{ExpiresAt: &past})
	if s.Has("/gone") {
		t.Error("past expiresAt stream present")
	}
	s.Create("/alive", CreateOptions{ExpiresAt: &future})
	if !s.Has("/alive") {
		t.Error("future expiresAt stream missing")
	}
}

func TestMemoryWaitForMessages(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/L", CreateOptions{})

	done := make(chan WaitResult, 1)
	go func() {
		res, err := s.WaitForMessages(context.Background(), "/L", offset.Zero, 5*time.Second)
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()

	// Give the waiter time to block, then append.
	time.Sleep(20 * time.Millisecond)
	mustAppend(t, s, "/L", "Z")

	select {
	case res := <-done:
		if res.TimedOut {
			t.Error("wait timed out despite append")
		}
		if len(res.Messages) != 1 || string(res.Messages[0].Data) != "Z" {
			t.Errorf("messages = %+v", res.Messages)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestMemoryWaitSurvivesSpuriousWake(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/L", CreateOptions{})

	done := make(chan WaitResult, 1)
	go func() {
		res, err := s.WaitForMessages(context.Background(), "/L", offset.Zero, 5*time.Second)
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()

	// A wake that carries no new data must re-arm the waiter, not drop it.
	time.Sleep(20 * time.Millisecond)
	s.lp.notify("/L")
	time.Sleep(20 * time.Millisecond)
	mustAppend(t, s, "/L", "Z")

	select {
	case res := <-done:
		if res.TimedOut || len(res.Messages) != 1 || string(res.Messages[0].Data) != "Z" {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter lost after empty wake")
	}
	if s.WaiterCount() != 0 {
		t.Errorf("leaked waiters: %d", s.WaiterCount())
	}
}

func TestMemoryWaitTimeout(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/L", CreateOptions{})

	res, err := s.WaitForMessages(context.Background(), "/L", offset.Zero, 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut || len(res.Messages) != 0 {
		t.Errorf("result = %+v", res)
	}
	if s.WaiterCount() != 0 {
		t.Errorf("leaked waiters: %d", s.WaiterCount())
	}
}

func TestMemoryWaitReturnsOnClose(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/L", CreateOptions{})
	mustAppend(t, s, "/L", "x")
	tail, _ := s.Get("/L")

	done := make(chan WaitResult, 1)
	go func() {
		res, err := s.WaitForMessages(context.Background(), "/L", tail.CurrentOffset, 5*time.Second)
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := s.CloseStream("/L"); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if !res.Closed {
			t.Errorf("result = %+v, want closed", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by close")
	}
}

func TestMemoryWaitCancellation(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/L", CreateOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.WaitForMessages(ctx, "/L", offset.Zero, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not cancelled")
	}
}

func TestMemoryClear(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	s.Create("/a", CreateOptions{})
	s.Create("/b", CreateOptions{})

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if s.Has("/a") || s.Has("/b") {
		t.Error("streams survived Clear")
	}
}
