package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streamd/internal/offset"
)

// memStream is a stream held entirely in memory. Messages carry the offset
// of their end, so a message's start is the previous message's end.
type memStream struct {
	meta     StreamMetadata
	messages []Message
}

// MemoryStore keeps all streams in process memory. It applies the same
// protocol semantics as FileStore and is the backend of choice for tests and
// ephemeral deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memStream
	lp      *longPollManager
	done    chan struct{}
	closed  bool
	logger  *zap.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		streams: make(map[string]*memStream),
		lp:      newLongPollManager(),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// getLive returns the stream at path, deleting it first if expired. Callers
// hold s.mu for writing.
func (s *MemoryStore) getLive(path string) *memStream {
	st, ok := s.streams[path]
	if !ok {
		return nil
	}
	if st.meta.IsExpired() {
		delete(s.streams, path)
		s.lp.notify(path)
		return nil
	}
	return st
}

func (s *MemoryStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}

	if existing := s.getLive(path); existing != nil {
		if !existing.meta.ConfigMatches(opts) {
			return nil, false, ErrConfigMismatch
		}
		return existing.meta.clone(), false, nil
	}

	contentType := NormalizeContentType(opts.ContentType)
	st := &memStream{
		meta: StreamMetadata{
			Path:        path,
			ContentType: contentType,
			TTLSeconds:  opts.TTLSeconds,
			ExpiresAt:   opts.ExpiresAt,
			CreatedAt:   time.Now(),
			Producers:   make(map[string]*ProducerState),
			Closed:      opts.Closed,
		},
	}

	if len(opts.InitialData) > 0 {
		data := opts.InitialData
		if IsJSONContentType(contentType) {
			processed, err := processJSONAppend(data, true)
			if err != nil {
				return nil, false, err
			}
			data = processed
		}
		if len(data) > 0 {
			st.meta.CurrentOffset = st.meta.CurrentOffset.Add(uint64(len(data)))
			st.messages = append(st.messages, Message{Data: data, Offset: st.meta.CurrentOffset})
		}
	}

	s.streams[path] = st
	s.logger.Debug("stream created",
		zap.String("path", path),
		zap.String("content_type", contentType))
	return st.meta.clone(), true, nil
}

func (s *MemoryStore) Get(path string) (*StreamMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLive(path)
	if st == nil {
		return nil, ErrStreamNotFound
	}
	return st.meta.clone(), nil
}

func (s *MemoryStore) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLive(path) != nil
}

func (s *MemoryStore) Delete(path string) error {
	s.mu.Lock()
	_, ok := s.streams[path]
	delete(s.streams, path)
	s.mu.Unlock()
	if !ok {
		return ErrStreamNotFound
	}
	s.lp.notify(path)
	return nil
}

func (s *MemoryStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	s.mu.Lock()
	st := s.getLive(path)
	if st == nil {
		s.mu.Unlock()
		return AppendResult{}, ErrStreamNotFound
	}

	res, notify, err := appendLocked(&st.meta, opts, func(payload []byte) (offset.Offset, error) {
		st.meta.CurrentOffset = st.meta.CurrentOffset.Add(uint64(len(payload)))
		st.messages = append(st.messages, Message{Data: payload, Offset: st.meta.CurrentOffset})
		return st.meta.CurrentOffset, nil
	}, data)
	s.mu.Unlock()

	if notify {
		s.lp.notify(path)
	}
	return res, err
}

// appendLocked applies the full append validation pipeline to meta and, when
// validation passes and there is payload to store, calls write. It is shared
// by both backends; the caller holds whatever lock guards meta. The returned
// bool reports whether waiters should be woken.
func appendLocked(meta *StreamMetadata, opts AppendOptions, write func([]byte) (offset.Offset, error), data []byte) (AppendResult, bool, error) {
	if meta.Closed {
		// Only a retry of the exact producer write that closed the
		// stream replays as a duplicate; every other write, including
		// earlier seqs from the same producer, gets the closed error.
		if opts.HasProducer() && meta.ClosedBy != nil &&
			meta.ClosedBy.ProducerID == opts.ProducerID &&
			meta.ClosedBy.Epoch == *opts.ProducerEpoch &&
			meta.ClosedBy.Seq == *opts.ProducerSeq {
			return AppendResult{
				Offset:   meta.CurrentOffset,
				Producer: ProducerDuplicate,
				LastSeq:  meta.ClosedBy.Seq,
				Closed:   true,
			}, false, nil
		}
		return AppendResult{Offset: meta.CurrentOffset, Closed: true}, false, ErrStreamClosed
	}

	if opts.ContentType != "" && !ContentTypeMatches(meta.ContentType, opts.ContentType) {
		return AppendResult{}, false, ErrContentTypeMismatch
	}

	var decision producerDecision
	if opts.HasProducer() {
		decision = validateProducer(meta.Producers[opts.ProducerID], *opts.ProducerEpoch, *opts.ProducerSeq)
		if decision.Err != nil {
			return AppendResult{
				CurrentEpoch: decision.CurrentEpoch,
				ExpectedSeq:  decision.ExpectedSeq,
				ReceivedSeq:  decision.ReceivedSeq,
			}, false, decision.Err
		}
		if decision.Duplicate {
			res := AppendResult{
				Offset:   meta.CurrentOffset,
				Producer: ProducerDuplicate,
				LastSeq:  decision.LastSeq,
				Closed:   meta.Closed,
			}
			return res, false, nil
		}
	}

	if opts.Seq != "" {
		if meta.LastSeq != "" && opts.Seq <= meta.LastSeq {
			return AppendResult{}, false, ErrSequenceConflict
		}
	}

	payload := data
	if len(payload) > 0 && IsJSONContentType(meta.ContentType) {
		processed, err := processJSONAppend(payload, false)
		if err != nil {
			return AppendResult{}, false, err
		}
		payload = processed
	}

	// Validation is complete; nothing above mutated meta. The write comes
	// first so a storage failure leaves producer state untouched and the
	// client retry is not misclassified as a duplicate.
	cur := meta.CurrentOffset
	if len(payload) > 0 {
		var err error
		cur, err = write(payload)
		if err != nil {
			return AppendResult{}, false, fmt.Errorf("append write: %w", err)
		}
	}

	now := time.Now()
	if opts.HasProducer() {
		pruneProducers(meta.Producers, now)
		meta.Producers[opts.ProducerID] = &ProducerState{
			Epoch:       *opts.ProducerEpoch,
			LastSeq:     decision.LastSeq,
			LastUpdated: now.UnixMilli(),
		}
	}
	if opts.Seq != "" {
		meta.LastSeq = opts.Seq
	}
	if opts.Close {
		meta.Closed = true
		if opts.HasProducer() {
			meta.ClosedBy = &ClosedByProducer{
				ProducerID: opts.ProducerID,
				Epoch:      *opts.ProducerEpoch,
				Seq:        *opts.ProducerSeq,
			}
		}
	}

	res := AppendResult{
		Offset:  cur,
		LastSeq: decision.LastSeq,
		Closed:  meta.Closed,
	}
	if opts.HasProducer() {
		res.Producer = ProducerAccepted
	}
	return res, len(payload) > 0 || opts.Close, nil
}

func (s *MemoryStore) CloseStream(path string) (*CloseResult, error) {
	s.mu.Lock()
	st := s.getLive(path)
	if st == nil {
		s.mu.Unlock()
		return nil, ErrStreamNotFound
	}
	already := st.meta.Closed
	st.meta.Closed = true
	final := st.meta.CurrentOffset
	s.mu.Unlock()

	if !already {
		s.lp.notify(path)
	}
	return &CloseResult{FinalOffset: final, AlreadyClosed: already}, nil
}

func (s *MemoryStore) CloseStreamWithProducer(path, producerID string, epoch, seq int64) (AppendResult, error) {
	return s.Append(path, nil, AppendOptions{
		Close:         true,
		ProducerID:    producerID,
		ProducerEpoch: &epoch,
		ProducerSeq:   &seq,
	})
}

func (s *MemoryStore) Read(path string, from offset.Offset) (ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLive(path)
	if st == nil {
		return ReadResult{}, ErrStreamNotFound
	}
	return readMemLocked(st, from), nil
}

func readMemLocked(st *memStream, from offset.Offset) ReadResult {
	res := ReadResult{
		CurrentOffset: st.meta.CurrentOffset,
		Closed:        st.meta.Closed,
	}
	start := offset.Zero
	for _, msg := range st.messages {
		if !start.Less(from) {
			res.Messages = append(res.Messages, msg)
		}
		start = msg.Offset
	}
	res.UpToDate = true
	return res
}

func (s *MemoryStore) WaitForMessages(ctx context.Context, path string, from offset.Offset, timeout time.Duration) (WaitResult, error) {
	res, err := s.Read(path, from)
	if err != nil {
		return WaitResult{}, err
	}
	if len(res.Messages) > 0 || res.Closed {
		return WaitResult{ReadResult: res}, nil
	}

	ch := s.lp.register(path)
	defer func() { s.lp.unregister(path, ch) }()

	// Re-check after registering; an append between the first read and
	// register would otherwise be missed.
	res, err = s.Read(path, from)
	if err != nil {
		return WaitResult{}, err
	}
	if len(res.Messages) > 0 || res.Closed {
		return WaitResult{ReadResult: res}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ch:
			// notify already dropped the fired channel, so re-arm
			// before the read; register-then-recheck keeps the same
			// race guarantee as the initial wait.
			ch = s.lp.register(path)
			res, err = s.Read(path, from)
			if err != nil {
				return WaitResult{}, err
			}
			if len(res.Messages) > 0 || res.Closed {
				return WaitResult{ReadResult: res}, nil
			}
		case <-timer.C:
			return WaitResult{ReadResult: res, TimedOut: true}, nil
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		case <-s.done:
			return WaitResult{}, ErrStoreClosed
		}
	}
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	paths := make([]string, 0, len(s.streams))
	for p := range s.streams {
		paths = append(paths, p)
	}
	s.streams = make(map[string]*memStream)
	s.mu.Unlock()
	for _, p := range paths {
		s.lp.notify(p)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.lp.notifyAll()
	return nil
}

// WaiterCount reports registered long-poll waiters, for metrics and tests.
func (s *MemoryStore) WaiterCount() int { return s.lp.count() }
