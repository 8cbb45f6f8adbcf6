// Package store implements durable stream storage: the protocol semantics
// (idempotent producers, JSON framing, closure, expiry) layered over two
// interchangeable backends, one in-memory and one file-backed.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/durable-streams/streamd/internal/offset"
)

// Common errors
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrConfigMismatch      = errors.New("stream configuration mismatch")
	ErrSequenceConflict    = errors.New("sequence number conflict")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrInvalidJSON         = errors.New("invalid JSON")
	ErrEmptyJSONArray      = errors.New("empty JSON array not allowed")
	ErrStreamClosed        = errors.New("stream is closed")
	ErrStoreClosed         = errors.New("store is closed")
)

// Producer validation errors
var (
	ErrStaleEpoch      = errors.New("producer epoch is stale")
	ErrInvalidEpochSeq = errors.New("new epoch must start at sequence 0")
	ErrProducerSeqGap  = errors.New("producer sequence gap detected")
)

// DefaultContentType is assumed when a stream is created without one.
const DefaultContentType = "application/octet-stream"

// ProducerTTL is how long an idle producer's state is retained before it is
// pruned opportunistically on append.
const ProducerTTL = 7 * 24 * time.Hour

// ProducerState tracks the epoch and last accepted sequence for a producer.
type ProducerState struct {
	Epoch       int64
	LastSeq     int64
	LastUpdated int64 // unix milliseconds
}

// ClosedByProducer records which producer write closed the stream, so a
// retried close with the same triple replays as an idempotent duplicate.
type ClosedByProducer struct {
	ProducerID string
	Epoch      int64
	Seq        int64
}

// ProducerOutcome classifies a producer-validated append.
type ProducerOutcome int

const (
	ProducerNone      ProducerOutcome = iota // no producer headers on the request
	ProducerAccepted                         // new data accepted
	ProducerDuplicate                        // already-accepted write replayed
)

// AppendResult is the outcome of an append or producer-scoped close.
type AppendResult struct {
	Offset       offset.Offset
	Producer     ProducerOutcome
	CurrentEpoch int64 // populated on ErrStaleEpoch
	ExpectedSeq  int64 // populated on ErrProducerSeqGap
	ReceivedSeq  int64 // populated on ErrProducerSeqGap
	LastSeq      int64 // highest accepted seq (duplicates and successes)
	Closed       bool  // stream is now closed, by this request or earlier
}

// CloseResult is the outcome of a close without producer identity.
type CloseResult struct {
	FinalOffset   offset.Offset
	AlreadyClosed bool
}

// Message is a single framed record in a stream. Offset is the position
// immediately after the record, i.e. the value a reader passes to resume.
type Message struct {
	Data   []byte
	Offset offset.Offset
}

// ReadResult is a consistent snapshot of a read.
type ReadResult struct {
	Messages      []Message
	CurrentOffset offset.Offset
	UpToDate      bool
	Closed        bool
}

// WaitResult is the outcome of a blocking read.
type WaitResult struct {
	ReadResult
	TimedOut bool
}

// CreateOptions configures stream creation.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
	Closed      bool
}

// AppendOptions configures an append.
type AppendOptions struct {
	Seq         string // Stream-Seq writer-coordination value
	ContentType string // validated against the stream's content type
	Close       bool   // close the stream atomically with this append

	// Idempotent producer identity; all three set together, or none.
	ProducerID    string
	ProducerEpoch *int64
	ProducerSeq   *int64
}

// HasProducer reports whether the full producer triple is present.
func (o AppendOptions) HasProducer() bool {
	return o.ProducerID != "" && o.ProducerEpoch != nil && o.ProducerSeq != nil
}

// Store is durable stream storage with protocol semantics applied.
type Store interface {
	// Create creates a stream, or succeeds idempotently when one already
	// exists with an equal configuration. The bool reports whether the
	// stream was newly created. A live stream with a differing config
	// yields ErrConfigMismatch.
	Create(path string, opts CreateOptions) (*StreamMetadata, bool, error)

	// Get returns a copy of the stream's metadata, or ErrStreamNotFound
	// for missing and expired streams alike.
	Get(path string) (*StreamMetadata, error)

	// Has reports whether a live (non-expired) stream exists at path.
	Has(path string) bool

	// Delete removes a stream and wakes its waiters.
	Delete(path string) error

	// Append validates and appends data. Validation order: existence,
	// closure, content type, producer triple, Stream-Seq, JSON framing.
	// State mutates only after the byte write succeeds.
	Append(path string, data []byte, opts AppendOptions) (AppendResult, error)

	// CloseStream closes a stream without appending. Idempotent.
	CloseStream(path string) (*CloseResult, error)

	// CloseStreamWithProducer closes under producer identity, recording
	// the triple in ClosedBy so retries dedupe.
	CloseStreamWithProducer(path, producerID string, epoch, seq int64) (AppendResult, error)

	// Read returns the records strictly after from, plus the current
	// tail offset and closure state as one snapshot.
	Read(path string, from offset.Offset) (ReadResult, error)

	// WaitForMessages blocks until records exist after from, the stream
	// closes, the timeout elapses, or ctx is cancelled. The waiter is
	// registered before the data re-check, so an append racing with
	// registration is never missed.
	WaitForMessages(ctx context.Context, path string, from offset.Offset, timeout time.Duration) (WaitResult, error)

	// Clear removes every stream. Intended for test harnesses.
	Clear() error

	// Close releases all resources held by the store.
	Close() error
}

// StreamMetadata describes a stream.
type StreamMetadata struct {
	Path          string
	ContentType   string
	CurrentOffset offset.Offset
	LastSeq       string // last Stream-Seq value
	TTLSeconds    *int64
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	Producers     map[string]*ProducerState
	Closed        bool
	ClosedBy      *ClosedByProducer
}

// IsExpired reports whether the stream's TTL or absolute expiry has elapsed.
func (m *StreamMetadata) IsExpired() bool {
	return m.expiredAt(time.Now())
}

func (m *StreamMetadata) expiredAt(now time.Time) bool {
	if m.ExpiresAt != nil && !now.Before(*m.ExpiresAt) {
		return true
	}
	if m.TTLSeconds != nil {
		if !now.Before(m.CreatedAt.Add(time.Duration(*m.TTLSeconds) * time.Second)) {
			return true
		}
	}
	return false
}

// ConfigMatches reports whether a proposed creation config equals this
// stream's config under the idempotent-create equality rules.
func (m *StreamMetadata) ConfigMatches(opts CreateOptions) bool {
	if !ContentTypeMatches(m.ContentType, opts.ContentType) {
		return false
	}
	if (m.TTLSeconds == nil) != (opts.TTLSeconds == nil) {
		return false
	}
	if m.TTLSeconds != nil && *m.TTLSeconds != *opts.TTLSeconds {
		return false
	}
	if (m.ExpiresAt == nil) != (opts.ExpiresAt == nil) {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.Equal(*opts.ExpiresAt) {
		return false
	}
	return m.Closed == opts.Closed
}

// clone returns a deep copy safe to hand to callers.
func (m *StreamMetadata) clone() *StreamMetadata {
	c := *m
	if m.Producers != nil {
		c.Producers = make(map[string]*ProducerState, len(m.Producers))
		for id, st := range m.Producers {
			s := *st
			c.Producers[id] = &s
		}
	}
	if m.ClosedBy != nil {
		cb := *m.ClosedBy
		c.ClosedBy = &cb
	}
	if m.TTLSeconds != nil {
		ttl := *m.TTLSeconds
		c.TTLSeconds = &ttl
	}
	if m.ExpiresAt != nil {
		exp := *m.ExpiresAt
		c.ExpiresAt = &exp
	}
	return &c
}

// NormalizeContentType reduces a Content-Type header to its lowercased media
// type: parameters stripped, surrounding whitespace trimmed, empty mapped to
// the default.
func NormalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" {
		return DefaultContentType
	}
	return ct
}

// ContentTypeMatches compares two content types ignoring case and parameters.
func ContentTypeMatches(a, b string) bool {
	return NormalizeContentType(a) == NormalizeContentType(b)
}

// IsJSONContentType reports whether the content type is application/json.
func IsJSONContentType(ct string) bool {
	return NormalizeContentType(ct) == "application/json"
}
