package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/durable-streams/streamd/internal/offset"
)

// MetadataStore is the durable KV layer beneath FileStore. Implementations
// must make Put/Delete atomic with respect to crashes: a metadata record is
// either fully present or absent, never torn.
type MetadataStore interface {
	Put(path string, rec *MetaRecord) error
	Get(path string) (*MetaRecord, error) // ErrStreamNotFound if absent
	Delete(path string) error
	ForEach(fn func(path string, rec *MetaRecord) error) error
	Close() error
}

// MetaRecord is the serialized per-stream state. It mirrors StreamMetadata
// plus file-layout bookkeeping that only the file store needs.
type MetaRecord struct {
	Path          string                    `json:"path"`
	DirName       string                    `json:"dirName"`
	ContentType   string                    `json:"contentType"`
	CurrentOffset string                    `json:"currentOffset"`
	LastSeq       string                    `json:"lastSeq,omitempty"`
	TTLSeconds    *int64                    `json:"ttlSeconds,omitempty"`
	ExpiresAt     *int64                    `json:"expiresAt,omitempty"` // unix milliseconds
	CreatedAt     int64                     `json:"createdAt"`           // unix milliseconds
	TotalBytes    int64                     `json:"totalBytes"`          // on-disk bytes incl. framing
	SegmentCount  int                       `json:"segmentCount"`
	Producers     map[string]*ProducerState `json:"producers,omitempty"`
	Closed        bool                      `json:"closed,omitempty"`
	ClosedBy      *ClosedByProducer         `json:"closedBy,omitempty"`
}

func encodeMetaRecord(rec *MetaRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode metadata for %s: %w", rec.Path, err)
	}
	return data, nil
}

func decodeMetaRecord(data []byte) (*MetaRecord, error) {
	var rec MetaRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &rec, nil
}

// toMetadata converts the stored record into the caller-facing form. An
// unparseable offset marks a corrupt record and is surfaced, not guessed at.
func (r *MetaRecord) toMetadata() (*StreamMetadata, error) {
	off, err := offset.Parse(r.CurrentOffset)
	if err != nil {
		return nil, fmt.Errorf("metadata for %s: %w", r.Path, err)
	}
	m := &StreamMetadata{
		Path:          r.Path,
		ContentType:   r.ContentType,
		CurrentOffset: off,
		LastSeq:       r.LastSeq,
		TTLSeconds:    r.TTLSeconds,
		CreatedAt:     time.UnixMilli(r.CreatedAt),
		Producers:     r.Producers,
		Closed:        r.Closed,
		ClosedBy:      r.ClosedBy,
	}
	if r.ExpiresAt != nil {
		t := time.UnixMilli(*r.ExpiresAt)
		m.ExpiresAt = &t
	}
	if m.Producers == nil {
		m.Producers = make(map[string]*ProducerState)
	}
	return m, nil
}

// fromMetadata refreshes the record's protocol fields from live metadata,
// leaving the file-layout fields to the caller.
func (r *MetaRecord) fromMetadata(m *StreamMetadata) {
	r.Path = m.Path
	r.ContentType = m.ContentType
	r.CurrentOffset = m.CurrentOffset.String()
	r.LastSeq = m.LastSeq
	r.TTLSeconds = m.TTLSeconds
	r.CreatedAt = m.CreatedAt.UnixMilli()
	r.Producers = m.Producers
	r.Closed = m.Closed
	r.ClosedBy = m.ClosedBy
	if m.ExpiresAt != nil {
		ms := m.ExpiresAt.UnixMilli()
		r.ExpiresAt = &ms
	} else {
		r.ExpiresAt = nil
	}
}
