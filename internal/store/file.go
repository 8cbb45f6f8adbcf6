package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streamd/internal/offset"
)

const (
	// deletedPrefix marks stream directories queued for removal. Renaming
	// is atomic, so a crash mid-delete leaves only a prefixed directory
	// that the next startup sweeps away.
	deletedPrefix = ".deleted~"

	// DefaultCleanupInterval is how often the background sweep looks for
	// expired streams and leftover deleted directories.
	DefaultCleanupInterval = time.Minute
)

// fileStream is the in-memory handle for one on-disk stream. mu is held for
// the full validate-write-sync-commit sequence of an append, which serializes
// writers per stream and subsumes per-producer locking.
type fileStream struct {
	mu         sync.Mutex
	meta       StreamMetadata
	dirName    string
	totalBytes int64 // on-disk bytes covered by complete frames
}

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	// Metadata overrides the default bbolt database at <root>/metadata.db.
	Metadata MetadataStore

	// PoolSize caps cached append handles; 0 means DefaultFilePoolSize.
	PoolSize int

	// CleanupInterval between expiry sweeps; 0 means DefaultCleanupInterval,
	// negative disables the sweep.
	CleanupInterval time.Duration

	Logger *zap.Logger
}

// FileStore persists streams under a root directory, one subdirectory per
// stream holding a single segment file, with stream state in a MetadataStore.
// Appends are durable before they are acknowledged: frame write, fdatasync,
// then atomic metadata commit, in that order.
type FileStore struct {
	root       string
	streamsDir string
	metadata   MetadataStore

	mu      sync.RWMutex
	streams map[string]*fileStream

	pool   *filePool
	lp     *longPollManager
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
	logger *zap.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens a file store rooted at dir, recovering any streams left
// by a previous process.
func NewFileStore(dir string, opts FileStoreOptions) (*FileStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(dir, "streams"), 0o755); err != nil {
		return nil, fmt.Errorf("create store root %s: %w", dir, err)
	}

	meta := opts.Metadata
	if meta == nil {
		var err error
		meta, err = OpenBoltMetadata(filepath.Join(dir, "metadata.db"))
		if err != nil {
			return nil, err
		}
	}

	s := &FileStore{
		root:       dir,
		streamsDir: filepath.Join(dir, "streams"),
		metadata:   meta,
		streams:    make(map[string]*fileStream),
		pool:       newFilePool(opts.PoolSize, logger),
		lp:         newLongPollManager(),
		done:       make(chan struct{}),
		logger:     logger,
	}

	if err := s.recover(); err != nil {
		meta.Close()
		return nil, err
	}
	s.sweepDeletedDirs()

	interval := opts.CleanupInterval
	if interval == 0 {
		interval = DefaultCleanupInterval
	}
	if interval > 0 {
		s.wg.Add(1)
		go s.backgroundCleanup(interval)
	}
	return s, nil
}

// recover rebuilds the in-memory stream table from metadata, reconciling each
// record against its segment file. The file is the source of truth for
// offsets: a synced frame whose metadata commit was lost is readmitted, and a
// torn trailing frame is truncated away. Metadata without a segment directory
// is an orphan from an interrupted delete and is dropped.
func (s *FileStore) recover() error {
	type fix struct {
		path string
		rec  *MetaRecord
	}
	var orphans []string
	var fixes []fix

	err := s.metadata.ForEach(func(path string, rec *MetaRecord) error {
		segPath := filepath.Join(s.streamsDir, rec.DirName, SegmentFileName)
		scan, err := ScanSegment(segPath)
		if os.IsNotExist(err) {
			orphans = append(orphans, path)
			return nil
		}
		if err != nil {
			return fmt.Errorf("recover %s: %w", path, err)
		}
		if scan.Truncated {
			s.logger.Warn("truncating torn frame",
				zap.String("stream", path),
				zap.Int64("keep_bytes", scan.FileBytes))
			if err := os.Truncate(segPath, scan.FileBytes); err != nil {
				return fmt.Errorf("truncate %s: %w", segPath, err)
			}
		}

		m, err := rec.toMetadata()
		if err != nil {
			return err
		}
		trueOffset := offset.Offset{ReadSeq: m.CurrentOffset.ReadSeq, ByteOffset: scan.LogicalBytes}
		if !m.CurrentOffset.Equal(trueOffset) || rec.TotalBytes != scan.FileBytes {
			s.logger.Info("reconciling stream offset from segment",
				zap.String("stream", path),
				zap.String("recorded", m.CurrentOffset.String()),
				zap.String("actual", trueOffset.String()))
			m.CurrentOffset = trueOffset
			rec.fromMetadata(m)
			rec.TotalBytes = scan.FileBytes
			fixes = append(fixes, fix{path: path, rec: rec})
		}

		s.streams[path] = &fileStream{
			meta:       *m,
			dirName:    rec.DirName,
			totalBytes: scan.FileBytes,
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range orphans {
		s.logger.Warn("dropping orphaned metadata", zap.String("stream", p))
		if err := s.metadata.Delete(p); err != nil {
			return err
		}
	}
	for _, f := range fixes {
		if err := s.metadata.Put(f.path, f.rec); err != nil {
			return err
		}
	}
	s.logger.Info("store recovered", zap.Int("streams", len(s.streams)))
	return nil
}

// sweepDeletedDirs removes directories left behind by interrupted deletes.
func (s *FileStore) sweepDeletedDirs() {
	entries, err := os.ReadDir(s.streamsDir)
	if err != nil {
		s.logger.Warn("reading store root", zap.Error(err))
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), deletedPrefix) {
			if err := os.RemoveAll(filepath.Join(s.streamsDir, e.Name())); err != nil {
				s.logger.Warn("removing deleted dir", zap.String("dir", e.Name()), zap.Error(err))
			}
		}
	}
}

func (s *FileStore) backgroundCleanup(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
			s.sweepDeletedDirs()
		case <-s.done:
			return
		}
	}
}

func (s *FileStore) sweepExpired() {
	s.mu.RLock()
	var expired []string
	for path, st := range s.streams {
		st.mu.Lock()
		if st.meta.IsExpired() {
			expired = append(expired, path)
		}
		st.mu.Unlock()
	}
	s.mu.RUnlock()
	for _, path := range expired {
		if err := s.Delete(path); err != nil && err != ErrStreamNotFound {
			s.logger.Warn("sweeping expired stream", zap.String("stream", path), zap.Error(err))
		} else {
			s.logger.Debug("expired stream removed", zap.String("stream", path))
		}
	}
}

// generateDirName builds a filesystem-safe directory name for a stream. The
// escaped path keeps it debuggable; the timestamp and random suffix keep a
// recreated stream from colliding with a directory queued for deletion.
func generateDirName(path string, createdAt time.Time) string {
	var rnd [4]byte
	rand.Read(rnd[:])
	return url.PathEscape(path) + "~" +
		strconv.FormatInt(createdAt.UnixMilli(), 36) + "~" +
		hex.EncodeToString(rnd[:])
}

func (s *FileStore) segmentPath(st *fileStream) string {
	return filepath.Join(s.streamsDir, st.dirName, SegmentFileName)
}

// lookup returns the live stream for path, lazily deleting it when expired.
func (s *FileStore) lookup(path string) (*fileStream, error) {
	s.mu.RLock()
	st, ok := s.streams[path]
	if ok {
		s.mu.RUnlock()
		if st.expired() {
			s.Delete(path)
			return nil, ErrStreamNotFound
		}
		return st, nil
	}
	s.mu.RUnlock()
	return nil, ErrStreamNotFound
}

func (st *fileStream) expired() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.meta.IsExpired()
}

func (s *FileStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrStoreClosed
	}
	if existing, ok := s.streams[path]; ok {
		existing.mu.Lock()
		if !existing.meta.IsExpired() {
			defer existing.mu.Unlock()
			defer s.mu.Unlock()
			if !existing.meta.ConfigMatches(opts) {
				return nil, false, ErrConfigMismatch
			}
			return existing.meta.clone(), false, nil
		}
		existing.mu.Unlock()
		s.removeLocked(path, existing)
	}
	defer s.mu.Unlock()

	now := time.Now()
	contentType := NormalizeContentType(opts.ContentType)
	st := &fileStream{
		meta: StreamMetadata{
			Path:        path,
			ContentType: contentType,
			TTLSeconds:  opts.TTLSeconds,
			ExpiresAt:   opts.ExpiresAt,
			CreatedAt:   now,
			Producers:   make(map[string]*ProducerState),
			Closed:      opts.Closed,
		},
		dirName: generateDirName(path, now),
	}

	dir := filepath.Join(s.streamsDir, st.dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create stream dir: %w", err)
	}
	// An empty segment is created eagerly so recovery can tell a new
	// stream from an orphaned record.
	seg, err := os.OpenFile(s.segmentPath(st), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("create segment: %w", err)
	}

	if len(opts.InitialData) > 0 {
		data := opts.InitialData
		if IsJSONContentType(contentType) {
			data, err = processJSONAppend(data, true)
			if err != nil {
				seg.Close()
				os.RemoveAll(dir)
				return nil, false, err
			}
		}
		if len(data) > 0 {
			n, werr := WriteFrame(seg, data)
			if werr == nil {
				werr = seg.Sync()
			}
			if werr != nil {
				seg.Close()
				os.RemoveAll(dir)
				return nil, false, werr
			}
			st.totalBytes = n
			st.meta.CurrentOffset = st.meta.CurrentOffset.Add(uint64(len(data)))
		}
	}
	if err := seg.Close(); err != nil {
		os.RemoveAll(dir)
		return nil, false, fmt.Errorf("close segment: %w", err)
	}

	if err := s.persist(st); err != nil {
		os.RemoveAll(dir)
		return nil, false, err
	}
	s.streams[path] = st
	s.logger.Debug("stream created",
		zap.String("path", path),
		zap.String("dir", st.dirName),
		zap.String("content_type", contentType))
	return st.meta.clone(), true, nil
}

// persist commits the stream's current state to the metadata store. Callers
// hold st.mu (or exclusive ownership of st).
func (s *FileStore) persist(st *fileStream) error {
	rec := &MetaRecord{DirName: st.dirName, TotalBytes: st.totalBytes, SegmentCount: 1}
	rec.fromMetadata(&st.meta)
	return s.metadata.Put(st.meta.Path, rec)
}

func (s *FileStore) Get(path string) (*StreamMetadata, error) {
	st, err := s.lookup(path)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.meta.clone(), nil
}

func (s *FileStore) Has(path string) bool {
	_, err := s.lookup(path)
	return err == nil
}

func (s *FileStore) Delete(path string) error {
	s.mu.Lock()
	st, ok := s.streams[path]
	if ok {
		s.removeLocked(path, st)
	}
	s.mu.Unlock()
	if !ok {
		return ErrStreamNotFound
	}
	s.lp.notify(path)
	return nil
}

// removeLocked drops the stream from the table, deletes its metadata and
// queues its directory for removal. Caller holds s.mu.
func (s *FileStore) removeLocked(path string, st *fileStream) {
	delete(s.streams, path)
	s.pool.remove(s.segmentPath(st))
	if err := s.metadata.Delete(path); err != nil {
		s.logger.Warn("deleting stream metadata", zap.String("stream", path), zap.Error(err))
	}
	// Rename first so the delete is atomic from the reader's point of
	// view; the directory tree goes away off the lock.
	oldDir := filepath.Join(s.streamsDir, st.dirName)
	newDir := filepath.Join(s.streamsDir, deletedPrefix+st.dirName)
	if err := os.Rename(oldDir, newDir); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("renaming stream dir for deletion", zap.String("stream", path), zap.Error(err))
		}
		return
	}
	go func() {
		if err := os.RemoveAll(newDir); err != nil {
			s.logger.Warn("removing stream dir", zap.String("dir", newDir), zap.Error(err))
		}
	}()
}

func (s *FileStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	st, err := s.lookup(path)
	if err != nil {
		return AppendResult{}, err
	}

	st.mu.Lock()
	if st.meta.IsExpired() {
		st.mu.Unlock()
		s.Delete(path)
		return AppendResult{}, ErrStreamNotFound
	}

	res, notify, err := appendLocked(&st.meta, opts, func(payload []byte) (offset.Offset, error) {
		return s.writeFrame(st, payload)
	}, data)
	if err == nil && notify {
		if perr := s.persist(st); perr != nil {
			// Bytes are on disk but the commit failed. Recovery will
			// reconcile; the client sees an error and may retry.
			st.mu.Unlock()
			return AppendResult{}, perr
		}
	}
	st.mu.Unlock()

	if notify {
		s.lp.notify(path)
	}
	return res, err
}

// writeFrame appends one frame durably. Caller holds st.mu.
func (s *FileStore) writeFrame(st *fileStream, payload []byte) (offset.Offset, error) {
	segPath := s.segmentPath(st)
	f, err := s.pool.acquire(segPath)
	if err != nil {
		return offset.Offset{}, fmt.Errorf("open segment: %w", err)
	}
	n, err := WriteFrame(f, payload)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		// The segment may hold a torn frame. Drop the handle and cut
		// the file back to the last durable frame boundary so later
		// appends do not land after garbage.
		s.pool.remove(segPath)
		if terr := os.Truncate(segPath, st.totalBytes); terr != nil && !os.IsNotExist(terr) {
			s.logger.Error("truncating segment after failed write",
				zap.String("segment", segPath), zap.Error(terr))
		}
		return offset.Offset{}, fmt.Errorf("write segment: %w", err)
	}
	st.totalBytes += n
	st.meta.CurrentOffset = st.meta.CurrentOffset.Add(uint64(len(payload)))
	return st.meta.CurrentOffset, nil
}

func (s *FileStore) CloseStream(path string) (*CloseResult, error) {
	st, err := s.lookup(path)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if st.meta.IsExpired() {
		st.mu.Unlock()
		s.Delete(path)
		return nil, ErrStreamNotFound
	}
	already := st.meta.Closed
	final := st.meta.CurrentOffset
	if !already {
		st.meta.Closed = true
		if err := s.persist(st); err != nil {
			st.meta.Closed = false
			st.mu.Unlock()
			return nil, err
		}
	}
	st.mu.Unlock()

	if !already {
		s.lp.notify(path)
	}
	return &CloseResult{FinalOffset: final, AlreadyClosed: already}, nil
}

func (s *FileStore) CloseStreamWithProducer(path, producerID string, epoch, seq int64) (AppendResult, error) {
	return s.Append(path, nil, AppendOptions{
		Close:         true,
		ProducerID:    producerID,
		ProducerEpoch: &epoch,
		ProducerSeq:   &seq,
	})
}

func (s *FileStore) Read(path string, from offset.Offset) (ReadResult, error) {
	st, err := s.lookup(path)
	if err != nil {
		return ReadResult{}, err
	}

	// st.mu is held across the file read so the snapshot's offset always
	// covers the frames returned.
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.meta.IsExpired() {
		return ReadResult{}, ErrStreamNotFound
	}

	res := ReadResult{
		CurrentOffset: st.meta.CurrentOffset,
		Closed:        st.meta.Closed,
	}
	if !from.Less(st.meta.CurrentOffset) {
		res.UpToDate = true
		return res, nil
	}

	f, err := os.Open(s.segmentPath(st))
	if err != nil {
		return ReadResult{}, fmt.Errorf("open segment for read: %w", err)
	}
	defer f.Close()
	msgs, err := ReadFramesFrom(f, from.ByteOffset)
	if err != nil {
		return ReadResult{}, fmt.Errorf("read segment: %w", err)
	}
	res.Messages = msgs
	res.UpToDate = true
	return res, nil
}

func (s *FileStore) WaitForMessages(ctx context.Context, path string, from offset.Offset, timeout time.Duration) (WaitResult, error) {
	res, err := s.Read(path, from)
	if err != nil {
		return WaitResult{}, err
	}
	if len(res.Messages) > 0 || res.Closed {
		return WaitResult{ReadResult: res}, nil
	}

	ch := s.lp.register(path)
	defer func() { s.lp.unregister(path, ch) }()

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
			// Re-arm before the read, same register-then-recheck
			// ordering as the initial wait.
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

func (s *FileStore) Clear() error {
	s.mu.Lock()
	paths := make([]string, 0, len(s.streams))
	for path, st := range s.streams {
		paths = append(paths, path)
		s.removeLocked(path, st)
	}
	s.mu.Unlock()
	for _, p := range paths {
		s.lp.notify(p)
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	s.lp.notifyAll()
	s.pool.closeAll()
	return s.metadata.Close()
}

// WaiterCount reports registered long-poll waiters, for metrics and tests.
func (s *FileStore) WaiterCount() int { return s.lp.count() }
