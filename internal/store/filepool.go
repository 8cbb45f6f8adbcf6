package store

import (
	"container/list"
	"os"
	"sync"

	"go.uber.org/zap"
)

// DefaultFilePoolSize caps how many segment file handles a pool keeps open.
const DefaultFilePoolSize = 100

type pooledFile struct {
	path string
	file *os.File
}

// filePool is an LRU cache of open append handles keyed by file path. A
// handle evicted or removed is closed; close errors are logged and dropped
// since the data was already synced by the append path.
type filePool struct {
	mu      sync.Mutex
	cap     int
	order   *list.List               // front = most recent
	entries map[string]*list.Element // path -> *pooledFile element
	logger  *zap.Logger
}

func newFilePool(capacity int, logger *zap.Logger) *filePool {
	if capacity <= 0 {
		capacity = DefaultFilePoolSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &filePool{
		cap:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		logger:  logger,
	}
}

// acquire returns an open append handle for path, opening one if needed.
// The handle stays owned by the pool; callers must not close it.
func (p *filePool) acquire(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.entries[path]; ok {
		p.order.MoveToFront(el)
		return el.Value.(*pooledFile).file, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	if p.order.Len() >= p.cap {
		p.evictOldest()
	}
	p.entries[path] = p.order.PushFront(&pooledFile{path: path, file: f})
	return f, nil
}

// remove closes and forgets the handle for path, if cached. Called before a
// stream's files are deleted.
func (p *filePool) remove(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.entries[path]; ok {
		p.closeEntry(el)
	}
}

// closeAll closes every cached handle.
func (p *filePool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.order.Len() > 0 {
		p.closeEntry(p.order.Back())
	}
}

func (p *filePool) evictOldest() {
	if el := p.order.Back(); el != nil {
		p.closeEntry(el)
	}
}

func (p *filePool) closeEntry(el *list.Element) {
	pf := el.Value.(*pooledFile)
	p.order.Remove(el)
	delete(p.entries, pf.path)
	if err := pf.file.Close(); err != nil {
		p.logger.Warn("closing pooled file handle", zap.String("path", pf.path), zap.Error(err))
	}
}

func (p *filePool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}
