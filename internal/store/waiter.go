package store

import "sync"

// longPollManager wakes blocked readers when a stream gains data, closes, or
// is deleted. Channels are buffered size 1 and signalled at most once, so a
// notify never blocks the appender.
type longPollManager struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newLongPollManager() *longPollManager {
	return &longPollManager{waiters: make(map[string][]chan struct{})}
}

// register adds a waiter for path. Callers must register before their final
// data check so an append racing with registration still wakes them.
func (m *longPollManager) register(path string) chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.waiters[path] = append(m.waiters[path], ch)
	m.mu.Unlock()
	return ch
}

// unregister removes a waiter. Safe to call after notify.
func (m *longPollManager) unregister(path string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.waiters[path]
	for i, c := range list {
		if c == ch {
			m.waiters[path] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.waiters[path]) == 0 {
		delete(m.waiters, path)
	}
}

// notify wakes every waiter on path and clears the list. Used for appends,
// closes and deletes alike; woken waiters re-read and decide for themselves.
func (m *longPollManager) notify(path string) {
	m.mu.Lock()
	list := m.waiters[path]
	delete(m.waiters, path)
	m.mu.Unlock()
	for _, ch := range list {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// notifyAll wakes every waiter on every path. Used on store shutdown.
func (m *longPollManager) notifyAll() {
	m.mu.Lock()
	all := m.waiters
	m.waiters = make(map[string][]chan struct{})
	m.mu.Unlock()
	for _, list := range all {
		for _, ch := range list {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// count reports the number of registered waiters across all paths.
func (m *longPollManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, list := range m.waiters {
		n += len(list)
	}
	return n
}
