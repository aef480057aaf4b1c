package sync

import "sync"

// runLocks serializes sync runs per (owner, calendar) key. Acquisition is
// non-blocking: a key already held means a run is in flight and the new
// request is rejected.
type runLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newRunLocks() *runLocks {
	return &runLocks{held: make(map[string]bool)}
}

func (l *runLocks) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false
	}
	l.held[key] = true
	return true
}

func (l *runLocks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
