package patientflow

import (
	"sync"

	"github.com/google/uuid"
)

// entryLocks hands out one mutex per queue entry id. Locks are reference
// counted and dropped once no goroutine holds or waits on them.
type entryLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newEntryLocks() *entryLocks {
	return &entryLocks{locks: make(map[uuid.UUID]*entryLock)}
}

// Lock blocks until the entry's lock is held and returns its release func.
func (l *entryLocks) Lock(id uuid.UUID) func() {
	l.mu.Lock()
	el, ok := l.locks[id]
	if !ok {
		el = &entryLock{}
		l.locks[id] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()
	return func() {
		el.mu.Unlock()
		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *entryLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
