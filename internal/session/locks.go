package session

import "sync"

// Locks hands out one mutex per session id so lifecycle operations on the same
// id are serialized while different ids proceed independently. Entries are
// dropped once no caller holds or waits on them.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*refLock)}
}

// Lock acquires the mutex for id and returns its unlock func.
func (l *Locks) Lock(id string) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &refLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.Lock()
	return func() {
		lk.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *Locks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
