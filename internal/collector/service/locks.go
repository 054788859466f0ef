package service

import "sync"

// attemptLocks hands out one mutex per attempt and forgets it once no caller
// holds or waits on it.
type attemptLocks struct {
	mu    sync.Mutex
	locks map[string]*attemptLock
}

type attemptLock struct {
	sync.Mutex
	refs int
}

func newAttemptLocks() *attemptLocks {
	return &attemptLocks{locks: make(map[string]*attemptLock)}
}

// lock blocks until attemptID is free and returns its unlock func.
func (l *attemptLocks) lock(attemptID string) func() {
	l.mu.Lock()
	al, ok := l.locks[attemptID]
	if !ok {
		al = &attemptLock{}
		l.locks[attemptID] = al
	}
	al.refs++
	l.mu.Unlock()

	al.Lock()
	return func() {
		al.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, attemptID)
		}
		l.mu.Unlock()
	}
}

func (l *attemptLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
