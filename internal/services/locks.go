package services

import "sync"

// ApplicationLocks serializes state-changing work per application id.
// Entries are reference counted and removed when the last holder unlocks.
// The zero value is ready to use.
type ApplicationLocks struct {
	mu    sync.Mutex
	locks map[string]*appLock
}

type appLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until id is free and returns the matching unlock function.
func (l *ApplicationLocks) Lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*appLock)
	}
	e, ok := l.locks[id]
	if !ok {
		e = &appLock{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, id)
			}
			l.mu.Unlock()
		})
	}
}

// held returns the number of ids with an active or waiting holder.
func (l *ApplicationLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
