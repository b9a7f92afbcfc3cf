package store

import "sync"

// SymbolLocks serializes work per instrument. Entries are dropped once no
// goroutine holds or waits for them.
type SymbolLocks struct {
	mu    sync.Mutex
	locks map[string]*symbolLock
}

type symbolLock struct {
	mu   sync.Mutex
	refs int
}

// NewSymbolLocks creates an empty lock table.
func NewSymbolLocks() *SymbolLocks {
	return &SymbolLocks{locks: make(map[string]*symbolLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (l *SymbolLocks) Lock(key string) (unlock func()) {
	l.mu.Lock()
	sl, ok := l.locks[key]
	if !ok {
		sl = &symbolLock{}
		l.locks[key] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			sl.mu.Unlock()
			l.mu.Lock()
			sl.refs--
			if sl.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len reports how many keys are held or awaited.
func (l *SymbolLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
