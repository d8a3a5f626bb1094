package store

import "sync"

// KeyLock serializes work per conversation key. Two concurrently arriving
// messages for the same conversation are processed one after the other;
// different conversations never block each other.
type KeyLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLock creates an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the per-key lock is held and returns its release
// function. Entries are reference counted and removed once unused, so the
// map does not grow with the number of conversations ever seen.
func (l *KeyLock) Acquire(key string) (release func()) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}
