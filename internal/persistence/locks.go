package persistence

import (
	"sync"
)

// KeyedLocker provides per-key mutual exclusion. Each key gets its own mutex,
// allowing concurrent work on different jobs while serializing work on the
// same job. Entries are dropped once nobody holds or waits for them.
type KeyedLocker struct {
	mu    sync.Mutex          // Guards the locks map itself
	locks map[string]*keyLock // Per-key mutexes
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLocker creates a new KeyedLocker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{
		locks: make(map[string]*keyLock),
	}
}

// Lock acquires the mutex for key, creating it on first access.
func (k *KeyedLocker) Lock(key string) {
	k.mu.Lock()
	l, exists := k.locks[key]
	if !exists {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	// Acquire the per-key lock outside the manager lock to avoid contention
	l.mu.Lock()
}

// Unlock releases the mutex for key.
func (k *KeyedLocker) Unlock(key string) {
	k.mu.Lock()
	l, exists := k.locks[key]
	if !exists {
		k.mu.Unlock()
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}

// Len returns the number of keys currently held or waited on.
func (k *KeyedLocker) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
