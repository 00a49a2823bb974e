package locking

import "sync"

// Keyed provides lazily allocated mutexes identified by string key, so that
// writers to unrelated keys never contend with each other.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyed constructs an empty keyed mutex set.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*keyedEntry)}
}

// Lock blocks until the mutex for the given key is held.
func (k *Keyed) Lock(key string) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
}

// Unlock releases the mutex for the given key and frees it once no other
// holder or waiter remains.
func (k *Keyed) Unlock(key string) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("locking: unlock of unheld key " + key)
	}
	entry.refs--
	if entry.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	entry.mu.Unlock()
}

// TryKeyed tracks non-blocking per-key acquisition. A second acquire of a
// held key fails immediately instead of waiting.
type TryKeyed struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewTryKeyed constructs an empty try-lock set.
func NewTryKeyed() *TryKeyed {
	return &TryKeyed{held: make(map[string]struct{})}
}

// TryAcquire reports whether the key was free and is now held by the caller.
func (t *TryKeyed) TryAcquire(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.held[key]; busy {
		return false
	}
	t.held[key] = struct{}{}
	return true
}

// Release frees a previously acquired key.
func (t *TryKeyed) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, key)
}

// Held reports whether the key is currently acquired.
func (t *TryKeyed) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, busy := t.held[key]
	return busy
}
