// Package keymutex serializes work per key (for example per team) while
// leaving distinct keys free to proceed concurrently.
package keymutex

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// KeyMutex is a set of mutexes addressed by string key. Entries are created
// on demand and released once no goroutine holds or waits for them.
// The zero value is ready to use.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Lock acquires the mutex for key and returns the function releasing it.
func (k *KeyMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*entry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// Len reports how many keys are currently held or awaited.
func (k *KeyMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
