package dispatch

import "sync"

// keyedMutex serializes critical sections per key. The dispatcher keys on
// (platform, content hash) so two concurrent dispatches of the same content
// cannot both pass the dedup and rate-limit checks and double-post.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*keyedLock)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &keyedLock{}
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
