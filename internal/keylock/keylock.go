// Package keylock provides mutual exclusion per string key. Unrelated keys
// never contend, and a key's mutex is freed once no caller holds or waits on it.
package keylock

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out per-key mutexes.
type Map struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// New returns an empty Map.
func New() *Map {
	return &Map{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns the function that releases it.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &lockEntry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
