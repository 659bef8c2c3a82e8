package utils

import "sync"

// KeyedMutex serializes callers that share a key. Entries are dropped once
// no caller holds or waits on them.
type KeyedMutex struct {
	edit    sync.Mutex
	waiters map[string]int
	mutexes map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		waiters: make(map[string]int),
		mutexes: make(map[string]*sync.Mutex),
	}
}

// Lock blocks until key is free and returns the function that releases it.
func (m *KeyedMutex) Lock(key string) func() {
	m.edit.Lock()
	mu, ok := m.mutexes[key]
	if !ok {
		mu = &sync.Mutex{}
		m.mutexes[key] = mu
	}
	m.waiters[key]++
	m.edit.Unlock()

	mu.Lock()

	return func() {
		m.edit.Lock()
		defer m.edit.Unlock()

		mu.Unlock()
		m.waiters[key]--
		if m.waiters[key] == 0 {
			delete(m.mutexes, key)
			delete(m.waiters, key)
		}
	}
}

func (m *KeyedMutex) Len() int {
	m.edit.Lock()
	defer m.edit.Unlock()
	return len(m.mutexes)
}
