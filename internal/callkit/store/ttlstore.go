// Package store provides generic in-memory keyed storage with TTL support.
package store

import (
	"sync"
	"time"
)

// entry wraps a value with expiration metadata.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired() bool {
	return time.Now().After(e.expiresAt)
}

// TTLStore is a generic keyed store with per-entry TTL and automatic cleanup.
// The TTL acts as a leak backstop: callers are expected to Delete entries
// explicitly, and eviction only fires for entries nobody cleaned up.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*entry[V]
	stopCh   chan struct{}
	stopOnce sync.Once
	interval time.Duration
	onEvict  func(key K, value V)
}

// NewTTLStore creates a store whose cleanup loop runs every cleanupInterval.
func NewTTLStore[K comparable, V any](cleanupInterval time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*entry[V]),
		stopCh:   make(chan struct{}),
		interval: cleanupInterval,
	}
	go s.cleanupLoop()
	return s
}

// SetOnEvict sets the callback invoked for entries removed by the cleanup
// loop. It is not called on manual Delete.
func (s *TTLStore[K, V]) SetOnEvict(fn func(key K, value V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Set stores a value with the given TTL, replacing any existing entry.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// SetIfAbsent stores a value only if the key has no live entry.
// Returns false if a live entry already exists.
func (s *TTLStore[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.items[key]; exists && !e.expired() {
		return false
	}
	s.items[key] = &entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
	return true
}

// Get retrieves a value by key. Returns the value and true if found and not
// expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, exists := s.items[key]
	if !exists || e.expired() {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes a key from the store. Returns true if a live entry was
// removed.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.items[key]
	if !exists {
		return false
	}
	delete(s.items, key)
	return !e.expired()
}

// Len returns the number of non-expired entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.items {
		if !e.expired() {
			count++
		}
	}
	return count
}

// ForEach iterates over all non-expired entries, stopping if fn returns false.
func (s *TTLStore[K, V]) ForEach(fn func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, e := range s.items {
		if e.expired() {
			continue
		}
		if !fn(key, e.value) {
			break
		}
	}
}

// Close stops the cleanup goroutine and clears the store.
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[K]*entry[V])
}

func (s *TTLStore[K, V]) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *TTLStore[K, V]) cleanup() {
	type evicted struct {
		key   K
		value V
	}

	s.mu.Lock()
	var removed []evicted
	for key, e := range s.items {
		if e.expired() {
			removed = append(removed, evicted{key, e.value})
			delete(s.items, key)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	// Callback runs outside the lock so it may re-enter the store.
	if onEvict != nil {
		for _, ev := range removed {
			onEvict(ev.key, ev.value)
		}
	}
}
