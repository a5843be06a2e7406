// Package cache holds the relay's in-memory caches: actors, node metadata,
// media mappings, and the recently-relayed activity window. Each cache fronts
// the database; losing one costs refetches, never correctness.
package cache

import (
	"sync"
	"time"
)

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

// ttlMap is a bounded map with per-entry expiry. When full it sheds expired
// entries first and an arbitrary entry as a last resort.
type ttlMap[V any] struct {
	mu  sync.RWMutex
	ttl time.Duration
	cap int
	m   map[string]ttlEntry[V]
}

func newTTLMap[V any](ttl time.Duration, cap int) *ttlMap[V] {
	return &ttlMap[V]{ttl: ttl, cap: cap, m: make(map[string]ttlEntry[V])}
}

func (t *ttlMap[V]) get(key string) (V, bool) {
	t.mu.RLock()
	e, ok := t.m[key]
	t.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (t *ttlMap[V]) set(key string, value V) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[key]; !ok && t.cap > 0 && len(t.m) >= t.cap {
		for k, e := range t.m {
			if now.After(e.expires) {
				delete(t.m, k)
			}
		}
		if len(t.m) >= t.cap {
			for k := range t.m {
				delete(t.m, k)
				break
			}
		}
	}
	t.m[key] = ttlEntry[V]{value: value, expires: now.Add(t.ttl)}
}

func (t *ttlMap[V]) delete(key string) {
	t.mu.Lock()
	delete(t.m, key)
	t.mu.Unlock()
}

func (t *ttlMap[V]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
