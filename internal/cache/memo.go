package cache

import (
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
)

// Memo is a bounded, concurrency-safe cache whose entries expire a fixed
// TTL after they were stored. Least recently used entries are evicted first.
type Memo[K comparable, V any] struct {
	entries *lru.Cache[K, stamped[V]]
	ttl     time.Duration
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

type stamped[V any] struct {
	value     V
	expiresAt time.Time
}

func NewMemo[K comparable, V any](capacity int, ttl time.Duration) *Memo[K, V] {
	return &Memo[K, V]{
		entries: lru.NewCache[K, stamped[V]](capacity),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the live value stored under key. Expired entries are dropped
// on access.
func (m *Memo[K, V]) Get(key K) (V, bool) {
	e, ok := m.entries.Get(key)
	if ok && m.now().After(e.expiresAt) {
		m.entries.Remove(key)
		ok = false
	}
	if !ok {
		m.misses.Add(1)
		var zero V
		return zero, false
	}
	m.hits.Add(1)
	return e.value, true
}

// Put stores value under key and restarts its TTL.
func (m *Memo[K, V]) Put(key K, value V) {
	m.entries.Add(key, stamped[V]{value: value, expiresAt: m.now().Add(m.ttl)})
}

// Len counts stored entries, expired ones included until they are read.
func (m *Memo[K, V]) Len() int {
	return m.entries.Len()
}

func (m *Memo[K, V]) Stats() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}
