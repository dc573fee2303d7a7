// Package shard provides lock-sharded maps so that per-key state (one
// identity, one room) is serialized without a single global mutex.
package shard

import (
	"hash/maphash"
	"sync"
)

const DefaultShards = 32

type bucket[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// Map is a concurrent map split into independently locked buckets.
type Map[K comparable, V any] struct {
	seed    maphash.Seed
	buckets []*bucket[K, V]
}

func NewMap[K comparable, V any](shards int) *Map[K, V] {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &Map[K, V]{
		seed:    maphash.MakeSeed(),
		buckets: make([]*bucket[K, V], shards),
	}
	for i := range m.buckets {
		m.buckets[i] = &bucket[K, V]{entries: make(map[K]V)}
	}
	return m
}

func (m *Map[K, V]) bucketFor(key K) *bucket[K, V] {
	h := maphash.Comparable(m.seed, key)
	return m.buckets[h%uint64(len(m.buckets))]
}

// Update runs fn with exclusive access to the bucket that owns key. fn may
// read or mutate any entry of that bucket but must only touch key.
func (m *Map[K, V]) Update(key K, fn func(entries map[K]V)) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.entries)
}

// View runs fn with shared access to the bucket that owns key.
func (m *Map[K, V]) View(key K, fn func(entries map[K]V)) {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn(b.entries)
}

func (m *Map[K, V]) Load(key K) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.entries[key]
	return v, ok
}

func (m *Map[K, V]) Store(key K, value V) {
	m.Update(key, func(entries map[K]V) { entries[key] = value })
}

func (m *Map[K, V]) Delete(key K) {
	m.Update(key, func(entries map[K]V) { delete(entries, key) })
}

// Range visits every entry, one bucket at a time under its read lock.
// Returning false stops the iteration.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		for k, v := range b.entries {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

// Sweep runs fn for every entry under the bucket write lock and deletes the
// entries for which it returns true.
func (m *Map[K, V]) Sweep(fn func(key K, value V) bool) int {
	removed := 0
	for _, b := range m.buckets {
		b.mu.Lock()
		for k, v := range b.entries {
			if fn(k, v) {
				delete(b.entries, k)
				removed++
			}
		}
		b.mu.Unlock()
	}
	return removed
}

func (m *Map[K, V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.entries)
		b.mu.RUnlock()
	}
	return n
}

// KeyedMutex hands out one mutex per key.
type KeyedMutex[K comparable] struct {
	locks *Map[K, *sync.Mutex]
}

func NewKeyedMutex[K comparable](shards int) *KeyedMutex[K] {
	return &KeyedMutex[K]{locks: NewMap[K, *sync.Mutex](shards)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyedMutex[K]) Lock(key K) func() {
	var mu *sync.Mutex
	k.locks.Update(key, func(entries map[K]*sync.Mutex) {
		mu = entries[key]
		if mu == nil {
			mu = &sync.Mutex{}
			entries[key] = mu
		}
	})
	mu.Lock()
	return mu.Unlock
}
