// Package shardmap provides a mutex-sharded map used for per-key
// serialization of session, media-group and job-registry state. Keys on
// different shards never contend; the per-shard lock is only held for the
// duration of the callback, never across I/O.
package shardmap

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

type shard[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]V
}

type Map[K comparable, V any] struct {
	hash   func(K) uint32
	shards [shardCount]shard[K, V]
}

func New[K comparable, V any](hash func(K) uint32) *Map[K, V] {
	m := &Map[K, V]{hash: hash}
	for i := range m.shards {
		m.shards[i].items = make(map[K]V)
	}
	return m
}

// Do runs fn on the shard owning key while holding its lock. All calls for
// the same key are serialized with respect to each other.
func (m *Map[K, V]) Do(key K, fn func(items map[K]V)) {
	sh := &m.shards[m.hash(key)%shardCount]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fn(sh.items)
}

// Range visits every entry, one shard at a time. fn returning false stops
// the walk. Entries added or removed concurrently may or may not be seen.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for k, v := range sh.items {
			if !fn(k, v) {
				sh.mu.Unlock()
				return
			}
		}
		sh.mu.Unlock()
	}
}

func (m *Map[K, V]) Len() int {
	n := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}

func Int64Hash(v int64) uint32 {
	h := fnv.New32a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	_, _ = h.Write(b[:])
	return h.Sum32()
}

func StringHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
