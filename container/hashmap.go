package container

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/vaultmem/pmstore/transaction"
)

// BucketsMax is the fixed bucket count of every HashMap.
const BucketsMax = 16

type hmEntry[K comparable, V any] struct {
	key   K
	value V
	used  bool
}

// HashMap is an open-addressing-via-chaining map with BucketsMax fixed
// buckets, each a Vector of (key, value) pairs kept in insertion order
// so a bucket rehash never invalidates another entry's position. Keys
// must be fixed-layout (no embedded pointers) to be safely stored by
// value in the arena — plain scalars and structs of scalars, not
// strings or slices.
type HashMap[K comparable, V any] struct {
	buckets [BucketsMax]Vector[hmEntry[K, V]]
}

// Hasher computes a key's bucket hash. The host supplies it rather
// than the map picking one internally, so callers can swap hash
// functions without recompiling this package.
type Hasher[K comparable] func(K) uint64

// DefaultHasher hashes a key via its fmt-formatted representation.
// Adequate for the interface-level container contract; callers with a
// hot path and a scalar key type should supply a cheaper Hasher.
func DefaultHasher[K comparable](k K) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%v", k))
}

func (m *HashMap[K, V]) bucket(key K, hash Hasher[K]) *Vector[hmEntry[K, V]] {
	idx := hash(key) % BucketsMax
	return &m.buckets[idx]
}

// Get returns the value stored for key, if any.
func (m *HashMap[K, V]) Get(key K, hash Hasher[K], sp transaction.Space) (V, bool) {
	b := m.bucket(key, hash)
	for i := uint64(0); i < b.Len(); i++ {
		e := b.Get(i, sp)
		if e.used && e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts or overwrites the value stored for key.
func (m *HashMap[K, V]) Set(key K, value V, hash Hasher[K], j *transaction.Journal) error {
	b := m.bucket(key, hash)
	sp := j.Space()
	for i := uint64(0); i < b.Len(); i++ {
		if e := b.Get(i, sp); e.used && e.key == key {
			return b.SetAt(i, hmEntry[K, V]{key: key, value: value, used: true}, j)
		}
	}
	return b.Push(hmEntry[K, V]{key: key, value: value, used: true}, j)
}

// Delete marks key's entry (if any) unused in place; the slot is
// reused by a later Set rather than compacted, keeping every other
// entry's bucket position stable.
func (m *HashMap[K, V]) Delete(key K, hash Hasher[K], j *transaction.Journal) (bool, error) {
	b := m.bucket(key, hash)
	sp := j.Space()
	for i := uint64(0); i < b.Len(); i++ {
		e := b.Get(i, sp)
		if e.used && e.key == key {
			e.used = false
			return true, b.SetAt(i, e, j)
		}
	}
	return false, nil
}
