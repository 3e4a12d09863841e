// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package index maps the key tuples of a partition to their version chains.
//
// HashIndex is a lock-free hash table with a fixed number of buckets. Each key
// is assigned a partition-local ordinal on first insertion; ordinals are used by
// mass-update exemption bitmaps to refer to keys compactly.
//
// # Key Features
//
//   - Lock-free lookup and CAS-based insertion
//   - xxhash-based bucket selection over the varint key encoding
//   - Buckets padded to a CPU cache line to avoid false sharing
//   - Stable, unique ordinals per key
//
// # Usage Examples
//
//	idx := index.NewHashIndex(1024)
//	chain, created := idx.GetOrCreate(keyspace.NewEntry(1, 3, 4))
//
//	if chain := idx.Get(keyspace.Key{3, 4}); chain != nil {
//	    // key has been written
//	}
//
//	idx.ForEach(func(chain *mvcc.VersionChain) bool {
//	    return true // continue
//	})
//
// # Dangers and Warnings
//
//   - **Bucket Size**: The number of buckets must be a power of 2. Invalid sizes will panic.
//   - **No Deletion**: Chains are never removed; the index only grows.
//   - **Chain Access**: The index is safe for concurrent use, but the chains it
//     returns are not. Guard them with the partition lock.
//   - **Ordinal Gaps**: Ordinals are unique but not dense under contention.
//
// # See Also
//
// For the chains stored in the index, see the mvcc package.
package index

import (
	"bytes"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/cpu"

	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/storage/mvcc"
)

// node represents a node in the lock-free linked list within a bucket.
type node struct {
	key   []byte
	chain *mvcc.VersionChain
	next  atomic.Pointer[node]
}

type bucket struct {
	head atomic.Pointer[node]
	_    cpu.CacheLinePad
}

// HashIndex is a lock-free hash table with fixed-size buckets.
type HashIndex struct {
	buckets  []bucket
	size     uint64
	mask     uint64
	ordinals atomic.Uint32
	count    atomic.Int64
}

// NewHashIndex creates a new hash index with the given size (must be power of 2).
func NewHashIndex(size uint64) *HashIndex {
	if size == 0 || (size&(size-1)) != 0 {
		panic("size must be a power of 2")
	}

	return &HashIndex{
		buckets: make([]bucket, size),
		size:    size,
		mask:    size - 1,
	}
}

// hash returns the bucket index of an encoded key.
func (h *HashIndex) hash(key []byte) uint64 {
	return xxhash.Sum64(key) & h.mask
}

func (h *HashIndex) lookup(b *bucket, key []byte) *node {
	for n := b.head.Load(); n != nil; n = n.next.Load() {
		if bytes.Equal(n.key, key) {
			return n
		}
	}
	return nil
}

// GetOrCreate finds the chain of entry, or creates it. The boolean is true only
// when this call inserted a new chain.
func (h *HashIndex) GetOrCreate(entry keyspace.Entry) (*mvcc.VersionChain, bool) {
	key := entry.Key.Bytes()
	b := &h.buckets[h.hash(key)]

	if n := h.lookup(b, key); n != nil {
		return n.chain, false
	}

	newNode := &node{
		key:   key,
		chain: mvcc.NewVersionChain(entry, h.ordinals.Add(1)-1),
	}

	// Try to insert at head of bucket
	for {
		oldHead := b.head.Load()
		newNode.next.Store(oldHead)
		if b.head.CompareAndSwap(oldHead, newNode) {
			h.count.Add(1)
			return newNode.chain, true
		}

		// CAS failed, check if someone else inserted our key
		if n := h.lookup(b, key); n != nil {
			return n.chain, false
		}
	}
}

// Get finds the chain of key without creating one.
func (h *HashIndex) Get(key keyspace.Key) *mvcc.VersionChain {
	enc := key.Bytes()
	if n := h.lookup(&h.buckets[h.hash(enc)], enc); n != nil {
		return n.chain
	}
	return nil
}

// ForEach calls fn for every chain until fn returns false. Iteration order is
// unspecified.
func (h *HashIndex) ForEach(fn func(chain *mvcc.VersionChain) bool) {
	for i := range h.buckets {
		for n := h.buckets[i].head.Load(); n != nil; n = n.next.Load() {
			if !fn(n.chain) {
				return
			}
		}
	}
}

// Len returns the number of keys in the index.
func (h *HashIndex) Len() int {
	return int(h.count.Load())
}

// Size returns the number of buckets in the index.
func (h *HashIndex) Size() uint64 {
	return h.size
}

// BucketCount returns the number of entries in a specific bucket (for debugging).
func (h *HashIndex) BucketCount(bucketIdx uint64) int {
	if bucketIdx >= h.size {
		return 0
	}

	count := 0
	for n := h.buckets[bucketIdx].head.Load(); n != nil; n = n.next.Load() {
		count++
	}
	return count
}
