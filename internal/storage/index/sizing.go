// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"math/bits"

	"github.com/kianostad/spread/internal/keyspace"
)

const (
	minBuckets = 64
	maxBuckets = 1 << 14
)

// BucketsFor returns a power-of-two bucket count for an index expected to
// hold up to keys keys, bounded to [64, 16384].
func BucketsFor(keys uint64) uint64 {
	if keys <= minBuckets {
		return minBuckets
	}
	if keys > maxBuckets {
		return maxBuckets
	}
	return 1 << bits.Len64(keys-1)
}

// Capacity returns the number of keys a range can hold, saturating at the
// largest uint64.
func Capacity(rng keyspace.Range) uint64 {
	n := uint64(1)
	for _, s := range rng.Size() {
		if s <= 0 {
			return 0
		}
		hi, lo := bits.Mul64(n, uint64(s))
		if hi != 0 {
			return ^uint64(0)
		}
		n = lo
	}
	return n
}

// NewHashIndexFor creates an index sized for the keys of rng.
func NewHashIndexFor(rng keyspace.Range) *HashIndex {
	return NewHashIndex(BucketsFor(Capacity(rng)))
}
