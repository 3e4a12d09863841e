// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"sort"

	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/storage/mvcc"
)

// Iterator walks the non-empty chains of an index in key order. It works on a
// snapshot of the chains present when it was created; chains inserted later
// are not visited.
type Iterator struct {
	chains []*mvcc.VersionChain
	pos    int
}

// NewIterator snapshots every non-empty chain whose key satisfies match. A
// nil match selects every chain.
func (h *HashIndex) NewIterator(match func(keyspace.Key) bool) *Iterator {
	var chains []*mvcc.VersionChain
	h.ForEach(func(chain *mvcc.VersionChain) bool {
		if chain.Len() > 0 && (match == nil || match(chain.Entry().Key)) {
			chains = append(chains, chain)
		}
		return true
	})
	sort.Slice(chains, func(i, j int) bool {
		return chains[i].Entry().Key.Compare(chains[j].Entry().Key) < 0
	})
	return &Iterator{chains: chains, pos: -1}
}

// Next advances to the next chain.
func (it *Iterator) Next() bool {
	if it.pos+1 >= len(it.chains) {
		it.pos = len(it.chains)
		return false
	}
	it.pos++
	return true
}

// Chain returns the current chain, or nil before the first Next or after the
// last.
func (it *Iterator) Chain() *mvcc.VersionChain {
	if it.pos < 0 || it.pos >= len(it.chains) {
		return nil
	}
	return it.chains[it.pos]
}

// Key returns the key of the current chain.
func (it *Iterator) Key() keyspace.Key {
	if c := it.Chain(); c != nil {
		return c.Entry().Key
	}
	return nil
}

// Len returns the number of chains in the snapshot.
func (it *Iterator) Len() int { return len(it.chains) }

// Reset rewinds to before the first chain.
func (it *Iterator) Reset() { it.pos = -1 }

// Collect returns the remaining chains and exhausts the iterator.
func (it *Iterator) Collect() []*mvcc.VersionChain {
	var out []*mvcc.VersionChain
	for it.Next() {
		out = append(out, it.Chain())
	}
	return out
}
