// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package mvcc provides the per-key version chains of a partition.
//
// A VersionChain holds the versioned records of one key. Each record carries a
// delta (or an expression that yields a delta once its dependencies are
// discovered), and the resolved value of a record is the running sum of all
// deltas at or below its version. A record is Ready once its own delta is known
// and its predecessor is Ready.
//
// # Key Features
//
//   - Version-ordered arena with O(log n) find and insert
//   - Idempotent overwrite: a write at an existing version replaces its delta
//   - Out-of-order arrival: resolved values of successors are recomputed
//   - Deferred reads: continuations registered on pending records
//   - Fail-fast synchronous reads of pending records
//
// # Usage Examples
//
//	q := &mvcc.Queue{}
//	chain := mvcc.NewVersionChain(keyspace.NewEntry(1, 3), 0)
//	chain.Insert(1, mvcc.Delta(2), q)
//	chain.Insert(2, mvcc.Delta(3), q)
//	v, ready, err := chain.Resolve(2, nil, q) // 5, true, nil
//	q.Drain()
//
// # Dangers and Warnings
//
//   - **Not Thread-Safe**: chains are guarded by the owning partition's lock.
//   - **Deferred Work**: callbacks are pushed to the supplied Queue, never invoked
//     directly. Drain the queue after releasing the lock.
//   - **Liveness**: a callback registered on a record that never becomes Ready
//     never fires. Track outstanding registrations above this package.
//   - **Prepend**: a version older than every record is prepended and all
//     successors are re-evaluated.
//   - **Already Fired**: continuations that fired before an out-of-order write
//     recomputed a value are not fired again.
//
// # Thread Safety
//
// A VersionChain must only be accessed while holding the owning partition's lock.
package mvcc

import (
	"sort"

	"github.com/kianostad/spread/internal/keyspace"
)

// Version orders the writes of one key.
type Version = uint64

// State is the readiness of a record.
type State uint8

const (
	// Pending records wait for an expression dependency or their predecessor.
	Pending State = iota
	// Ready records have a resolved value.
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "pending"
}

// Record is one version of a key.
type Record struct {
	version  Version
	value    Value
	ready    bool
	resolved float64
	waiters  []*Callback
}

// Version returns the version of the record.
func (r *Record) Version() Version { return r.version }

// Value returns the raw value of the record.
func (r *Record) Value() Value { return r.value }

// State returns the readiness of the record.
func (r *Record) State() State {
	if r.ready {
		return Ready
	}
	return Pending
}

// Ready reports whether the record has a resolved value.
func (r *Record) Ready() bool { return r.ready }

// Resolved returns the running sum at this version. It is only meaningful for
// Ready records.
func (r *Record) Resolved() float64 { return r.resolved }

// Waiters returns the number of registered continuations.
func (r *Record) Waiters() int { return len(r.waiters) }

// VersionChain is the ordered sequence of records of one key.
type VersionChain struct {
	entry   keyspace.Entry
	ordinal uint32
	records []*Record
}

// NewVersionChain creates an empty chain for entry. The ordinal identifies the
// key inside its partition.
func NewVersionChain(entry keyspace.Entry, ordinal uint32) *VersionChain {
	return &VersionChain{
		entry:   keyspace.Entry{MapID: entry.MapID, Key: entry.Key.Clone()},
		ordinal: ordinal,
	}
}

// Entry returns the key the chain belongs to.
func (c *VersionChain) Entry() keyspace.Entry { return c.entry }

// Ordinal returns the partition-local ordinal of the key.
func (c *VersionChain) Ordinal() uint32 { return c.ordinal }

// Len returns the number of records.
func (c *VersionChain) Len() int { return len(c.records) }

// search returns the index of the first record with version >= v and whether
// that record is exactly v.
func (c *VersionChain) search(v Version) (int, bool) {
	i := sort.Search(len(c.records), func(i int) bool {
		return c.records[i].version >= v
	})
	return i, i < len(c.records) && c.records[i].version == v
}

// Insert writes value at version. An existing record at version has its value
// replaced in place; otherwise a record is spliced into sorted position. The
// record and its successors are re-evaluated; callbacks of records that
// become Ready are pushed to q.
func (c *VersionChain) Insert(version Version, value Value, q *Queue) *Record {
	i, found := c.search(version)
	var rec *Record
	if found {
		rec = c.records[i]
		rec.value = value
	} else {
		rec = &Record{version: version, value: value}
		c.records = append(c.records, nil)
		copy(c.records[i+1:], c.records[i:])
		c.records[i] = rec
	}
	c.propagate(i, q)
	return rec
}

// propagate recomputes readiness and resolved values from index from onward.
func (c *VersionChain) propagate(from int, q *Queue) {
	prevReady := true
	var prevValue float64
	if from > 0 {
		prev := c.records[from-1]
		prevReady, prevValue = prev.ready, prev.resolved
	}

	for i := from; i < len(c.records); i++ {
		r := c.records[i]
		wasReady, old := r.ready, r.resolved

		if !prevReady || !r.value.Complete() {
			r.ready = false
			prevReady = false
			if !wasReady && i > from {
				return // successors were already pending
			}
			continue
		}

		r.resolved = r.value.Amount() + prevValue
		r.ready = true
		prevValue = r.resolved
		if !wasReady {
			c.fire(r, q)
		} else if old == r.resolved && i > from {
			return // successors are unaffected
		}
	}
}

func (c *VersionChain) fire(r *Record, q *Queue) {
	for _, cb := range r.waiters {
		q.Fire(cb, c.entry, r.resolved)
	}
	r.waiters = nil
}

// Find returns the record with the greatest version <= version, or nil when
// every record is newer.
func (c *VersionChain) Find(version Version) *Record {
	i, found := c.search(version)
	if found {
		return c.records[i]
	}
	if i == 0 {
		return nil
	}
	return c.records[i-1]
}

// Get returns the record at exactly version.
func (c *VersionChain) Get(version Version) *Record {
	if i, found := c.search(version); found {
		return c.records[i]
	}
	return nil
}

// Last returns the newest record, or nil for an empty chain.
func (c *VersionChain) Last() *Record {
	if len(c.records) == 0 {
		return nil
	}
	return c.records[len(c.records)-1]
}

// Resolve reads the value at or below version.
//
// A Ready record yields its value; cb, if given, is also queued to fire with
// it. A Pending record registers cb and reports not-ready. A Pending record
// read without a callback fails with *IncompleteVersionError. When no record
// exists at or below version the value is 0.
func (c *VersionChain) Resolve(version Version, cb *Callback, q *Queue) (float64, bool, error) {
	r := c.Find(version)
	if r == nil {
		if cb != nil {
			q.Fire(cb, c.entry, 0)
		}
		return 0, true, nil
	}
	if r.ready {
		if cb != nil {
			q.Fire(cb, c.entry, r.resolved)
		}
		return r.resolved, true, nil
	}
	if cb == nil {
		return 0, false, &IncompleteVersionError{Entry: c.entry, Version: r.version}
	}
	r.waiters = append(r.waiters, cb)
	return 0, false, nil
}

// Discover feeds the value of dep into the expression of the record at
// version. The record becomes Ready once every requirement is known and its
// predecessor is Ready.
func (c *VersionChain) Discover(version Version, dep keyspace.Entry, value float64, q *Queue) error {
	i, found := c.search(version)
	if !found {
		return ErrRecordNotFound
	}
	r := c.records[i]
	expr := r.value.Expression()
	if expr == nil || !expr.Discover(dep, value) {
		return ErrNotRequired
	}
	c.propagate(i, q)
	return nil
}

// RecordInfo describes one record for diagnostics.
type RecordInfo struct {
	Version Version `json:"version" msgpack:"version"`
	Value   float64 `json:"value" msgpack:"value"`
	Raw     string  `json:"raw" msgpack:"raw"`
	Ready   bool    `json:"ready" msgpack:"ready"`
	Waiters int     `json:"waiters" msgpack:"waiters"`
}

// Records describes every record in version order. Ready records report their
// resolved value; pending records report their raw delta.
func (c *VersionChain) Records() []RecordInfo {
	out := make([]RecordInfo, len(c.records))
	for i, r := range c.records {
		info := RecordInfo{
			Version: r.version,
			Raw:     r.value.String(),
			Ready:   r.ready,
			Waiters: len(r.waiters),
		}
		if r.ready {
			info.Value = r.resolved
		} else if r.value.Complete() {
			info.Value = r.value.Amount()
		}
		out[i] = info
	}
	return out
}
