// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package mass implements the mass-update chain of a partition.
//
// A mass update is a batch write whose affected keys are only discovered when
// it commits. Records are appended in version order; a record fires once it is
// committed and every earlier record has fired. Firing is driven by the owning
// partition, which evaluates the template, routes the resulting deltas into the
// per-key version chains and re-issues the reads registered on the record.
//
// # Record Lifecycle
//
//	Pending -> Committed -> Evaluating -> Fired
//	               ^             |
//	               +-- (error) --+
//
// Fired records are dropped from the head of the chain, so the chain only holds
// the oldest unfired record onward.
//
// # Exemptions
//
// A key that receives an individual write at or after a record's version while
// the record has not fired is exempt from that record: the mass delta is not
// routed to it. Exemptions are kept as roaring bitmaps of partition-local key
// ordinals.
//
// # Thread Safety
//
// A Chain must only be accessed while holding the owning partition's lock.
package mass

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/storage/mvcc"
)

// Status is the lifecycle state of a mass update record.
type Status uint8

const (
	StatusPending Status = iota
	StatusCommitted
	StatusEvaluating
	StatusFired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusEvaluating:
		return "evaluating"
	case StatusFired:
		return "fired"
	default:
		return "unknown"
	}
}

// Registration is a read deferred until a record fires.
type Registration struct {
	Target     keyspace.Target
	Version    mvcc.Version // version the read is re-issued at
	Callback   *mvcc.Callback
	Exemptions *roaring.Bitmap
	// Done, when set, is called once the registration has been handed back
	// for re-issue.
	Done func()
}

type regKey struct {
	target string
	cb     *mvcc.Callback
}

// Record is one mass update.
type Record struct {
	version    mvcc.Version
	template   Template
	status     Status
	exemptions *roaring.Bitmap
	regs       []Registration
	seen       map[regKey]struct{}
}

// Version returns the version the record writes at.
func (r *Record) Version() mvcc.Version { return r.version }

// Template returns the batch-expression descriptor.
func (r *Record) Template() Template { return r.template }

// Status returns the lifecycle state of the record.
func (r *Record) Status() Status { return r.status }

// Committed reports whether the record has been marked committed.
func (r *Record) Committed() bool { return r.status >= StatusCommitted }

// Ready reports whether the record has fired, i.e. its effects are visible in
// the version chains.
func (r *Record) Ready() bool { return r.status == StatusFired }

// Exempt excludes the key with the given ordinal from the record.
func (r *Record) Exempt(ordinal uint32) {
	r.exemptions.Add(ordinal)
}

// IsExempt reports whether the key with the given ordinal is excluded.
func (r *Record) IsExempt(ordinal uint32) bool {
	return r.exemptions.Contains(ordinal)
}

// ExemptCount returns the number of exempt keys.
func (r *Record) ExemptCount() uint64 {
	return r.exemptions.GetCardinality()
}

// Registrations returns the number of deferred reads.
func (r *Record) Registrations() int { return len(r.regs) }

// Chain is the ordered sequence of unfired mass update records.
type Chain struct {
	records  []*Record
	last     mvcc.Version
	appended bool
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// Len returns the number of retained records.
func (c *Chain) Len() int { return len(c.records) }

// Append adds a record after the current tail. Versions must strictly
// increase over the lifetime of the chain.
func (c *Chain) Append(version mvcc.Version, tmpl Template) (*Record, error) {
	if err := c.CheckAppend(version); err != nil {
		return nil, err
	}
	r := &Record{
		version:    version,
		template:   tmpl,
		exemptions: roaring.New(),
		seen:       make(map[regKey]struct{}),
	}
	c.records = append(c.records, r)
	c.last, c.appended = version, true
	return r, nil
}

// CheckAppend reports whether a record at version may be appended.
func (c *Chain) CheckAppend(version mvcc.Version) error {
	if c.appended && version <= c.last {
		return ErrStaleMassVersion
	}
	return nil
}

// Last returns the tail record, or nil when no record is retained.
func (c *Chain) Last() *Record {
	if len(c.records) == 0 {
		return nil
	}
	return c.records[len(c.records)-1]
}

// Find returns the retained record with the greatest version <= version.
func (c *Chain) Find(version mvcc.Version) *Record {
	i := sort.Search(len(c.records), func(i int) bool {
		return c.records[i].version > version
	})
	if i == 0 {
		return nil
	}
	return c.records[i-1]
}

// Contains reports whether r is retained by the chain.
func (c *Chain) Contains(r *Record) bool {
	for _, x := range c.records {
		if x == r {
			return true
		}
	}
	return false
}

// ForEachUnfired calls fn for every retained record that has not fired, in
// version order.
func (c *Chain) ForEachUnfired(fn func(r *Record)) {
	for _, r := range c.records {
		if r.status != StatusFired {
			fn(r)
		}
	}
}

// Register defers a read until r fires. The same callback registering the
// same exact target twice without exemptions fails with
// *DuplicateMassRegistrationError.
func (c *Chain) Register(r *Record, reg Registration) error {
	if r.status == StatusFired {
		return ErrRecordFired
	}
	if reg.Exemptions == nil || reg.Exemptions.IsEmpty() {
		if !reg.Target.HasWildcards() {
			k := regKey{target: reg.Target.ID(), cb: reg.Callback}
			if _, dup := r.seen[k]; dup {
				return &DuplicateMassRegistrationError{Target: reg.Target, Version: r.version}
			}
			r.seen[k] = struct{}{}
		}
	}
	r.regs = append(r.regs, reg)
	return nil
}

// Commit marks r committed. Committing a record that already fired is a no-op.
func (c *Chain) Commit(r *Record) error {
	if r.status == StatusFired {
		return nil
	}
	if !c.Contains(r) {
		return ErrUnknownRecord
	}
	if r.status == StatusPending {
		r.status = StatusCommitted
	}
	return nil
}

// NextFireable returns the head record if it is committed and not already
// being evaluated. Earlier records have all fired, since fired records are
// dropped from the head.
func (c *Chain) NextFireable() *Record {
	if len(c.records) == 0 {
		return nil
	}
	if head := c.records[0]; head.status == StatusCommitted {
		return head
	}
	return nil
}

// BeginEvaluation marks r as being evaluated.
func (c *Chain) BeginEvaluation(r *Record) {
	r.status = StatusEvaluating
}

// AbortEvaluation returns r to the committed state after a failed evaluation.
func (c *Chain) AbortEvaluation(r *Record) {
	if r.status == StatusEvaluating {
		r.status = StatusCommitted
	}
}

// Fire marks r fired, collapses the chain and hands back the registrations
// to re-issue.
func (c *Chain) Fire(r *Record) []Registration {
	r.status = StatusFired
	regs := r.regs
	r.regs, r.seen = nil, nil
	c.collapse()
	return regs
}

// collapse drops fired records from the head of the chain.
func (c *Chain) collapse() {
	n := 0
	for n < len(c.records) && c.records[n].status == StatusFired {
		c.records[n] = nil
		n++
	}
	if n > 0 {
		c.records = append(c.records[:0], c.records[n:]...)
	}
}

// RecordInfo describes a retained record for diagnostics.
type RecordInfo struct {
	Version       mvcc.Version `json:"version" msgpack:"version"`
	Status        string       `json:"status" msgpack:"status"`
	Exempt        uint64       `json:"exempt" msgpack:"exempt"`
	Registrations int          `json:"registrations" msgpack:"registrations"`
}

// Records describes every retained record in version order.
func (c *Chain) Records() []RecordInfo {
	out := make([]RecordInfo, len(c.records))
	for i, r := range c.records {
		out[i] = RecordInfo{
			Version:       r.version,
			Status:        r.status.String(),
			Exempt:        r.exemptions.GetCardinality(),
			Registrations: len(r.regs),
		}
	}
	return out
}
