// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core implements the versioned partition store of a worker node.
//
// A Partition owns one rectangular slice of a map's key space. Every key that
// has been written holds a version chain of deltas whose running sum is the
// key's value; the partition also holds a chain of mass updates, batch writes
// whose touched keys are only known once the batch commits. Reads merge both
// chains: a key whose latest individual write is older than a pending mass
// update cannot be answered until that update commits.
//
// # Key Features
//
//   - Running-sum version chains with out-of-order arrival
//   - Deferred reads through one-shot callbacks, never blocking the caller
//   - Mass updates with exemptions for keys individually overwritten meanwhile
//   - Domino completion of mass updates committed out of order
//   - Wildcard reads over every existing key matching a pattern
//   - Node routing of keys to the partition that owns them
//
// # Usage Examples
//
//	p, _ := core.NewPartition(1, keyspace.Key{0, 0}, keyspace.Key{10, 10})
//
//	e := keyspace.NewEntry(1, 3, 4)
//	_ = p.Put(ctx, e, 1, mvcc.Delta(2))
//	_ = p.Put(ctx, e, 2, mvcc.Delta(5))
//	v, ready, _ := p.Get(ctx, keyspace.Exact(e)) // 7, true
//
//	rec, _ := p.MassPut(ctx, 3, mass.Updates{{Entry: e, Delta: 1}})
//	cb := mvcc.NewCallback(func(e keyspace.Entry, v float64) { fmt.Println(e, v) })
//	_, ready, _ = p.Get(ctx, keyspace.Exact(e), core.WithCallback(cb)) // deferred
//	_ = p.Complete(ctx, rec)                                         // prints Map1[3,4] 8
//
// # Dangers and Warnings
//
//   - **Liveness**: A deferred read whose record never becomes ready never fires.
//     Outstanding reads are tracked by the pending registry and reported by the
//     node watchdog, but they are never cancelled.
//   - **Fail Fast**: A read without a callback of a pending value returns
//     IncompleteVersionError instead of blocking.
//   - **Callbacks**: Callbacks run on the goroutine that made the value ready,
//     after the partition lock is released. Long callbacks delay that caller.
//
// # Thread Safety
//
// A single mutex per partition guards both chains, giving mass operations a
// total order across keys. Callbacks and template evaluation never run under
// the lock: mutations queue their follow-up work and drain it after unlocking,
// so callbacks may call back into the partition.
package core

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/kianostad/spread/internal/concurrency/pending"
	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/monitoring/logging"
	"github.com/kianostad/spread/internal/monitoring/metrics"
	"github.com/kianostad/spread/internal/storage/index"
	"github.com/kianostad/spread/internal/storage/mass"
	"github.com/kianostad/spread/internal/storage/mvcc"
)

// Latest reads the newest version of a key.
const Latest mvcc.Version = math.MaxUint64

// Partition is one rectangular slice of a map's key space.
type Partition struct {
	mapID int
	rng   keyspace.Range

	mu    sync.Mutex
	keys  *index.HashIndex
	batch *mass.Chain

	evaluator mass.Evaluator
	pending   *pending.Registry
	metrics   *metrics.Metrics
	logger    *logging.Logger
	queues    *mvcc.QueuePool
}

// PartitionOption configures a Partition.
type PartitionOption func(*Partition)

// WithEvaluator sets the evaluator used to expand mass update templates.
// The default is mass.StaticEvaluator.
func WithEvaluator(e mass.Evaluator) PartitionOption {
	return func(p *Partition) { p.evaluator = e }
}

// WithRegistry sets the registry that tracks deferred reads.
func WithRegistry(r *pending.Registry) PartitionOption {
	return func(p *Partition) { p.pending = r }
}

// WithMetrics sets the metrics sink for deferred and fired reads.
func WithMetrics(m *metrics.Metrics) PartitionOption {
	return func(p *Partition) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) PartitionOption {
	return func(p *Partition) { p.logger = l }
}

// NewPartition creates a partition owning the box [start_i, start_i+size_i)
// of map mapID.
func NewPartition(mapID int, start, size keyspace.Key, opts ...PartitionOption) (*Partition, error) {
	rng, err := keyspace.NewRange(start, size)
	if err != nil {
		return nil, fmt.Errorf("partition Map%d: %w", mapID, err)
	}
	p := &Partition{
		mapID:     mapID,
		rng:       rng,
		keys:      index.NewHashIndexFor(rng),
		batch:     mass.NewChain(),
		evaluator: mass.StaticEvaluator,
		queues:    mvcc.NewQueuePool(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.pending == nil {
		p.pending = pending.NewRegistry()
	}
	p.logger = logging.OrNoop(p.logger).WithMap(mapID).WithPartition(rng.String())
	return p, nil
}

// MapID returns the map the partition belongs to.
func (p *Partition) MapID() int { return p.mapID }

// Range returns the key range owned by the partition.
func (p *Partition) Range() keyspace.Range { return p.rng }

// Contains reports whether key lies inside the partition.
func (p *Partition) Contains(key keyspace.Key) (bool, error) {
	return p.rng.Contains(key)
}

// checkEntry validates that e is a key owned by the partition.
func (p *Partition) checkEntry(e keyspace.Entry) error {
	ok, err := p.rng.Contains(e.Key)
	if err != nil {
		return err
	}
	if !ok || e.MapID != p.mapID {
		return &keyspace.UnknownRangeError{MapID: e.MapID, Key: e.Key}
	}
	return nil
}

type drainKey struct{}

// deferredWork collects the work partitions queue during one node call so
// that it runs after the call gives back its worker slot.
type deferredWork struct {
	mu    sync.Mutex
	items mvcc.Queue
}

func (d *deferredWork) add(q *mvcc.Queue) {
	d.mu.Lock()
	q.Transfer(&d.items)
	d.mu.Unlock()
}

// run executes collected work, including work added while running, in the
// order it was added.
func (d *deferredWork) run() {
	var batch mvcc.Queue
	for {
		d.mu.Lock()
		d.items.Transfer(&batch)
		d.mu.Unlock()
		if batch.Drain() == 0 {
			return
		}
	}
}

// withDrain returns a context under which partitions hand the work they
// queue to d instead of running it.
func withDrain(ctx context.Context, d *deferredWork) context.Context {
	return context.WithValue(ctx, drainKey{}, d)
}

// flush runs the work in q, or hands it to the deferredWork carried by ctx.
func flush(ctx context.Context, q *mvcc.Queue) {
	if d, ok := ctx.Value(drainKey{}).(*deferredWork); ok && d != nil {
		d.add(q)
		return
	}
	q.Drain()
}

// run executes fn under the partition lock and then flushes the work it
// queued.
func (p *Partition) run(ctx context.Context, fn func(q *mvcc.Queue) error) error {
	q := p.queues.Get()
	defer p.queues.Put(q)

	p.mu.Lock()
	err := fn(q)
	p.mu.Unlock()

	flush(ctx, q)
	return err
}

// GetOption configures a Get.
type GetOption func(*getOptions)

type getOptions struct {
	cb         *mvcc.Callback
	version    mvcc.Version
	exemptions *roaring.Bitmap
}

// WithCallback registers cb to receive the value. A ready value fires cb
// once the call returns; a pending value fires it when it becomes ready.
func WithCallback(cb *mvcc.Callback) GetOption {
	return func(o *getOptions) { o.cb = cb }
}

// AtVersion reads the value as of version instead of the newest one.
func AtVersion(v mvcc.Version) GetOption {
	return func(o *getOptions) { o.version = v }
}

// withExemptions skips keys whose ordinal is in b. Re-issued reads use it to
// avoid answering a key twice.
func withExemptions(b *roaring.Bitmap) GetOption {
	return func(o *getOptions) { o.exemptions = b }
}

// Get reads target.
//
// For an exact target the value is returned synchronously when it is ready.
// When it is pending, the callback (if any) is registered and resolved is
// false; without a callback Get fails with IncompleteVersionError. A wildcard
// target requires a callback, which fires once per existing matching key;
// Get then always reports resolved false.
func (p *Partition) Get(ctx context.Context, target keyspace.Target, opts ...GetOption) (value float64, resolved bool, err error) {
	o := getOptions{version: Latest}
	for _, opt := range opts {
		opt(&o)
	}

	if target.Arity() != p.rng.Dims() {
		return 0, false, &keyspace.ArityMismatchError{Expected: p.rng.Dims(), Actual: target.Arity()}
	}
	if target.HasWildcards() {
		if target.MapID != p.mapID {
			return 0, false, &keyspace.UnknownRangeError{MapID: target.MapID, Key: target.Key}
		}
		if o.cb == nil {
			return 0, false, ErrCallbackRequired
		}
		err = p.run(ctx, func(q *mvcc.Queue) error {
			return p.getPattern(target, &o, q)
		})
		return 0, false, err
	}
	if err := p.checkEntry(target.Entry); err != nil {
		return 0, false, err
	}

	err = p.run(ctx, func(q *mvcc.Queue) error {
		var err error
		value, resolved, err = p.getKey(target.Entry, &o, q)
		return err
	})
	return value, resolved, err
}

// relevantMass returns the mass record that can still affect a read at
// version, or nil when mass updates are moot.
func (p *Partition) relevantMass(version mvcc.Version) *mass.Record {
	r := p.batch.Find(version)
	if r == nil || r.Ready() {
		return nil
	}
	return r
}

// getKey resolves a single key. The partition lock must be held.
func (p *Partition) getKey(e keyspace.Entry, o *getOptions, q *mvcc.Queue) (float64, bool, error) {
	chain := p.keys.Get(e.Key)
	if chain != nil && o.exemptions != nil && o.exemptions.Contains(chain.Ordinal()) {
		return 0, false, nil
	}

	m := p.relevantMass(o.version)
	if chain == nil {
		if m == nil {
			if o.cb != nil {
				q.Fire(o.cb, e, 0)
			}
			return 0, true, nil
		}
		return 0, false, p.deferToMass(m, keyspace.Exact(e), o, nil)
	}

	if m == nil || m.IsExempt(chain.Ordinal()) || newerThan(chain, o.version, m) {
		return p.resolveChain(chain, o.version, o.cb, q)
	}
	return 0, false, p.deferToMass(m, keyspace.Exact(e), o, nil)
}

// newerThan reports whether the chain record read at version was written at
// or after the mass record.
func newerThan(chain *mvcc.VersionChain, version mvcc.Version, m *mass.Record) bool {
	r := chain.Find(version)
	return r != nil && r.Version() >= m.Version()
}

// getPattern resolves every existing key matching target. The partition lock
// must be held.
func (p *Partition) getPattern(target keyspace.Target, o *getOptions, q *mvcc.Queue) error {
	chains := p.matching(target)
	m := p.relevantMass(o.version)

	if m == nil {
		for _, chain := range chains {
			if o.exemptions != nil && o.exemptions.Contains(chain.Ordinal()) {
				continue
			}
			if _, _, err := p.resolveChain(chain, o.version, o.cb, q); err != nil {
				return err
			}
		}
		return nil
	}

	// Keys the mass update cannot touch are answered now and exempted from the
	// read re-issued once it fires.
	exempt := roaring.New()
	if o.exemptions != nil {
		exempt.Or(o.exemptions)
	}
	for _, chain := range chains {
		if exempt.Contains(chain.Ordinal()) {
			continue
		}
		if m.IsExempt(chain.Ordinal()) || newerThan(chain, o.version, m) {
			if _, _, err := p.resolveChain(chain, o.version, o.cb, q); err != nil {
				return err
			}
			exempt.Add(chain.Ordinal())
		}
	}
	return p.deferToMass(m, target, o, exempt)
}

// matching returns the chains of every existing key matching target in key
// order.
func (p *Partition) matching(target keyspace.Target) []*mvcc.VersionChain {
	return p.keys.NewIterator(target.Matches).Collect()
}

// resolveChain reads chain at version, tracking the callback when it has to
// wait.
func (p *Partition) resolveChain(chain *mvcc.VersionChain, version mvcc.Version, cb *mvcc.Callback, q *mvcc.Queue) (float64, bool, error) {
	if r := chain.Find(version); cb != nil && r != nil && !r.Ready() {
		cb = p.track(chain.Entry().String(), r.Version(), cb)
	}
	return chain.Resolve(version, cb, q)
}

// track wraps cb so that its registration is visible in the pending registry
// until it fires.
func (p *Partition) track(target string, version mvcc.Version, cb *mvcc.Callback) *mvcc.Callback {
	ticket := p.pending.Register(target, version, pending.KindVersion)
	p.metrics.RecordDeferred(1)
	return mvcc.NewCallback(func(e keyspace.Entry, v float64) {
		p.pending.Done(ticket)
		p.metrics.RecordFired(1)
		cb.Fire(e, v)
	})
}

// deferToMass registers a read of target on m. The read is re-issued at the
// same version once m fires.
func (p *Partition) deferToMass(m *mass.Record, target keyspace.Target, o *getOptions, exempt *roaring.Bitmap) error {
	if o.cb == nil {
		return &mvcc.IncompleteVersionError{Entry: target.Entry, Version: m.Version()}
	}
	ticket := p.pending.Register(target.String(), m.Version(), pending.KindMass)
	err := p.batch.Register(m, mass.Registration{
		Target:     target,
		Version:    o.version,
		Callback:   o.cb,
		Exemptions: exempt,
		Done:       func() { p.pending.Done(ticket) },
	})
	if err != nil {
		p.pending.Done(ticket)
		return err
	}
	p.metrics.RecordDeferred(1)
	return nil
}

// Put writes value for e at version. The key becomes exempt from every
// unfired mass update at or below version.
func (p *Partition) Put(ctx context.Context, e keyspace.Entry, version mvcc.Version, value mvcc.Value) error {
	if err := p.checkEntry(e); err != nil {
		return err
	}
	return p.run(ctx, func(q *mvcc.Queue) error {
		chain, _ := p.keys.GetOrCreate(e)
		chain.Insert(version, value, q)
		p.batch.ForEachUnfired(func(r *mass.Record) {
			if r.Version() <= version {
				r.Exempt(chain.Ordinal())
			}
		})
		return nil
	})
}

// Set seeds e with an absolute delta at version.
func (p *Partition) Set(e keyspace.Entry, version mvcc.Version, value float64) error {
	return p.Put(context.Background(), e, version, mvcc.Delta(value))
}

// Discover feeds the value of dep into the expression written for e at
// version.
func (p *Partition) Discover(ctx context.Context, e keyspace.Entry, version mvcc.Version, dep keyspace.Entry, value float64) error {
	if err := p.checkEntry(e); err != nil {
		return err
	}
	return p.run(ctx, func(q *mvcc.Queue) error {
		chain := p.keys.Get(e.Key)
		if chain == nil {
			return fmt.Errorf("%s v%d: %w", e, version, mvcc.ErrRecordNotFound)
		}
		if err := chain.Discover(version, dep, value, q); err != nil {
			return fmt.Errorf("%s v%d: %w", e, version, err)
		}
		return nil
	})
}

// MassPut appends a mass update at version. Versions must increase from one
// mass update to the next.
func (p *Partition) MassPut(ctx context.Context, version mvcc.Version, tmpl mass.Template) (*mass.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.batch.Append(version, tmpl)
	if err != nil {
		return nil, fmt.Errorf("mass put v%d on Map%d: %w", version, p.mapID, err)
	}
	return r, nil
}

// CheckMassVersion reports whether a mass update at version can be appended.
func (p *Partition) CheckMassVersion(version mvcc.Version) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.batch.CheckAppend(version); err != nil {
		return fmt.Errorf("mass put v%d on Map%d: %w", version, p.mapID, err)
	}
	return nil
}

// Complete commits r. Every committed mass update whose predecessors have all
// fired is then evaluated, applied and fired in version order. When an
// evaluation fails its record stays committed and is retried by the next
// Complete.
func (p *Partition) Complete(ctx context.Context, r *mass.Record) error {
	if r == nil {
		return ErrUnknownMassRecord
	}
	q := p.queues.Get()
	defer p.queues.Put(q)

	p.mu.Lock()
	if err := p.batch.Commit(r); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: v%d", ErrUnknownMassRecord, r.Version())
	}

	var evalErr error
	for next := p.batch.NextFireable(); next != nil; next = p.batch.NextFireable() {
		p.batch.BeginEvaluation(next)
		p.mu.Unlock()

		updates, err := p.evaluator.Evaluate(ctx, next.Template(), partitionView{p})

		p.mu.Lock()
		if err != nil {
			p.batch.AbortEvaluation(next)
			evalErr = fmt.Errorf("evaluate mass update v%d: %w", next.Version(), err)
			p.logger.LogEvaluation(ctx, next.Version(), 0, 0, err)
			break
		}
		applied := p.apply(next, updates, q)
		p.logger.LogEvaluation(ctx, next.Version(), applied, int(next.ExemptCount()), nil)

		regs := p.batch.Fire(next)
		p.logger.LogFired(ctx, next.Version(), len(regs))
		p.metrics.RecordMassFired()
		for _, reg := range regs {
			q.Push(p.reissue(ctx, reg))
		}
	}
	p.mu.Unlock()

	flush(ctx, q)
	return evalErr
}

// apply routes the deltas of r into the version chains of the keys it
// touches, skipping exempt keys. Deltas for the same key are summed. The
// partition lock must be held.
func (p *Partition) apply(r *mass.Record, updates []mass.Update, q *mvcc.Queue) int {
	type pendingDelta struct {
		entry keyspace.Entry
		delta float64
	}
	var order []string
	sums := make(map[string]*pendingDelta)
	for _, u := range updates {
		if p.checkEntry(u.Entry) != nil {
			continue
		}
		id := u.Entry.ID()
		if d, ok := sums[id]; ok {
			d.delta += u.Delta
			continue
		}
		sums[id] = &pendingDelta{entry: u.Entry, delta: u.Delta}
		order = append(order, id)
	}

	applied := 0
	for _, id := range order {
		d := sums[id]
		chain, _ := p.keys.GetOrCreate(d.entry)
		if r.IsExempt(chain.Ordinal()) {
			continue
		}
		chain.Insert(r.Version(), mvcc.Delta(d.delta), q)
		applied++
	}
	return applied
}

// reissue returns the work item that replays a read deferred on a fired mass
// update.
func (p *Partition) reissue(ctx context.Context, reg mass.Registration) func() {
	ctx = context.WithoutCancel(ctx)
	return func() {
		if reg.Done != nil {
			reg.Done()
		}
		p.metrics.RecordFired(1)
		_, _, err := p.Get(ctx, reg.Target,
			WithCallback(reg.Callback),
			AtVersion(reg.Version),
			withExemptions(reg.Exemptions),
		)
		if err != nil {
			p.logger.WarnContext(ctx, "re-issued read failed", "target", reg.Target.String(), "error", err)
		}
	}
}

// Scan calls fn for every existing key matching target in key order. The keys
// are collected under the lock and fn runs without it.
func (p *Partition) Scan(target keyspace.Target, fn func(key keyspace.Key) bool) error {
	if target.Arity() != p.rng.Dims() {
		return &keyspace.ArityMismatchError{Expected: p.rng.Dims(), Actual: target.Arity()}
	}
	p.mu.Lock()
	chains := p.matching(target)
	p.mu.Unlock()

	for _, chain := range chains {
		if !fn(chain.Entry().Key) {
			return nil
		}
	}
	return nil
}

// partitionView exposes a partition to an evaluator.
type partitionView struct{ p *Partition }

func (v partitionView) MapID() int            { return v.p.mapID }
func (v partitionView) Range() keyspace.Range { return v.p.rng }
func (v partitionView) Scan(t keyspace.Target, fn func(keyspace.Key) bool) error {
	return v.p.Scan(t, fn)
}

// PartitionStats summarizes the size of a partition.
type PartitionStats struct {
	Keys        int
	MassRecords int
}

// Stats returns the current size of the partition.
func (p *Partition) Stats() PartitionStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PartitionStats{Keys: p.keys.Len(), MassRecords: p.batch.Len()}
}

// String returns a short description of the partition.
func (p *Partition) String() string {
	return fmt.Sprintf("Map%d%s", p.mapID, p.rng)
}
