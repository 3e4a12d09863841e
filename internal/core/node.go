// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kianostad/spread/internal/concurrency/pending"
	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/monitoring/logging"
	"github.com/kianostad/spread/internal/monitoring/metrics"
	"github.com/kianostad/spread/internal/storage/mass"
	"github.com/kianostad/spread/internal/storage/mvcc"
)

// ErrOverlappingPartition is returned when a partition would share keys with
// an existing partition of the same map.
var ErrOverlappingPartition = errors.New("partition overlaps an existing partition")

// Node is the set of partitions hosted by one worker process. It routes calls
// to the partition owning each key and admits at most Config.Workers calls at
// a time.
type Node struct {
	cfg *Config

	mu         sync.RWMutex
	partitions map[int][]*Partition
	lastMass   map[int]mvcc.Version
	massMu     sync.Mutex

	sem        *semaphore.Weighted
	registry   *pending.Registry
	watchdog   *pending.Watchdog
	metrics    *metrics.Metrics
	ownMetrics bool
	logger     *logging.Logger
	closed     atomic.Bool
}

// MassHandle identifies a mass update applied to every local partition of a
// map.
type MassHandle struct {
	MapID   int
	Version mvcc.Version
	records map[*Partition]*mass.Record
}

// Records returns the per-partition records of the handle.
func (h *MassHandle) Records() map[*Partition]*mass.Record {
	return h.records
}

// NewNode creates a node with no partitions and starts its watchdog.
func NewNode(cfg *Config) *Node {
	c := resolveConfig(cfg)
	n := &Node{
		cfg:        c,
		partitions: make(map[int][]*Partition),
		lastMass:   make(map[int]mvcc.Version),
		sem:        semaphore.NewWeighted(int64(c.Workers)),
		registry:   pending.NewRegistry(),
		metrics:    c.Metrics,
		logger:     c.Logger,
	}
	if c.Name != "" {
		n.logger = n.logger.WithNode(c.Name)
	}
	if n.metrics == nil {
		n.metrics = metrics.NewMetrics()
		n.ownMetrics = true
	}
	if c.WatchdogInterval > 0 {
		n.watchdog = pending.NewWatchdog(n.registry, c.WatchdogInterval, c.StaleAfter, n.report)
		n.watchdog.Start()
	}
	return n
}

// report publishes the state of the node and logs stale deferred reads.
func (n *Node) report(stale []pending.Wait, outstanding int) {
	ctx := context.Background()
	now := time.Now()
	for _, w := range stale {
		n.logger.LogStale(ctx, w.Target, w.Version, w.Kind.String(), w.Age(now).String())
	}
	n.metrics.SetOutstanding(uint64(outstanding))

	st := n.Stats()
	n.metrics.SetKeys(uint64(st.Keys))
	n.metrics.SetMassChainLength(uint64(st.MassRecords))
}

// Metrics returns the metrics of the node.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Registry returns the registry of outstanding deferred reads.
func (n *Node) Registry() *pending.Registry { return n.registry }

// AddPartition creates and hosts a partition of mapID covering
// [start_i, start_i+size_i).
func (n *Node) AddPartition(mapID int, start, size keyspace.Key) (*Partition, error) {
	p, err := NewPartition(mapID, start, size,
		WithEvaluator(n.cfg.Evaluator),
		WithRegistry(n.registry),
		WithMetrics(n.metrics),
		WithLogger(n.logger),
	)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, other := range n.partitions[mapID] {
		if overlaps(other.rng, p.rng) {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlappingPartition, other, p)
		}
	}
	n.partitions[mapID] = append(n.partitions[mapID], p)
	sort.Slice(n.partitions[mapID], func(i, j int) bool {
		return n.partitions[mapID][i].rng.Start().Compare(n.partitions[mapID][j].rng.Start()) < 0
	})
	return p, nil
}

func overlaps(a, b keyspace.Range) bool {
	if a.Dims() != b.Dims() {
		return false
	}
	as, az, bs, bz := a.Start(), a.Size(), b.Start(), b.Size()
	for i := range as {
		if as[i]+az[i] <= bs[i] || bs[i]+bz[i] <= as[i] {
			return false
		}
	}
	return true
}

// Partitions returns the partitions hosted for mapID in start order.
func (n *Node) Partitions(mapID int) []*Partition {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]*Partition(nil), n.partitions[mapID]...)
}

// Owner returns the partition owning e.
func (n *Node) Owner(e keyspace.Entry) (*Partition, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, p := range n.partitions[e.MapID] {
		ok, err := p.rng.Contains(e.Key)
		if err != nil {
			return nil, err
		}
		if ok {
			return p, nil
		}
	}
	return nil, &keyspace.UnknownRangeError{MapID: e.MapID, Key: e.Key}
}

// admit reserves a worker slot for one call. Continuations queued under the
// returned context run in done, after the slot is released, so they may call
// back into the node.
func (n *Node) admit(ctx context.Context) (context.Context, func(), error) {
	if n.closed.Load() {
		return nil, nil, ErrClosed
	}
	if err := n.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	work := &deferredWork{}
	done := func() {
		n.sem.Release(1)
		work.run()
	}
	return withDrain(ctx, work), done, nil
}

// observe records the outcome of one call.
func (n *Node) observe(op metrics.Op, start time.Time, err error) {
	n.metrics.Record(op, time.Since(start))
	if err != nil {
		n.metrics.RecordError(op)
		n.logger.Debug("call failed", "op", op.String(), "error", err)
	}
}

// Get reads target from the partition owning it. A wildcard target is
// fanned out to every partition of the map it intersects and requires a
// callback.
func (n *Node) Get(ctx context.Context, target keyspace.Target, opts ...GetOption) (value float64, resolved bool, err error) {
	ctx, done, err := n.admit(ctx)
	if err != nil {
		return 0, false, err
	}
	defer done()
	start := time.Now()
	defer func() { n.observe(metrics.OpGet, start, err) }()

	if !target.HasWildcards() {
		p, err := n.Owner(target.Entry)
		if err != nil {
			return 0, false, err
		}
		return p.Get(ctx, target, opts...)
	}

	var matched bool
	for _, p := range n.Partitions(target.MapID) {
		ok, err := p.rng.Intersects(target)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			continue
		}
		matched = true
		if _, _, err := p.Get(ctx, target, opts...); err != nil {
			return 0, false, err
		}
	}
	if !matched {
		return 0, false, &keyspace.UnknownRangeError{MapID: target.MapID, Key: target.Key}
	}
	return 0, false, nil
}

// Put writes value for e at version.
func (n *Node) Put(ctx context.Context, e keyspace.Entry, version mvcc.Version, value mvcc.Value) (err error) {
	ctx, done, err := n.admit(ctx)
	if err != nil {
		return err
	}
	defer done()
	start := time.Now()
	defer func() { n.observe(metrics.OpPut, start, err) }()

	p, err := n.Owner(e)
	if err != nil {
		return err
	}
	return p.Put(ctx, e, version, value)
}

// Discover feeds the value of dep into the expression written for e at
// version.
func (n *Node) Discover(ctx context.Context, e keyspace.Entry, version mvcc.Version, dep keyspace.Entry, value float64) (err error) {
	ctx, done, err := n.admit(ctx)
	if err != nil {
		return err
	}
	defer done()
	start := time.Now()
	defer func() { n.observe(metrics.OpDiscover, start, err) }()

	p, err := n.Owner(e)
	if err != nil {
		return err
	}
	return p.Discover(ctx, e, version, dep, value)
}

// MassPut appends a mass update at version to every local partition of
// mapID.
func (n *Node) MassPut(ctx context.Context, mapID int, version mvcc.Version, tmpl mass.Template) (h *MassHandle, err error) {
	ctx, done, err := n.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	start := time.Now()
	defer func() {
		n.observe(metrics.OpMassPut, start, err)
		n.logger.LogMassPut(ctx, mapID, version, err)
	}()

	parts := n.Partitions(mapID)
	if len(parts) == 0 {
		return nil, &keyspace.UnknownRangeError{MapID: mapID}
	}

	n.massMu.Lock()
	defer n.massMu.Unlock()
	if last, ok := n.lastMass[mapID]; ok && version <= last {
		return nil, fmt.Errorf("mass put v%d on Map%d: %w", version, mapID, ErrStaleMassVersion)
	}

	for _, p := range parts {
		if err := p.CheckMassVersion(version); err != nil {
			return nil, err
		}
	}

	h = &MassHandle{MapID: mapID, Version: version, records: make(map[*Partition]*mass.Record, len(parts))}
	for _, p := range parts {
		r, err := p.MassPut(ctx, version, tmpl)
		if err != nil {
			return nil, err
		}
		h.records[p] = r
	}
	n.lastMass[mapID] = version
	return h, nil
}

// Complete commits the mass update of h on every partition it was applied
// to. Partitions complete concurrently; the first error is returned.
func (n *Node) Complete(ctx context.Context, h *MassHandle) (err error) {
	if h == nil {
		return ErrUnknownMassRecord
	}
	ctx, done, err := n.admit(ctx)
	if err != nil {
		return err
	}
	defer done()
	start := time.Now()
	defer func() { n.observe(metrics.OpComplete, start, err) }()

	var g errgroup.Group
	for p, r := range h.records {
		p, r := p, r
		g.Go(func() error {
			return p.Complete(ctx, r)
		})
	}
	return g.Wait()
}

// Dump returns the dump of every partition, ordered by map then range start.
func (n *Node) Dump() []PartitionDump {
	n.mu.RLock()
	maps := make([]int, 0, len(n.partitions))
	for id := range n.partitions {
		maps = append(maps, id)
	}
	n.mu.RUnlock()
	sort.Ints(maps)

	var out []PartitionDump
	for _, id := range maps {
		for _, p := range n.Partitions(id) {
			out = append(out, p.Dump())
		}
	}
	return out
}

// Stats sums the stats of every partition.
func (n *Node) Stats() PartitionStats {
	n.mu.RLock()
	var parts []*Partition
	for _, ps := range n.partitions {
		parts = append(parts, ps...)
	}
	n.mu.RUnlock()

	var st PartitionStats
	for _, p := range parts {
		s := p.Stats()
		st.Keys += s.Keys
		st.MassRecords += s.MassRecords
	}
	return st
}

// Close stops the watchdog and, when the node created it, the metrics
// processor. Calls made after Close fail with ErrClosed.
func (n *Node) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}
	if n.watchdog != nil {
		n.watchdog.Stop()
	}
	if n.ownMetrics {
		n.metrics.Close()
	}
	if c := n.registry.ActiveCount(); c > 0 {
		n.logger.WarnContext(ctx, "closing with outstanding deferred reads", "count", c)
	}
	return nil
}
