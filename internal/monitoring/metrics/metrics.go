// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides performance monitoring and observability for the
// partition store.
//
// Operations are recorded through a buffered event channel and folded into
// counters and latency ring buffers by a background goroutine, so recording
// never blocks the caller. Gauges describing the store's state (outstanding
// continuations, mass chain length, key count) are set directly.
//
// # Key Features
//
//   - Per-operation counts and latencies (get, put, mass_put, complete, discover)
//   - Per-operation error counts
//   - Deferred and fired continuation counters
//   - Bounded memory with ring buffers
//   - Prometheus text export, JSON export and a prometheus.Collector
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	start := time.Now()
//	// ... perform operation ...
//	m.Record(metrics.OpGet, time.Since(start))
//	if err != nil {
//	    m.RecordError(metrics.OpGet)
//	}
//
//	m.SetOutstanding(uint64(registry.ActiveCount()))
//	fmt.Println(m.ExportPrometheus())
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: Requires cleanup with Close()
//   - **Event Loss**: If the buffer is full, events are dropped
//   - **Stats Latency**: Stats lag recording until the processor catches up; call Sync to wait
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Op identifies a recorded operation.
type Op uint8

const (
	OpGet Op = iota
	OpPut
	OpMassPut
	OpComplete
	OpDiscover
	numOps
)

var opNames = [numOps]string{"get", "put", "mass_put", "complete", "discover"}

func (o Op) String() string {
	if o < numOps {
		return opNames[o]
	}
	return "unknown"
}

// Ops lists every recorded operation in export order.
func Ops() []Op {
	return []Op{OpGet, OpPut, OpMassPut, OpComplete, OpDiscover}
}

// LatencyStats provides latency statistics for one operation.
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// StateMetrics describes the store's current state.
type StateMetrics struct {
	Outstanding     uint64 `json:"outstanding_continuations"`
	MassChainLength uint64 `json:"mass_chain_length"`
	Keys            uint64 `json:"keys"`
}

// ContinuationCounts tracks deferred reads.
type ContinuationCounts struct {
	Deferred  uint64 `json:"deferred"`
	Fired     uint64 `json:"fired"`
	MassFired uint64 `json:"mass_fired"`
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Operations    map[string]uint64       `json:"operations"`
	Errors        map[string]uint64       `json:"errors"`
	Latency       map[string]LatencyStats `json:"latency"`
	Continuations ContinuationCounts      `json:"continuations"`
	State         StateMetrics            `json:"state"`
	Dropped       uint64                  `json:"dropped_events"`
}

type eventKind uint8

const (
	eventOp eventKind = iota
	eventError
	eventDeferred
	eventFired
	eventMassFired
	eventSync
)

type event struct {
	kind     eventKind
	op       Op
	n        uint64
	duration time.Duration
	done     chan struct{}
}

// DurationRingBuffer is a thread-safe bounded ring buffer of durations.
type DurationRingBuffer struct {
	mu     sync.RWMutex
	buffer []time.Duration
	head   int
	count  int
}

// NewDurationRingBuffer creates a ring buffer with the given capacity.
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &DurationRingBuffer{buffer: make([]time.Duration, capacity)}
}

// Push adds a sample, evicting the oldest when full.
func (rb *DurationRingBuffer) Push(d time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := len(rb.buffer)
	rb.buffer[(rb.head+rb.count)%size] = d
	if rb.count < size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % size
	}
}

// Len returns the number of samples held.
func (rb *DurationRingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Stats computes statistics over the held samples.
func (rb *DurationRingBuffer) Stats() LatencyStats {
	rb.mu.RLock()
	values := make([]time.Duration, rb.count)
	for i := range values {
		values[i] = rb.buffer[(rb.head+i)%len(rb.buffer)]
	}
	rb.mu.RUnlock()

	if len(values) == 0 {
		return LatencyStats{}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	var total time.Duration
	for _, v := range values {
		total += v
	}
	return LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  total / time.Duration(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	return sorted[int(float64(len(sorted)-1)*p)]
}

// Config controls metrics collection.
type Config struct {
	BufferSize    int // event channel capacity
	LatencySample int // ring buffer size per operation
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{BufferSize: 10000, LatencySample: 1000}
}

// Metrics collects operation metrics.
type Metrics struct {
	config Config
	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	dropped atomic.Uint64

	mu            sync.RWMutex
	counts        [numOps]uint64
	errors        [numOps]uint64
	latency       [numOps]*DurationRingBuffer
	continuations ContinuationCounts
	state         StateMetrics
}

// NewMetrics creates a metrics instance with the default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultConfig())
}

// NewMetricsWithConfig creates a metrics instance and starts its processor.
func NewMetricsWithConfig(config Config) *Metrics {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Metrics{
		config: config,
		events: make(chan event, config.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range m.latency {
		m.latency[i] = NewDurationRingBuffer(config.LatencySample)
	}

	m.wg.Add(1)
	go m.processEvents()
	return m
}

func (m *Metrics) processEvents() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.events:
			m.processEvent(ev)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Metrics) processEvent(ev event) {
	if ev.kind == eventSync {
		close(ev.done)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.kind {
	case eventOp:
		m.counts[ev.op]++
		m.latency[ev.op].Push(ev.duration)
	case eventError:
		m.errors[ev.op]++
	case eventDeferred:
		m.continuations.Deferred += ev.n
	case eventFired:
		m.continuations.Fired += ev.n
	case eventMassFired:
		m.continuations.MassFired += ev.n
	}
}

func (m *Metrics) send(ev event) {
	if m == nil || m.closed.Load() {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
	}
}

// Record records a completed operation and its latency.
func (m *Metrics) Record(op Op, d time.Duration) {
	if op >= numOps {
		return
	}
	m.send(event{kind: eventOp, op: op, duration: d})
}

// RecordError records a failed operation.
func (m *Metrics) RecordError(op Op) {
	if op >= numOps {
		return
	}
	m.send(event{kind: eventError, op: op})
}

// RecordDeferred records n continuations registered on pending records.
func (m *Metrics) RecordDeferred(n int) {
	if n > 0 {
		m.send(event{kind: eventDeferred, n: uint64(n)})
	}
}

// RecordFired records n continuations that fired.
func (m *Metrics) RecordFired(n int) {
	if n > 0 {
		m.send(event{kind: eventFired, n: uint64(n)})
	}
}

// RecordMassFired records a mass record becoming ready.
func (m *Metrics) RecordMassFired() {
	m.send(event{kind: eventMassFired, n: 1})
}

// Sync blocks until every event sent before the call has been processed or
// ctx is done.
func (m *Metrics) Sync(ctx context.Context) error {
	if m.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case m.events <- event{kind: eventSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return nil
	}
}

// SetOutstanding sets the number of outstanding continuations.
func (m *Metrics) SetOutstanding(n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Outstanding = n
}

// SetMassChainLength sets the total number of unfired mass records.
func (m *Metrics) SetMassChainLength(n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.MassChainLength = n
}

// SetKeys sets the number of materialized keys.
func (m *Metrics) SetKeys(n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Keys = n
}

// GetStats returns a snapshot of current metrics.
func (m *Metrics) GetStats() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		Operations:    make(map[string]uint64, numOps),
		Errors:        make(map[string]uint64, numOps),
		Latency:       make(map[string]LatencyStats, numOps),
		Continuations: m.continuations,
		State:         m.state,
		Dropped:       m.dropped.Load(),
	}
	for _, op := range Ops() {
		s.Operations[op.String()] = m.counts[op]
		s.Errors[op.String()] = m.errors[op]
		s.Latency[op.String()] = m.latency[op].Stats()
	}
	return s
}

// ExportPrometheus exports metrics in the Prometheus text format.
func (m *Metrics) ExportPrometheus() string {
	s := m.GetStats()
	var b strings.Builder

	b.WriteString("# HELP spread_operations_total Total number of operations\n")
	b.WriteString("# TYPE spread_operations_total counter\n")
	for _, op := range Ops() {
		fmt.Fprintf(&b, "spread_operations_total{operation=%q} %d\n", op.String(), s.Operations[op.String()])
	}

	b.WriteString("# HELP spread_latency_nanoseconds Average latency for operations\n")
	b.WriteString("# TYPE spread_latency_nanoseconds gauge\n")
	for _, op := range Ops() {
		fmt.Fprintf(&b, "spread_latency_nanoseconds{operation=%q} %d\n", op.String(), s.Latency[op.String()].Mean.Nanoseconds())
	}

	b.WriteString("# HELP spread_errors_total Total number of errors\n")
	b.WriteString("# TYPE spread_errors_total counter\n")
	for _, op := range Ops() {
		fmt.Fprintf(&b, "spread_errors_total{operation=%q} %d\n", op.String(), s.Errors[op.String()])
	}

	b.WriteString("# HELP spread_continuations_total Continuations by outcome\n")
	b.WriteString("# TYPE spread_continuations_total counter\n")
	fmt.Fprintf(&b, "spread_continuations_total{outcome=\"deferred\"} %d\n", s.Continuations.Deferred)
	fmt.Fprintf(&b, "spread_continuations_total{outcome=\"fired\"} %d\n", s.Continuations.Fired)

	b.WriteString("# HELP spread_mass_fired_total Mass records that became ready\n")
	b.WriteString("# TYPE spread_mass_fired_total counter\n")
	fmt.Fprintf(&b, "spread_mass_fired_total %d\n", s.Continuations.MassFired)

	b.WriteString("# HELP spread_outstanding_continuations Continuations waiting on pending records\n")
	b.WriteString("# TYPE spread_outstanding_continuations gauge\n")
	fmt.Fprintf(&b, "spread_outstanding_continuations %d\n", s.State.Outstanding)

	b.WriteString("# HELP spread_mass_chain_length Unfired mass records\n")
	b.WriteString("# TYPE spread_mass_chain_length gauge\n")
	fmt.Fprintf(&b, "spread_mass_chain_length %d\n", s.State.MassChainLength)

	b.WriteString("# HELP spread_keys Materialized keys\n")
	b.WriteString("# TYPE spread_keys gauge\n")
	fmt.Fprintf(&b, "spread_keys %d\n", s.State.Keys)

	return b.String()
}

// ExportJSON exports metrics as indented JSON.
func (m *Metrics) ExportJSON() []byte {
	data, _ := json.MarshalIndent(m.GetStats(), "", "  ")
	return data
}

// Close shuts down the metrics processor. Recording after Close is a no-op.
func (m *Metrics) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.cancel()
	m.wg.Wait()
}
