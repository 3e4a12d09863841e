// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package spread is the local storage engine of a worker node in a
// distributed, incrementally maintained view-materialization cluster.
//
// A node hosts partitions of numbered maps. Every key of a partition holds a
// chain of versioned values, each a delta on its predecessor or an expression
// waiting for the values of other keys. Mass updates apply one template to
// many keys at a version; reads behind an unfinished mass update are deferred
// until it completes.
//
// # Quick Start
//
//	node := spread.NewNode(nil)
//	defer node.Close(ctx)
//
//	node.AddPartition(1, spread.Key{0, 0}, spread.Key{100, 100})
//	node.Put(ctx, spread.NewEntry(1, 4, 2), 1, spread.Delta(3))
//
//	h, _ := node.MassPut(ctx, 1, 2, spread.Updates{{Entry: spread.NewEntry(1, 4, 2), Delta: 1}})
//	node.Get(ctx, spread.Exact(spread.NewEntry(1, 4, 2)), spread.WithCallback(cb)) // deferred
//	node.Complete(ctx, h)                                                        // cb fires with 4
//
// # Key Features
//
//   - Per-key version chains with delta accumulation and pending expressions
//   - Mass updates with per-key exemptions and in-order completion
//   - Wildcard reads fanned out across partitions
//   - Outstanding-read tracking with a stale-read watchdog
//   - Dumps as text, JSON or msgpack, optionally zstd-compressed
//
// # Thread Safety
//
// All Node and Partition methods are safe for concurrent use. Callbacks run
// after the partition lock is released and may call back into the node.
package spread

import (
	"context"

	"github.com/kianostad/spread/internal/core"
	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/storage/mass"
	"github.com/kianostad/spread/internal/storage/mvcc"
	"github.com/kianostad/spread/internal/template"
)

type (
	// Node is the set of partitions hosted by one worker.
	Node = core.Node
	// Config describes the settings of a Node.
	Config = core.Config
	// Partition is a contiguous range of one map.
	Partition = core.Partition
	// MassHandle identifies a mass update across the partitions of a map.
	MassHandle = core.MassHandle
	// GetOption configures a read.
	GetOption = core.GetOption
	// PartitionDump is the content of one partition.
	PartitionDump = core.PartitionDump
)

type (
	Key     = keyspace.Key
	Entry   = keyspace.Entry
	Target  = keyspace.Target
	Version = mvcc.Version
	Value   = mvcc.Value

	// Callback receives the value of a deferred read.
	Callback = mvcc.Callback

	// Updates is a mass update template listing its per-key deltas.
	Updates = mass.Updates
	// Update is one per-key delta.
	Update = mass.Update
	// Evaluator expands mass update templates.
	Evaluator = mass.Evaluator
)

// Latest reads the newest version.
const Latest = core.Latest

var (
	ErrArityMismatch     = core.ErrArityMismatch
	ErrUnknownRange      = core.ErrUnknownRange
	ErrIncompleteVersion = core.ErrIncompleteVersion
	ErrStaleMassVersion  = core.ErrStaleMassVersion
	ErrCallbackRequired  = core.ErrCallbackRequired
	ErrClosed            = core.ErrClosed
)

// NewNode creates a node. A nil config uses the defaults.
func NewNode(cfg *Config) *Node {
	return core.NewNode(cfg)
}

// NewEntry returns the key of mapID at coords.
func NewEntry(mapID int, coords ...int64) Entry {
	return keyspace.NewEntry(mapID, coords...)
}

// Exact returns a target reading exactly e.
func Exact(e Entry) Target {
	return keyspace.Exact(e)
}

// NewTarget returns a target of mapID where the dimensions listed in
// wildcards match any coordinate.
func NewTarget(mapID int, key Key, wildcards ...int) Target {
	return keyspace.NewTarget(mapID, key, wildcards...)
}

// ParseTarget parses "Map<id>[c1,...]" where a coordinate may be "*".
func ParseTarget(s string) (Target, error) {
	return keyspace.ParseTarget(s)
}

// Delta returns a value adding d to the previous version.
func Delta(d float64) Value {
	return mvcc.Delta(d)
}

// Product returns a value of scale times the values of deps, which become
// known through Node.Discover.
func Product(scale float64, deps ...Entry) Value {
	return mvcc.Expr(mvcc.Product(scale, deps...))
}

// NewCallback wraps fn as a read callback.
func NewCallback(fn func(e Entry, value float64)) *Callback {
	return mvcc.NewCallback(fn)
}

// WithCallback registers cb to receive the value of a read.
func WithCallback(cb *Callback) GetOption {
	return core.WithCallback(cb)
}

// AtVersion reads as of version.
func AtVersion(v Version) GetOption {
	return core.AtVersion(v)
}

// NewTemplateEvaluator returns an evaluator accepting Updates as well as
// "Map<id>[..] += <delta>; ..." template bodies.
func NewTemplateEvaluator() Evaluator {
	engine := template.NewEngine(template.NewRegistry())
	return mass.EvaluatorFunc(func(ctx context.Context, tmpl mass.Template, view mass.View) ([]mass.Update, error) {
		if _, ok := tmpl.(Updates); ok {
			return mass.StaticEvaluator.Evaluate(ctx, tmpl, view)
		}
		return engine.Evaluate(ctx, tmpl, view)
	})
}
