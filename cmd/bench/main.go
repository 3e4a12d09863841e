// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main benchmarks a worker node.
//
// # Benchmark Categories
//
//   - Single-threaded operations (baseline Put and Get)
//   - Concurrent writers (partition lock contention)
//   - Mixed workload (80% reads, 20% writes)
//   - Mass updates (massput and complete with deferred readers)
//   - Expression discovery (pending records made ready by Discover)
//   - Wildcard reads (fan-out across partitions)
//
// # Usage
//
//	go run ./cmd/bench -partitions 4 -limit 50000
//
// With -config, the node is built from a layout file and the layout's limit
// directive caps the request rate of the concurrent benchmarks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kianostad/spread/internal/config"
	"github.com/kianostad/spread/internal/core"
	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/storage/mvcc"
	"github.com/kianostad/spread/internal/template"
)

const side = 100

type bench struct {
	partitions int
	configPath string
	nodeName   string
	limit      int
}

// newNode builds the node under test. Without a layout, Map1 is split into
// row bands of side x side.
func (b *bench) newNode(ctx context.Context) (*core.Node, error) {
	reg := template.NewRegistry()
	node := core.NewNode(&core.Config{Name: "bench", Evaluator: template.NewEngine(reg)})
	if b.configPath != "" {
		cfg, err := config.Load(b.configPath)
		if err != nil {
			node.Close(ctx)
			return nil, err
		}
		if cfg.RateLimit > 0 && b.limit == 0 {
			b.limit = cfg.RateLimit
		}
		return node, cfg.Apply(ctx, b.nodeName, node, reg)
	}

	band := int64(side / b.partitions)
	for i := 0; i < b.partitions; i++ {
		size := band
		if i == b.partitions-1 {
			size = side - band*int64(i)
		}
		if _, err := node.AddPartition(1, keyspace.Key{band * int64(i), 0}, keyspace.Key{size, side}); err != nil {
			node.Close(ctx)
			return nil, err
		}
	}
	return node, nil
}

// limiter returns the rate limiter shared by concurrent workers, or nil when
// unlimited.
func (b *bench) limiter() *rate.Limiter {
	if b.limit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(b.limit), b.limit/10+1)
}

func entry(i int) keyspace.Entry {
	return keyspace.NewEntry(1, int64(i/side%side), int64(i%side))
}

func report(label string, ops int, d time.Duration) {
	fmt.Printf("   %s: %d ops in %v (%.0f ops/sec)\n", label, ops, d, float64(ops)/d.Seconds())
}

func main() {
	b := &bench{}
	flag.IntVar(&b.partitions, "partitions", 4, "Map1 partitions when no layout is given")
	flag.StringVar(&b.configPath, "config", "", "Layout file")
	flag.StringVar(&b.nodeName, "node", config.DefaultNode, "Node of the layout to host")
	flag.IntVar(&b.limit, "limit", 0, "Requests per second across all workers (0 = unlimited)")
	flag.Parse()
	if b.partitions < 1 || b.partitions > side {
		fmt.Fprintf(os.Stderr, "partitions must be in [1,%d]\n", side)
		os.Exit(2)
	}

	fmt.Println("Spread Node Benchmarks")
	fmt.Println("======================")

	for _, run := range []func(context.Context) error{
		b.singleThreaded,
		b.concurrentWriters,
		b.mixedWorkload,
		b.massUpdates,
		b.discovery,
		b.wildcardReads,
	} {
		if err := run(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "benchmark failed: %v\n", err)
			os.Exit(1)
		}
	}
}

func (b *bench) singleThreaded(ctx context.Context) error {
	fmt.Println("\n1. Single-threaded operations")
	node, err := b.newNode(ctx)
	if err != nil {
		return err
	}
	defer node.Close(ctx)

	const numKeys = side * side
	start := time.Now()
	for i := 0; i < numKeys; i++ {
		if err := node.Put(ctx, entry(i), 1, mvcc.Delta(1)); err != nil {
			return err
		}
	}
	report("Put", numKeys, time.Since(start))

	start = time.Now()
	for i := 0; i < numKeys; i++ {
		if _, _, err := node.Get(ctx, keyspace.Exact(entry(i))); err != nil {
			return err
		}
	}
	report("Get", numKeys, time.Since(start))
	return nil
}

// fanOut runs fn for ops iterations on each of workers goroutines, waiting on
// the shared limiter before every iteration.
func (b *bench) fanOut(ctx context.Context, workers, ops int, fn func(worker, i int) error) (time.Duration, error) {
	lim := b.limiter()
	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < ops; i++ {
				if lim != nil {
					if err := lim.Wait(ctx); err != nil {
						return err
					}
				}
				if err := fn(w, i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return time.Since(start), err
}

func (b *bench) concurrentWriters(ctx context.Context) error {
	fmt.Println("\n2. Concurrent writers")
	for _, workers := range []int{1, 2, 4, 8, 16} {
		node, err := b.newNode(ctx)
		if err != nil {
			return err
		}
		const ops = 2000
		d, err := b.fanOut(ctx, workers, ops, func(w, i int) error {
			return node.Put(ctx, entry(w*ops+i), mvcc.Version(i+1), mvcc.Delta(1))
		})
		node.Close(ctx)
		if err != nil {
			return err
		}
		report(fmt.Sprintf("%d writers", workers), workers*ops, d)
	}
	return nil
}

func (b *bench) mixedWorkload(ctx context.Context) error {
	fmt.Println("\n3. Mixed workload (80% reads, 20% writes)")
	node, err := b.newNode(ctx)
	if err != nil {
		return err
	}
	defer node.Close(ctx)

	const numKeys = 1000
	for i := 0; i < numKeys; i++ {
		if err := node.Put(ctx, entry(i), 1, mvcc.Delta(float64(i))); err != nil {
			return err
		}
	}

	var version atomic.Uint64
	version.Store(1)
	workers := runtime.GOMAXPROCS(0)
	const ops = 10000
	d, err := b.fanOut(ctx, workers, ops, func(w, i int) error {
		e := entry((w*ops + i) % numKeys)
		if i%5 < 4 {
			_, _, err := node.Get(ctx, keyspace.Exact(e))
			return err
		}
		return node.Put(ctx, e, version.Add(1), mvcc.Delta(1))
	})
	if err != nil {
		return err
	}
	report(fmt.Sprintf("%d goroutines", workers), workers*ops, d)
	return nil
}

func (b *bench) massUpdates(ctx context.Context) error {
	fmt.Println("\n4. Mass updates")
	node, err := b.newNode(ctx)
	if err != nil {
		return err
	}
	defer node.Close(ctx)

	for i := 0; i < side*side; i++ {
		if err := node.Put(ctx, entry(i), 1, mvcc.Delta(0)); err != nil {
			return err
		}
	}

	var fired atomic.Int64
	cb := mvcc.NewCallback(func(keyspace.Entry, float64) { fired.Add(1) })

	const rounds = 50
	const readers = 100
	start := time.Now()
	for r := 0; r < rounds; r++ {
		version := mvcc.Version(r + 2)
		h, err := node.MassPut(ctx, 1, version, "Map1[*,*] += 1")
		if err != nil {
			return err
		}
		for i := 0; i < readers; i++ {
			if _, _, err := node.Get(ctx, keyspace.Exact(entry(r*readers+i)), core.WithCallback(cb)); err != nil {
				return err
			}
		}
		// Writes after the mass update exempt their keys from it.
		if err := node.Put(ctx, entry(r), version, mvcc.Delta(1)); err != nil {
			return err
		}
		if err := node.Complete(ctx, h); err != nil {
			return err
		}
	}
	report("massput+complete", rounds, time.Since(start))
	fmt.Printf("   Deferred reads answered: %d\n", fired.Load())
	return nil
}

func (b *bench) discovery(ctx context.Context) error {
	fmt.Println("\n5. Expression discovery")
	node, err := b.newNode(ctx)
	if err != nil {
		return err
	}
	defer node.Close(ctx)

	dep := keyspace.NewEntry(2, 0)
	const numKeys = 5000
	for i := 0; i < numKeys; i++ {
		if err := node.Put(ctx, entry(i), 1, mvcc.Expr(mvcc.Product(2, dep))); err != nil {
			return err
		}
	}
	start := time.Now()
	for i := 0; i < numKeys; i++ {
		if err := node.Discover(ctx, entry(i), 1, dep, 3); err != nil {
			return err
		}
	}
	report("Discover", numKeys, time.Since(start))
	return nil
}

func (b *bench) wildcardReads(ctx context.Context) error {
	fmt.Println("\n6. Wildcard reads")
	node, err := b.newNode(ctx)
	if err != nil {
		return err
	}
	defer node.Close(ctx)

	for i := 0; i < side*side; i++ {
		if err := node.Put(ctx, entry(i), 1, mvcc.Delta(1)); err != nil {
			return err
		}
	}

	var seen atomic.Int64
	cb := mvcc.NewCallback(func(keyspace.Entry, float64) { seen.Add(1) })
	const reads = 200
	start := time.Now()
	for i := 0; i < reads; i++ {
		t := keyspace.NewTarget(1, keyspace.Key{0, int64(i % side)}, 0)
		if _, _, err := node.Get(ctx, t, core.WithCallback(cb)); err != nil {
			return err
		}
	}
	report("Wildcard Get", reads, time.Since(start))
	fmt.Printf("   Keys visited: %d\n", seen.Load())

	st := node.Stats()
	fmt.Printf("   Keys: %d, retained mass records: %d\n", st.Keys, st.MassRecords)
	return nil
}
