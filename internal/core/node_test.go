// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/monitoring/metrics"
	"github.com/kianostad/spread/internal/storage/mass"
	"github.com/kianostad/spread/internal/storage/mvcc"

	. "github.com/smartystreets/goconvey/convey"
)

func newTestNode(t *testing.T, cfg *Config) *Node {
	t.Helper()
	n := NewNode(cfg)
	for _, start := range []int64{0, 10} {
		if _, err := n.AddPartition(1, keyspace.Key{start, 0}, keyspace.Key{10, 10}); err != nil {
			t.Fatalf("AddPartition() failed: %v", err)
		}
	}
	return n
}

func TestNodeRouting(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	Convey("Given a node hosting Map1 [0,20) x [0,10) in two partitions", t, func() {
		n := newTestNode(t, &Config{Workers: 2})
		defer n.Close(ctx)

		Convey("Then keys are routed to their owner", func() {
			p, err := n.Owner(keyspace.NewEntry(1, 15, 3))
			So(err, ShouldBeNil)
			So(p.Range().Start(), ShouldResemble, keyspace.Key{10, 0})

			So(n.Put(ctx, keyspace.NewEntry(1, 15, 3), 1, mvcc.Delta(4)), ShouldBeNil)
			v, ok, err := n.Get(ctx, keyspace.Exact(keyspace.NewEntry(1, 15, 3)))
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 4)
		})

		Convey("Then unowned keys fail with an unknown range", func() {
			err := n.Put(ctx, keyspace.NewEntry(1, 25, 3), 1, mvcc.Delta(4))
			var ur *UnknownRangeError
			So(errors.As(err, &ur), ShouldBeTrue)
			So(ur.MapID, ShouldEqual, 1)

			_, _, err = n.Get(ctx, keyspace.Exact(keyspace.NewEntry(2, 1, 1)))
			So(errors.Is(err, ErrUnknownRange), ShouldBeTrue)

			_, err = n.MassPut(ctx, 2, 1, mass.Updates{})
			So(errors.Is(err, ErrUnknownRange), ShouldBeTrue)
		})

		Convey("Then overlapping partitions are rejected", func() {
			_, err := n.AddPartition(1, keyspace.Key{5, 5}, keyspace.Key{10, 10})
			So(errors.Is(err, ErrOverlappingPartition), ShouldBeTrue)

			_, err = n.AddPartition(2, keyspace.Key{5, 5}, keyspace.Key{10, 10})
			So(err, ShouldBeNil)
		})

		Convey("Then a wildcard read spans partitions", func() {
			So(n.Put(ctx, keyspace.NewEntry(1, 1, 2), 1, mvcc.Delta(1)), ShouldBeNil)
			So(n.Put(ctx, keyspace.NewEntry(1, 11, 2), 1, mvcc.Delta(2)), ShouldBeNil)

			s := newSink()
			_, _, err := n.Get(ctx, keyspace.NewTarget(1, keyspace.Key{0, 2}, 0), WithCallback(s.cb))
			So(err, ShouldBeNil)
			So(s.count(), ShouldEqual, 2)
		})
	})
}

func TestNodeMassPut(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	Convey("Given a node with two partitions of Map1", t, func() {
		n := newTestNode(t, &Config{Workers: 4})
		defer n.Close(ctx)

		a := keyspace.NewEntry(1, 1, 1)
		b := keyspace.NewEntry(1, 12, 1)
		h, err := n.MassPut(ctx, 1, 3, mass.Updates{{Entry: a, Delta: 2}, {Entry: b, Delta: 5}})
		So(err, ShouldBeNil)
		So(len(h.Records()), ShouldEqual, 2)

		Convey("Then stale versions are rejected for the whole map", func() {
			_, err := n.MassPut(ctx, 1, 3, mass.Updates{})
			So(errors.Is(err, ErrStaleMassVersion), ShouldBeTrue)
		})

		Convey("Then completing applies the update in every partition", func() {
			s := newSink()
			_, _, err := n.Get(ctx, keyspace.Exact(b), WithCallback(s.cb))
			So(err, ShouldBeNil)

			So(n.Complete(ctx, h), ShouldBeNil)

			v, _, err := n.Get(ctx, keyspace.Exact(a))
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 2)
			So(s.values(b), ShouldResemble, []float64{5})
			So(n.Stats().MassRecords, ShouldEqual, 0)
			So(n.Stats().Keys, ShouldEqual, 2)
		})

		Convey("Then the dump covers every partition in order", func() {
			So(n.Complete(ctx, h), ShouldBeNil)
			d := n.Dump()
			So(len(d), ShouldEqual, 2)
			So(d[0].Keys[0].Target, ShouldEqual, "Map1[1,1]")
			So(d[1].Keys[0].Target, ShouldEqual, "Map1[12,1]")
		})

		Convey("Then a partition that cannot take the version leaves the others untouched", func() {
			So(n.Complete(ctx, h), ShouldBeNil)
			parts := n.Partitions(1)
			_, err := parts[1].MassPut(ctx, 5, mass.Updates{})
			So(err, ShouldBeNil)

			_, err = n.MassPut(ctx, 1, 4, mass.Updates{{Entry: a, Delta: 1}})
			So(errors.Is(err, ErrStaleMassVersion), ShouldBeTrue)
			So(parts[0].Stats().MassRecords, ShouldEqual, 0)
			So(parts[1].Stats().MassRecords, ShouldEqual, 1)

			_, err = n.MassPut(ctx, 1, 6, mass.Updates{{Entry: a, Delta: 1}})
			So(err, ShouldBeNil)
			So(parts[0].Stats().MassRecords, ShouldEqual, 1)
		})

		Convey("Then a nil handle is unknown", func() {
			So(errors.Is(n.Complete(ctx, nil), ErrUnknownMassRecord), ShouldBeTrue)
		})
	})
}

func TestNodeReentrantCallback(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	Convey("Given a node with a single worker", t, func() {
		n := newTestNode(t, &Config{Workers: 1})
		defer n.Close(ctx)

		a := keyspace.NewEntry(1, 1, 1)
		b := keyspace.NewEntry(1, 12, 1)
		dep := keyspace.NewEntry(2, 0)
		So(n.Put(ctx, b, 1, mvcc.Delta(40)), ShouldBeNil)

		Convey("When a pending value's callback reads the node", func() {
			So(n.Put(ctx, a, 1, mvcc.Expr(mvcc.Product(2, dep))), ShouldBeNil)

			seen := make(chan float64, 1)
			cb := mvcc.NewCallback(func(e keyspace.Entry, v float64) {
				o, _, err := n.Get(ctx, keyspace.Exact(b))
				if err == nil {
					seen <- v + o
				}
			})
			_, ok, err := n.Get(ctx, keyspace.Exact(a), WithCallback(cb))
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)

			Convey("Then discovering its dependency fires it without deadlock", func() {
				errc := make(chan error, 1)
				go func() { errc <- n.Discover(ctx, a, 1, dep, 1) }()

				select {
				case err := <-errc:
					So(err, ShouldBeNil)
				case <-time.After(2 * time.Second):
					So(errors.New("discover did not return"), ShouldBeNil)
				}
				So(len(seen), ShouldEqual, 1)
				So(<-seen, ShouldEqual, 42)
			})
		})

		Convey("When a read waiting on a mass update writes from its callback", func() {
			c := keyspace.NewEntry(1, 3, 3)
			h, err := n.MassPut(ctx, 1, 3, mass.Updates{{Entry: c, Delta: 2}})
			So(err, ShouldBeNil)

			got := make(chan float64, 1)
			errs := make(chan error, 1)
			cb := mvcc.NewCallback(func(e keyspace.Entry, v float64) {
				got <- v
				errs <- n.Put(ctx, b, 4, mvcc.Delta(1))
			})
			_, ok, err := n.Get(ctx, keyspace.Exact(c), WithCallback(cb))
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)

			Convey("Then completing the update re-issues the read without deadlock", func() {
				errc := make(chan error, 1)
				go func() { errc <- n.Complete(ctx, h) }()

				select {
				case err := <-errc:
					So(err, ShouldBeNil)
				case <-time.After(2 * time.Second):
					So(errors.New("complete did not return"), ShouldBeNil)
				}
				So(len(got), ShouldEqual, 1)
				So(<-got, ShouldEqual, 2)
				So(<-errs, ShouldBeNil)

				_, ok, err := n.Get(ctx, keyspace.Exact(b), AtVersion(4))
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
			})
		})
	})
}

func TestNodeConcurrentWriters(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	n := newTestNode(t, &Config{Workers: 3})
	defer n.Close(ctx)

	const writers = 8
	const versions = 50
	k := keyspace.NewEntry(1, 5, 5)

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for v := 1; v <= versions; v++ {
				version := mvcc.Version(v*writers + w)
				if err := n.Put(ctx, k, version, mvcc.Delta(1)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Put failed: %v", err)
	}

	v, ok, err := n.Get(ctx, keyspace.Exact(k))
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", v, ok, err)
	}
	if v != writers*versions {
		t.Errorf("Expected %d, got %v", writers*versions, v)
	}
}

func TestNodeWatchdog(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	m := metrics.NewMetrics()
	defer m.Close()

	n := newTestNode(t, &Config{
		Workers:          1,
		WatchdogInterval: 5 * time.Millisecond,
		StaleAfter:       time.Millisecond,
		Metrics:          m,
	})

	k := keyspace.NewEntry(1, 3, 3)
	if err := n.Put(ctx, k, 1, mvcc.Expr(mvcc.Product(1, keyspace.NewEntry(9, 9)))); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	var fired atomic.Int32
	cb := mvcc.NewCallback(func(keyspace.Entry, float64) { fired.Add(1) })
	if _, _, err := n.Get(ctx, keyspace.Exact(k), WithCallback(cb)); err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for m.GetStats().State.Outstanding != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.GetStats().State.Outstanding; got != 1 {
		t.Errorf("Expected 1 outstanding continuation, got %d", got)
	}
	if got := m.GetStats().State.Keys; got != 1 {
		t.Errorf("Expected 1 key, got %d", got)
	}
	if len(n.Registry().Stale(time.Millisecond)) != 1 {
		t.Errorf("Expected the deferred read to be stale")
	}
	if fired.Load() != 0 {
		t.Errorf("Callback fired before its dependency was discovered")
	}

	if err := n.Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := n.Put(ctx, k, 2, mvcc.Delta(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}

func TestNodeMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	n := newTestNode(t, nil)
	defer n.Close(ctx)

	_ = n.Put(ctx, keyspace.NewEntry(1, 1, 1), 1, mvcc.Delta(1))
	_ = n.Put(ctx, keyspace.NewEntry(1, 99, 1), 1, mvcc.Delta(1))
	_, _, _ = n.Get(ctx, keyspace.Exact(keyspace.NewEntry(1, 1, 1)))

	syncCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := n.Metrics().Sync(syncCtx); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	stats := n.Metrics().GetStats()
	if stats.Operations["put"] != 2 || stats.Errors["put"] != 1 || stats.Operations["get"] != 1 {
		t.Errorf("Unexpected stats %+v %+v", stats.Operations, stats.Errors)
	}
}
