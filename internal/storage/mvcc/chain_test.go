// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"errors"
	"testing"

	"github.com/kianostad/spread/internal/keyspace"

	. "github.com/smartystreets/goconvey/convey"
)

func TestChainDeltaAccumulation(t *testing.T) {
	Convey("Given a chain for Map1[3]", t, func() {
		q := &Queue{}
		chain := NewVersionChain(keyspace.NewEntry(1, 3), 0)

		Convey("When deltas arrive in order", func() {
			chain.Insert(1, Delta(2), q)
			chain.Insert(2, Delta(3), q)
			chain.Insert(4, Delta(-1), q)

			Convey("Then each version resolves to the running sum", func() {
				v, ready, err := chain.Resolve(1, nil, q)
				So(err, ShouldBeNil)
				So(ready, ShouldBeTrue)
				So(v, ShouldEqual, 2)

				v, _, _ = chain.Resolve(2, nil, q)
				So(v, ShouldEqual, 5)

				v, _, _ = chain.Resolve(3, nil, q)
				So(v, ShouldEqual, 5)

				v, _, _ = chain.Resolve(100, nil, q)
				So(v, ShouldEqual, 4)
			})

			Convey("Then a version older than every record reads 0", func() {
				chain := NewVersionChain(keyspace.NewEntry(1, 4), 1)
				chain.Insert(5, Delta(1), q)
				v, ready, err := chain.Resolve(2, nil, q)
				So(err, ShouldBeNil)
				So(ready, ShouldBeTrue)
				So(v, ShouldEqual, 0)
			})
		})

		Convey("When a version older than the head arrives", func() {
			chain.Insert(5, Delta(1), q)
			chain.Insert(7, Delta(1), q)
			chain.Insert(2, Delta(10), q)

			Convey("Then it is prepended and successors are recomputed", func() {
				So(chain.Len(), ShouldEqual, 3)
				So(chain.Find(3).Version(), ShouldEqual, 2)
				v, _, _ := chain.Resolve(7, nil, q)
				So(v, ShouldEqual, 12)
			})
		})

		Convey("When a version is written twice", func() {
			chain.Insert(1, Delta(1), q)
			chain.Insert(2, Delta(5), q)
			chain.Insert(2, Delta(7), q)

			Convey("Then the delta is replaced in place", func() {
				So(chain.Len(), ShouldEqual, 2)
				v, _, _ := chain.Resolve(2, nil, q)
				So(v, ShouldEqual, 8)
			})
		})
	})
}

func TestChainFind(t *testing.T) {
	Convey("Given records at versions 2, 4 and 6", t, func() {
		q := &Queue{}
		chain := NewVersionChain(keyspace.NewEntry(0, 1), 0)
		for _, v := range []Version{4, 2, 6} {
			chain.Insert(v, Delta(1), q)
		}

		So(chain.Find(1), ShouldBeNil)
		So(chain.Find(2).Version(), ShouldEqual, 2)
		So(chain.Find(3).Version(), ShouldEqual, 2)
		So(chain.Find(5).Version(), ShouldEqual, 4)
		So(chain.Find(60).Version(), ShouldEqual, 6)
		So(chain.Get(5), ShouldBeNil)
		So(chain.Get(4).Version(), ShouldEqual, 4)
		So(chain.Last().Version(), ShouldEqual, 6)
	})
}

func TestChainExpressions(t *testing.T) {
	Convey("Given a record whose delta is 2 * Map2[1] * Map2[2]", t, func() {
		q := &Queue{}
		a, b := keyspace.NewEntry(2, 1), keyspace.NewEntry(2, 2)
		chain := NewVersionChain(keyspace.NewEntry(1, 0), 0)
		chain.Insert(1, Delta(1), q)
		chain.Insert(2, Expr(Product(2, a, b)), q)
		chain.Insert(3, Delta(4), q)

		Convey("Then a synchronous read fails fast", func() {
			_, ready, err := chain.Resolve(3, nil, q)
			So(ready, ShouldBeFalse)
			So(errors.Is(err, ErrIncompleteVersion), ShouldBeTrue)

			var iv *IncompleteVersionError
			So(errors.As(err, &iv), ShouldBeTrue)
			So(iv.Version, ShouldEqual, 3)
		})

		Convey("Then the predecessor is still readable", func() {
			v, ready, err := chain.Resolve(1, nil, q)
			So(err, ShouldBeNil)
			So(ready, ShouldBeTrue)
			So(v, ShouldEqual, 1)
		})

		Convey("When a callback waits for the successor", func() {
			var got []float64
			cb := NewCallback(func(_ keyspace.Entry, v float64) { got = append(got, v) })
			_, ready, err := chain.Resolve(3, cb, q)
			So(err, ShouldBeNil)
			So(ready, ShouldBeFalse)

			Convey("And only one dependency is discovered", func() {
				So(chain.Discover(2, a, 3, q), ShouldBeNil)
				q.Drain()

				Convey("Then nothing fires", func() {
					So(got, ShouldBeEmpty)
					So(chain.Get(2).Ready(), ShouldBeFalse)
				})
			})

			Convey("And both dependencies are discovered", func() {
				So(chain.Discover(2, a, 3, q), ShouldBeNil)
				So(chain.Discover(2, b, 5, q), ShouldBeNil)
				So(q.Drain(), ShouldEqual, 1)

				Convey("Then the callback fires exactly once with the running sum", func() {
					So(got, ShouldResemble, []float64{1 + 30 + 4})
					So(chain.Get(3).Waiters(), ShouldEqual, 0)

					chain.Insert(4, Delta(1), q)
					q.Drain()
					So(len(got), ShouldEqual, 1)
				})
			})

			Convey("And feedback names an unrelated entry", func() {
				err := chain.Discover(2, keyspace.NewEntry(9, 9), 1, q)
				So(err, ShouldEqual, ErrNotRequired)
				So(chain.Discover(8, a, 1, q), ShouldEqual, ErrRecordNotFound)
			})
		})
	})
}

func TestChainRecords(t *testing.T) {
	Convey("Given a chain with a pending tail", t, func() {
		q := &Queue{}
		chain := NewVersionChain(keyspace.NewEntry(1, 5), 0)
		chain.Insert(1, Delta(2), q)
		chain.Insert(2, Expr(Product(1, keyspace.NewEntry(3, 1))), q)

		infos := chain.Records()
		So(len(infos), ShouldEqual, 2)
		So(infos[0], ShouldResemble, RecordInfo{Version: 1, Value: 2, Raw: "2", Ready: true})
		So(infos[1].Ready, ShouldBeFalse)
		So(infos[1].Raw, ShouldEqual, "{1 * Map3[1]}")
		So(chain.Get(2).State().String(), ShouldEqual, "pending")
	})
}

func TestQueueDrain(t *testing.T) {
	Convey("Given a queue whose items push more items", t, func() {
		q := &Queue{}
		var order []int
		q.Push(func() {
			order = append(order, 1)
			q.Push(func() { order = append(order, 3) })
		})
		q.Push(func() { order = append(order, 2) })

		So(q.Drain(), ShouldEqual, 3)
		So(order, ShouldResemble, []int{1, 2, 3})
		So(q.Len(), ShouldEqual, 0)
	})

	Convey("Given two queues", t, func() {
		src, dst := &Queue{}, &Queue{}
		var order []int
		dst.Push(func() { order = append(order, 1) })
		src.Push(func() { order = append(order, 2) })

		src.Transfer(dst)
		So(src.Len(), ShouldEqual, 0)
		So(dst.Drain(), ShouldEqual, 2)
		So(order, ShouldResemble, []int{1, 2})
	})

	Convey("Given a pool", t, func() {
		pool := NewQueuePool()
		q := pool.Get()
		q.Push(func() {})
		pool.Put(q)
		So(pool.Get().Len(), ShouldEqual, 0)
	})
}
