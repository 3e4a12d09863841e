// Licensed under the MIT License. See LICENSE file in the project root for details.

package keyspace

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRangeContains(t *testing.T) {
	Convey("Given a range start=[0,0] size=[10,10]", t, func() {
		r, err := NewRange(Key{0, 0}, Key{10, 10})
		So(err, ShouldBeNil)

		Convey("Then an inner key is contained", func() {
			ok, err := r.Contains(Key{5, 5})
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
		})

		Convey("Then the upper bound is exclusive", func() {
			ok, err := r.Contains(Key{10, 0})
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("Then the lower bound is inclusive", func() {
			ok, err := r.Contains(Key{0, 9})
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
		})

		Convey("Then a key of the wrong arity fails", func() {
			_, err := r.Contains(Key{1})
			So(err, ShouldNotBeNil)
			So(errors.Is(err, ErrArityMismatch), ShouldBeTrue)

			var am *ArityMismatchError
			So(errors.As(err, &am), ShouldBeTrue)
			So(am.Expected, ShouldEqual, 2)
			So(am.Actual, ShouldEqual, 1)
		})

		Convey("Then wildcard targets intersect when fixed positions are inside", func() {
			ok, err := r.Intersects(NewTarget(1, Key{3, 0}, 1))
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			ok, err = r.Intersects(NewTarget(1, Key{30, 0}, 1))
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("Then the string form shows half-open bounds", func() {
			So(r.String(), ShouldEqual, "[0::10 ; 0::10]")
		})
	})

	Convey("Given inconsistent vectors", t, func() {
		_, err := NewRange(Key{0, 0}, Key{10})
		So(err, ShouldNotBeNil)

		_, err = NewRange(Key{0}, Key{0})
		So(err, ShouldNotBeNil)
	})
}

func TestEntryIdentity(t *testing.T) {
	Convey("Given entries", t, func() {
		a := NewEntry(1, 3, 4)
		b := NewEntry(1, 3, 4)
		c := NewEntry(2, 3, 4)
		d := NewEntry(1, 3)

		So(a.Equal(b), ShouldBeTrue)
		So(a.ID(), ShouldEqual, b.ID())
		So(a.Equal(c), ShouldBeFalse)
		So(a.ID(), ShouldNotEqual, c.ID())
		So(a.ID(), ShouldNotEqual, d.ID())
		So(a.String(), ShouldEqual, "Map1[3,4]")
	})

	Convey("Keys order lexicographically", t, func() {
		So(Key{1, 2}.Compare(Key{1, 3}), ShouldEqual, -1)
		So(Key{2}.Compare(Key{1, 3}), ShouldEqual, 1)
		So(Key{1}.Compare(Key{1, 0}), ShouldEqual, -1)
		So(Key{4, 4}.Compare(Key{4, 4}), ShouldEqual, 0)
	})
}

func TestTargets(t *testing.T) {
	Convey("Given a wildcard target Map1[3,*]", t, func() {
		tgt := NewTarget(1, Key{3, 99}, 1)

		So(tgt.HasWildcards(), ShouldBeTrue)
		So(tgt.Matches(Key{3, 7}), ShouldBeTrue)
		So(tgt.Matches(Key{4, 7}), ShouldBeFalse)
		So(tgt.Matches(Key{3}), ShouldBeFalse)
		So(tgt.String(), ShouldEqual, "Map1[3,*]")
		So(tgt.ID(), ShouldEqual, NewTarget(1, Key{3, 0}, 1).ID())
		So(tgt.ID(), ShouldNotEqual, Exact(NewEntry(1, 3, 0)).ID())
	})

	Convey("Given textual targets", t, func() {
		tgt, err := ParseTarget(" Map 2[1, *, 5] ")
		So(err, ShouldBeNil)
		So(tgt.MapID, ShouldEqual, 2)
		So(tgt.IsWildcard(1), ShouldBeTrue)
		So(tgt.Key[2], ShouldEqual, 5)

		e, err := ParseEntry("Map0[7,8]")
		So(err, ShouldBeNil)
		So(e.Equal(NewEntry(0, 7, 8)), ShouldBeTrue)

		_, err = ParseEntry("Map0[7,*]")
		So(err, ShouldNotBeNil)

		_, err = ParseTarget("Table0[1]")
		So(err, ShouldNotBeNil)

		_, err = ParseTarget("Map0[x]")
		So(err, ShouldNotBeNil)
	})
}
