// Licensed under the MIT License. See LICENSE file in the project root for details.

package mass

import (
	"context"
	"errors"
	"testing"

	"github.com/kianostad/spread/internal/keyspace"

	. "github.com/smartystreets/goconvey/convey"
)

type fakeView struct {
	mapID int
	rng   keyspace.Range
}

func (v fakeView) MapID() int            { return v.mapID }
func (v fakeView) Range() keyspace.Range { return v.rng }
func (v fakeView) Scan(keyspace.Target, func(keyspace.Key) bool) error {
	return nil
}

func TestStaticEvaluator(t *testing.T) {
	Convey("Given a view over Map1 [0,10)", t, func() {
		rng, err := keyspace.NewRange(keyspace.Key{0}, keyspace.Key{10})
		So(err, ShouldBeNil)
		view := fakeView{mapID: 1, rng: rng}

		Convey("Then updates outside the map or range are dropped", func() {
			tmpl := Updates{
				{Entry: keyspace.NewEntry(1, 3), Delta: 2},
				{Entry: keyspace.NewEntry(1, 12), Delta: 4},
				{Entry: keyspace.NewEntry(2, 3), Delta: 8},
				{Entry: keyspace.NewEntry(1, 3, 3), Delta: 16},
			}
			out, err := StaticEvaluator.Evaluate(context.Background(), tmpl, view)
			So(err, ShouldBeNil)
			So(len(out), ShouldEqual, 1)
			So(out[0].Delta, ShouldEqual, 2)
		})

		Convey("Then other template types are unsupported", func() {
			_, err := StaticEvaluator.Evaluate(context.Background(), "Map1[*] += 1", view)
			So(errors.Is(err, ErrUnsupportedTemplate), ShouldBeTrue)
		})
	})
}
