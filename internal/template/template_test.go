// Licensed under the MIT License. See LICENSE file in the project root for details.

package template

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/storage/mass"
	"github.com/kianostad/spread/internal/storage/mvcc"
)

type testView struct {
	mapID int
	rng   keyspace.Range
	keys  []keyspace.Key
}

func (v *testView) MapID() int            { return v.mapID }
func (v *testView) Range() keyspace.Range { return v.rng }
func (v *testView) Scan(t keyspace.Target, fn func(keyspace.Key) bool) error {
	for _, k := range v.keys {
		if t.Matches(k) && !fn(k) {
			return nil
		}
	}
	return nil
}

func newTestView(t *testing.T) *testView {
	rng, err := keyspace.NewRange(keyspace.Key{0, 0}, keyspace.Key{10, 10})
	require.NoError(t, err)
	return &testView{
		mapID: 1,
		rng:   rng,
		keys:  []keyspace.Key{{1, 3}, {2, 3}, {2, 4}},
	}
}

func TestParse(t *testing.T) {
	tmpl, err := Parse("t1", "Map1[*,3] += 2.5; Map1[4,4] += -1;")
	require.NoError(t, err)
	require.Len(t, tmpl.Clauses, 2)
	assert.True(t, tmpl.Clauses[0].Target.HasWildcards())
	assert.Equal(t, 2.5, tmpl.Clauses[0].Delta)
	assert.Equal(t, "Map1[4,4]", tmpl.Clauses[1].Target.String())
	assert.Equal(t, -1.0, tmpl.Clauses[1].Delta)
}

func TestParseErrors(t *testing.T) {
	for _, body := range []string{
		"",
		"Map1[1] = 2",
		"Foo[1] += 2",
		"Map1[1] += two",
	} {
		_, err := Parse("bad", body)
		assert.ErrorIs(t, err, ErrSyntax, body)
	}
}

func TestEngineEvaluate(t *testing.T) {
	view := newTestView(t)
	reg := NewRegistry()
	_, err := reg.Install("bump", "Map1[2,*] += 1; Map1[2,3] += 10; Map1[12,0] += 5; Map2[1,1] += 7; Map1[5,5] += 3")
	require.NoError(t, err)

	engine := NewEngine(reg)
	updates, err := engine.Evaluate(context.Background(), "bump", view)
	require.NoError(t, err)

	got := make(map[string]float64)
	for _, u := range updates {
		got[u.Entry.String()] = u.Delta
	}
	assert.Equal(t, map[string]float64{
		"Map1[2,3]": 11,
		"Map1[2,4]": 1,
		"Map1[5,5]": 3,
	}, got)
}

func TestEngineResolve(t *testing.T) {
	engine := NewEngine(nil)

	parsed, err := Parse("x", "Map1[1,1] += 1")
	require.NoError(t, err)
	got, err := engine.Resolve(parsed)
	require.NoError(t, err)
	assert.Same(t, parsed, got)

	got, err = engine.Resolve("Map1[1,1] += 4")
	require.NoError(t, err)
	assert.Equal(t, 4.0, got.Clauses[0].Delta)

	_, err = engine.Resolve(42)
	assert.ErrorIs(t, err, mass.ErrUnsupportedTemplate)

	_, err = NewRegistry().Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestEngineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(nil).Evaluate(ctx, "Map1[1,1] += 1", newTestView(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistryIDs(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Install("b", "Map1[1] += 1")
	require.NoError(t, err)
	_, err = reg.Install("a", "Map1[2] += 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, reg.IDs())
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue("3.5")
	require.NoError(t, err)
	assert.Equal(t, mvcc.KindDelta, v.Kind())
	assert.Equal(t, 3.5, v.Amount())

	v, err = ParseValue("2 * Map1[3] * Map2[1,1]")
	require.NoError(t, err)
	require.Equal(t, mvcc.KindExpression, v.Kind())
	assert.False(t, v.Complete())
	assert.Len(t, v.Expression().Requires(), 2)

	_, err = ParseValue("2 * Map1[*]")
	assert.ErrorIs(t, err, ErrSyntax)

	_, err = ParseValue("abc")
	assert.ErrorIs(t, err, ErrSyntax)
}
