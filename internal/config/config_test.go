// Licensed under the MIT License. See LICENSE file in the project root for details.

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kianostad/spread/internal/core"
	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/template"
)

const layout = `
# two nodes sharing Map1
switch 10.0.0.9
limit 500

node alpha
address 10.0.0.1
partition Map1[0..10, 20]
value Map1[3,4] v1=2.5
value Map1[3,4] v2=-1

node beta
address 10.0.0.2:6000
partition Map1[10..20, 20]
partition Map2[5]

template bump Map1[*,4] += 1; Map1[12,0] += 2
transform Map3 -> Map1
source lineitem.tbl
`

func TestParse(t *testing.T) {
	c, err := Parse(strings.NewReader(layout))
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "beta"}, c.NodeNames())
	assert.Equal(t, Address{Host: "10.0.0.9", Port: DefaultSwitchPort}, c.Switch)
	assert.Equal(t, 500, c.RateLimit)
	assert.Equal(t, "lineitem.tbl", c.Source)
	assert.Equal(t, []string{"Map3 -> Map1"}, c.Transforms)

	alpha := c.Nodes["alpha"]
	assert.Equal(t, "10.0.0.1:52982", alpha.Address.String())
	require.Len(t, alpha.Partitions, 1)
	assert.Equal(t, keyspace.Key{0, 0}, alpha.Partitions[0].Start)
	assert.Equal(t, keyspace.Key{10, 20}, alpha.Partitions[0].Size)
	require.Len(t, alpha.Values, 2)
	assert.Equal(t, uint64(2), alpha.Values[1].Version)
	assert.Equal(t, -1.0, alpha.Values[1].Value)
	assert.Equal(t, "Map1[3,4]", alpha.Values[0].Entry.String())

	beta := c.Nodes["beta"]
	assert.Equal(t, 6000, beta.Address.Port)
	require.Len(t, beta.Partitions, 2)
	assert.Equal(t, keyspace.Key{10, 0}, beta.Partitions[0].Start)
	assert.Equal(t, keyspace.Key{10, 20}, beta.Partitions[0].Size)

	require.Len(t, c.Templates, 1)
	assert.Equal(t, "bump", c.Templates[0].ID)
	assert.Equal(t, "Map1[*,4] += 1; Map1[12,0] += 2", c.Templates[0].Body)
}

func TestParseDefaultNode(t *testing.T) {
	c, err := Parse(strings.NewReader("partition Map1[4]\n"))
	require.NoError(t, err)
	require.Contains(t, c.Nodes, DefaultNode)
	assert.Equal(t, "localhost", c.Nodes[DefaultNode].Address.Host)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"bad dimension":  "partition Map1[5..2]",
		"bad size":       "partition Map1[x]",
		"missing map":    "partition Foo[1]",
		"bad value":      "value Map1[1] v1=abc",
		"missing ver":    "value Map1[1] 3",
		"wildcard value": "value Map1[*] v1=1",
		"bad port":       "address host:99999",
		"bad limit":      "limit fast",
		"bad template":   "template t Map1[1] = 3",
		"no node name":   "node",
	}
	for name, text := range cases {
		text := text
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader("# header\n" + text + "\n"))
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, 2, pe.Line)
		})
	}
}

func TestNodeFor(t *testing.T) {
	c, err := Parse(strings.NewReader(layout))
	require.NoError(t, err)

	name, err := c.NodeFor(1, keyspace.Key{3, 4})
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)

	name, err = c.NodeFor(1, keyspace.Key{15, 19})
	require.NoError(t, err)
	assert.Equal(t, "beta", name)

	_, err = c.NodeFor(1, keyspace.Key{20, 0})
	assert.True(t, errors.Is(err, keyspace.ErrUnknownRange))

	_, err = c.NodeFor(7, keyspace.Key{0})
	assert.True(t, errors.Is(err, keyspace.ErrUnknownRange))

	assert.Equal(t, keyspace.Key{20, 20}, c.PartitionSizes(1))
	assert.Equal(t, keyspace.Key{5}, c.PartitionSizes(2))
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	c, err := Parse(strings.NewReader(layout))
	require.NoError(t, err)

	reg := template.NewRegistry()
	n := core.NewNode(&core.Config{Name: "alpha", Evaluator: template.NewEngine(reg)})
	defer n.Close(ctx)

	require.NoError(t, c.Apply(ctx, "alpha", n, reg))
	assert.Equal(t, []string{"bump"}, reg.IDs())
	require.Len(t, n.Partitions(1), 1)

	v, ok, err := n.Get(ctx, keyspace.Exact(keyspace.NewEntry(1, 3, 4)))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)

	h, err := n.MassPut(ctx, 1, 3, "bump")
	require.NoError(t, err)
	require.NoError(t, n.Complete(ctx, h))

	v, _, err = n.Get(ctx, keyspace.Exact(keyspace.NewEntry(1, 3, 4)))
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	assert.Error(t, c.Apply(ctx, "gamma", n, reg))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spread.conf")
	require.NoError(t, os.WriteFile(path, []byte(layout), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Nodes, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.conf"))
	assert.Error(t, err)
}
