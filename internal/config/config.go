// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config loads cluster layouts written in the line-oriented directive
// grammar:
//
//	# comment
//	node alpha
//	address 10.0.0.1:52982
//	partition Map1[0..10, 20]
//	value Map1[3,4] v1=2.5
//	template bump Map1[*,4] += 1
//	switch 10.0.0.9
//	limit 1000
//
// Directives after a node line describe that node. A partition dimension is
// either a size n, covering [0,n), or a half-open span start..end.
package config

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kianostad/spread/internal/core"
	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/storage/mvcc"
	"github.com/kianostad/spread/internal/template"
)

const (
	// DefaultNode is the node directives belong to before any node line.
	DefaultNode = "Solo Node"
	// DefaultPort is the port of a node address without one.
	DefaultPort = 52982
	// DefaultSwitchPort is the port of a switch address without one.
	DefaultSwitchPort = 52981
)

// Address is a host and port.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress parses "host[:port]".
func ParseAddress(s string, defaultPort int) (Address, error) {
	host, port, ok := strings.Cut(strings.TrimSpace(s), ":")
	if host == "" {
		return Address{}, fmt.Errorf("empty host in address %q", s)
	}
	a := Address{Host: host, Port: defaultPort}
	if ok {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Address{}, fmt.Errorf("bad port in address %q", s)
		}
		a.Port = p
	}
	return a, nil
}

// PartitionSpec is one partition directive.
type PartitionSpec struct {
	MapID int
	Start keyspace.Key
	Size  keyspace.Key
}

// Range returns the key range of the partition.
func (p PartitionSpec) Range() (keyspace.Range, error) {
	return keyspace.NewRange(p.Start, p.Size)
}

// ValueSpec is one value directive.
type ValueSpec struct {
	Entry   keyspace.Entry
	Version mvcc.Version
	Value   float64
}

// NodeSpec collects the directives of one node.
type NodeSpec struct {
	Name       string
	Address    Address
	Partitions []PartitionSpec
	Values     []ValueSpec
}

// TemplateSpec is one template directive.
type TemplateSpec struct {
	ID   string
	Body string
}

// Config is a parsed layout.
type Config struct {
	Nodes       map[string]*NodeSpec
	Templates   []TemplateSpec
	Switch      Address
	RateLimit   int
	Transforms  []string
	Projections []string
	Source      string
}

// ParseError reports the line a directive failed on.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("config line %d: %q: %v", e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Load reads the layout at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a layout. Unknown directives are ignored.
func Parse(r io.Reader) (*Config, error) {
	c := &Config{
		Nodes:  make(map[string]*NodeSpec),
		Switch: Address{Host: "localhost", Port: DefaultSwitchPort},
	}
	current := DefaultNode

	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := c.directive(&current, text); err != nil {
			return nil, &ParseError{Line: line, Text: text, Err: err}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return c, nil
}

// node returns the NodeSpec of name, creating it on first use.
func (c *Config) node(name string) *NodeSpec {
	n, ok := c.Nodes[name]
	if !ok {
		n = &NodeSpec{Name: name, Address: Address{Host: "localhost", Port: DefaultPort}}
		c.Nodes[name] = n
	}
	return n
}

func (c *Config) directive(current *string, text string) error {
	cmd, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "node":
		if rest == "" {
			return fmt.Errorf("missing node name")
		}
		*current = rest
		c.node(rest)
	case "address":
		a, err := ParseAddress(rest, DefaultPort)
		if err != nil {
			return err
		}
		c.node(*current).Address = a
	case "partition":
		p, err := parsePartition(rest)
		if err != nil {
			return err
		}
		n := c.node(*current)
		n.Partitions = append(n.Partitions, p)
	case "value":
		v, err := parseValue(rest)
		if err != nil {
			return err
		}
		n := c.node(*current)
		n.Values = append(n.Values, v)
	case "template":
		id, body, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("template needs an id and a body")
		}
		if _, err := template.Parse(id, body); err != nil {
			return err
		}
		c.Templates = append(c.Templates, TemplateSpec{ID: id, Body: strings.TrimSpace(body)})
	case "switch":
		a, err := ParseAddress(rest, DefaultSwitchPort)
		if err != nil {
			return err
		}
		c.Switch = a
	case "limit":
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return fmt.Errorf("bad limit %q", rest)
		}
		c.RateLimit = n
	case "transform":
		c.Transforms = append(c.Transforms, rest)
	case "project":
		c.Projections = append(c.Projections, rest)
	case "source":
		c.Source = rest
	}
	return nil
}

// parsePartition parses "Map<id>[d1, d2, ...]".
func parsePartition(s string) (PartitionSpec, error) {
	mapID, body, err := splitMapRef(s)
	if err != nil {
		return PartitionSpec{}, err
	}
	dims := strings.Split(body, ",")
	p := PartitionSpec{MapID: mapID, Start: make(keyspace.Key, len(dims)), Size: make(keyspace.Key, len(dims))}
	for i, d := range dims {
		d = strings.TrimSpace(d)
		if lo, hi, ok := strings.Cut(d, ".."); ok {
			start, err1 := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
			end, err2 := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
			if err1 != nil || err2 != nil || end <= start {
				return PartitionSpec{}, fmt.Errorf("bad dimension %q", d)
			}
			p.Start[i], p.Size[i] = start, end-start
			continue
		}
		size, err := strconv.ParseInt(d, 10, 64)
		if err != nil || size <= 0 {
			return PartitionSpec{}, fmt.Errorf("bad dimension %q", d)
		}
		p.Size[i] = size
	}
	return p, nil
}

// parseValue parses "Map<id>[k1, ...] v<version>=<float>".
func parseValue(s string) (ValueSpec, error) {
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return ValueSpec{}, fmt.Errorf("missing key brackets")
	}
	e, err := keyspace.ParseEntry(s[:end+1])
	if err != nil {
		return ValueSpec{}, err
	}
	rest := strings.TrimSpace(s[end+1:])
	ver, val, ok := strings.Cut(strings.TrimPrefix(rest, "v"), "=")
	if !ok || !strings.HasPrefix(rest, "v") {
		return ValueSpec{}, fmt.Errorf("expected v<version>=<value>")
	}
	version, err := strconv.ParseUint(strings.TrimSpace(ver), 10, 64)
	if err != nil {
		return ValueSpec{}, fmt.Errorf("bad version %q", ver)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return ValueSpec{}, fmt.Errorf("bad value %q", val)
	}
	return ValueSpec{Entry: e, Version: version, Value: value}, nil
}

func splitMapRef(s string) (int, string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "Map")
	if !ok {
		return 0, "", fmt.Errorf("missing Map prefix")
	}
	open := strings.IndexByte(rest, '[')
	if open < 0 || !strings.HasSuffix(rest, "]") {
		return 0, "", fmt.Errorf("missing key brackets")
	}
	mapID, err := strconv.Atoi(strings.TrimSpace(rest[:open]))
	if err != nil {
		return 0, "", fmt.Errorf("bad map id: %w", err)
	}
	return mapID, rest[open+1 : len(rest)-1], nil
}

// NodeNames returns the names of every node in sorted order.
func (c *Config) NodeNames() []string {
	names := make([]string, 0, len(c.Nodes))
	for name := range c.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NodeFor returns the node owning key of mapID.
func (c *Config) NodeFor(mapID int, key keyspace.Key) (string, error) {
	for _, name := range c.NodeNames() {
		for _, p := range c.Nodes[name].Partitions {
			if p.MapID != mapID {
				continue
			}
			rng, err := p.Range()
			if err != nil {
				return "", err
			}
			if ok, err := rng.Contains(key); err == nil && ok {
				return name, nil
			}
		}
	}
	return "", &keyspace.UnknownRangeError{MapID: mapID, Key: key}
}

// PartitionSizes returns, per dimension, the end of the furthest partition of
// mapID across all nodes.
func (c *Config) PartitionSizes(mapID int) keyspace.Key {
	var out keyspace.Key
	for _, n := range c.Nodes {
		for _, p := range n.Partitions {
			if p.MapID != mapID {
				continue
			}
			for i := range p.Start {
				end := p.Start[i] + p.Size[i]
				if i >= len(out) {
					out = append(out, end)
				} else if end > out[i] {
					out[i] = end
				}
			}
		}
	}
	return out
}

// Apply hosts the partitions of node name on n, installs every template in
// reg and seeds the node's values.
func (c *Config) Apply(ctx context.Context, name string, n *core.Node, reg *template.Registry) error {
	ns, ok := c.Nodes[name]
	if !ok {
		return fmt.Errorf("unknown node %q", name)
	}
	if reg != nil {
		for _, t := range c.Templates {
			if _, err := reg.Install(t.ID, t.Body); err != nil {
				return err
			}
		}
	}
	for _, p := range ns.Partitions {
		if _, err := n.AddPartition(p.MapID, p.Start, p.Size); err != nil {
			return err
		}
	}
	for _, v := range ns.Values {
		if err := n.Put(ctx, v.Entry, v.Version, mvcc.Delta(v.Value)); err != nil {
			return fmt.Errorf("seed %s v%d: %w", v.Entry, v.Version, err)
		}
	}
	return nil
}
