// Licensed under the MIT License. See LICENSE file in the project root for details.

package keyspace

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTarget parses the textual form "Map<id>[c1,...,cn]" where each
// coordinate is an integer or "*". Whitespace around tokens is ignored.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	rest, ok := strings.CutPrefix(s, "Map")
	if !ok {
		return Target{}, fmt.Errorf("keyspace: %q: missing Map prefix", s)
	}
	open := strings.IndexByte(rest, '[')
	if open < 0 || !strings.HasSuffix(rest, "]") {
		return Target{}, fmt.Errorf("keyspace: %q: missing key brackets", s)
	}
	mapID, err := strconv.Atoi(strings.TrimSpace(rest[:open]))
	if err != nil {
		return Target{}, fmt.Errorf("keyspace: %q: bad map id: %w", s, err)
	}
	body := strings.TrimSpace(rest[open+1 : len(rest)-1])
	if body == "" {
		return NewTarget(mapID, Key{}), nil
	}
	fields := strings.Split(body, ",")
	key := make(Key, len(fields))
	var wild []int
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if f == "*" {
			wild = append(wild, i)
			continue
		}
		c, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return Target{}, fmt.Errorf("keyspace: %q: bad coordinate %q: %w", s, f, err)
		}
		key[i] = c
	}
	return NewTarget(mapID, key, wild...), nil
}

// ParseEntry parses "Map<id>[c1,...,cn]" and rejects wildcards.
func ParseEntry(s string) (Entry, error) {
	t, err := ParseTarget(s)
	if err != nil {
		return Entry{}, err
	}
	if t.HasWildcards() {
		return Entry{}, fmt.Errorf("keyspace: %q: wildcards are not allowed in an entry", s)
	}
	return t.Entry, nil
}
