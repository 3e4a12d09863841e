// Licensed under the MIT License. See LICENSE file in the project root for details.

package keyspace

import (
	"strconv"
	"strings"
)

// Target is an Entry whose key may contain wildcard positions.
//
// A Target without wildcards addresses exactly one entry. Coordinates at
// wildcard positions are ignored.
type Target struct {
	Entry
	wild []bool
}

// Exact returns a target addressing exactly e.
func Exact(e Entry) Target {
	return Target{Entry: e}
}

// NewTarget creates a target of map mapID. Positions listed in wildcards match
// any coordinate; out-of-range positions are ignored.
func NewTarget(mapID int, key Key, wildcards ...int) Target {
	t := Target{Entry: Entry{MapID: mapID, Key: key.Clone()}}
	for _, pos := range wildcards {
		if pos < 0 || pos >= len(key) {
			continue
		}
		if t.wild == nil {
			t.wild = make([]bool, len(key))
		}
		t.wild[pos] = true
		t.Key[pos] = 0
	}
	return t
}

// Arity returns the number of key positions of the target.
func (t Target) Arity() int {
	return len(t.Key)
}

// HasWildcards reports whether the target matches more than one key.
func (t Target) HasWildcards() bool {
	for _, w := range t.wild {
		if w {
			return true
		}
	}
	return false
}

// IsWildcard reports whether position i matches any coordinate.
func (t Target) IsWildcard(i int) bool {
	return i >= 0 && i < len(t.wild) && t.wild[i]
}

// Matches reports whether key is addressed by the target.
func (t Target) Matches(key Key) bool {
	if len(key) != len(t.Key) {
		return false
	}
	for i, c := range key {
		if !t.IsWildcard(i) && c != t.Key[i] {
			return false
		}
	}
	return true
}

// ID returns a string usable as a map key; equal targets have equal IDs.
func (t Target) ID() string {
	if !t.HasWildcards() {
		return t.Entry.ID()
	}
	var b strings.Builder
	b.WriteString(t.Entry.ID())
	b.WriteByte(0xff)
	for _, w := range t.wild {
		if w {
			b.WriteByte('*')
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

func (t Target) String() string {
	var b strings.Builder
	b.WriteString("Map")
	b.WriteString(strconv.Itoa(t.MapID))
	b.WriteByte('[')
	for i, c := range t.Key {
		if i > 0 {
			b.WriteByte(',')
		}
		if t.IsWildcard(i) {
			b.WriteByte('*')
		} else {
			b.WriteString(strconv.FormatInt(c, 10))
		}
	}
	b.WriteByte(']')
	return b.String()
}
