// Licensed under the MIT License. See LICENSE file in the project root for details.

package keyspace

import (
	"errors"
	"strconv"
	"strings"
)

var errInconsistentRange = errors.New("keyspace: start and size vectors differ in length")

// Range is the half-open box [start_i, start_i+size_i) of a partition. It is
// immutable after construction.
type Range struct {
	start Key
	size  Key
}

// NewRange creates a range from per-dimension start and size vectors.
func NewRange(start, size Key) (Range, error) {
	if len(start) != len(size) {
		return Range{}, errInconsistentRange
	}
	for i, s := range size {
		if s <= 0 {
			return Range{}, errors.New("keyspace: dimension " + strconv.Itoa(i) + " has non-positive size")
		}
	}
	return Range{start: start.Clone(), size: size.Clone()}, nil
}

// Dims returns the dimensionality of the range.
func (r Range) Dims() int {
	return len(r.start)
}

// Start returns a copy of the start vector.
func (r Range) Start() Key {
	return r.start.Clone()
}

// Size returns a copy of the size vector.
func (r Range) Size() Key {
	return r.size.Clone()
}

// Contains reports whether key lies inside the range. A key with the wrong
// number of dimensions fails with an *ArityMismatchError.
func (r Range) Contains(key Key) (bool, error) {
	if len(key) != len(r.start) {
		return false, &ArityMismatchError{Expected: len(r.start), Actual: len(key)}
	}
	for i, c := range key {
		if c < r.start[i] || c >= r.start[i]+r.size[i] {
			return false, nil
		}
	}
	return true, nil
}

// Intersects reports whether any key matched by t lies inside the range.
func (r Range) Intersects(t Target) (bool, error) {
	if t.Arity() != len(r.start) {
		return false, &ArityMismatchError{Expected: len(r.start), Actual: t.Arity()}
	}
	for i, c := range t.Key {
		if t.IsWildcard(i) {
			continue
		}
		if c < r.start[i] || c >= r.start[i]+r.size[i] {
			return false, nil
		}
	}
	return true, nil
}

func (r Range) String() string {
	parts := make([]string, len(r.start))
	for i := range r.start {
		parts[i] = strconv.FormatInt(r.start[i], 10) + "::" + strconv.FormatInt(r.start[i]+r.size[i], 10)
	}
	return "[" + strings.Join(parts, " ; ") + "]"
}
