// Licensed under the MIT License. See LICENSE file in the project root for details.

package keyspace

import (
	"errors"
	"fmt"
)

var (
	// ErrArityMismatch matches any *ArityMismatchError via errors.Is.
	ErrArityMismatch = errors.New("arity mismatch")
	// ErrUnknownRange matches any *UnknownRangeError via errors.Is.
	ErrUnknownRange = errors.New("unknown range")
)

// ArityMismatchError indicates a key or target whose dimensionality does not
// match the partition.
type ArityMismatchError struct {
	Expected int
	Actual   int
}

func (e *ArityMismatchError) Error() string {
	return fmt.Sprintf("arity mismatch: expected %d dimensions, got %d", e.Expected, e.Actual)
}

func (e *ArityMismatchError) Is(target error) bool { return target == ErrArityMismatch }

// UnknownRangeError indicates that no known partition owns a key.
type UnknownRangeError struct {
	MapID int
	Key   Key
}

func (e *UnknownRangeError) Error() string {
	return fmt.Sprintf("unknown range: no partition owns Map%d%s", e.MapID, e.Key)
}

func (e *UnknownRangeError) Is(target error) bool { return target == ErrUnknownRange }
