// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"errors"
	"fmt"

	"github.com/kianostad/spread/internal/keyspace"
)

var (
	// ErrIncompleteVersion matches any *IncompleteVersionError via errors.Is.
	ErrIncompleteVersion = errors.New("incomplete version")
	// ErrRecordNotFound is returned when no record exists at the requested version.
	ErrRecordNotFound = errors.New("version record not found")
	// ErrNotRequired is returned when discovered feedback names an entry the
	// record does not depend on.
	ErrNotRequired = errors.New("entry is not required by the record")
)

// IncompleteVersionError is returned by a synchronous read of a pending value.
// Reads fail fast instead of blocking the caller.
type IncompleteVersionError struct {
	Entry   keyspace.Entry
	Version Version
}

func (e *IncompleteVersionError) Error() string {
	return fmt.Sprintf("request for incomplete version: %s v%d", e.Entry, e.Version)
}

func (e *IncompleteVersionError) Is(target error) bool { return target == ErrIncompleteVersion }
