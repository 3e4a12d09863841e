// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"errors"

	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/storage/mass"
	"github.com/kianostad/spread/internal/storage/mvcc"
)

// Sentinel errors. Typed errors match their sentinel through errors.Is.
var (
	ErrArityMismatch             = keyspace.ErrArityMismatch
	ErrUnknownRange              = keyspace.ErrUnknownRange
	ErrIncompleteVersion         = mvcc.ErrIncompleteVersion
	ErrDuplicateMassRegistration = mass.ErrDuplicateMassRegistration
	ErrRecordNotFound            = mvcc.ErrRecordNotFound
	ErrStaleMassVersion          = mass.ErrStaleMassVersion

	// ErrCallbackRequired is returned by a wildcard Get without a callback.
	ErrCallbackRequired = errors.New("wildcard get requires a callback")
	// ErrUnknownMassRecord is returned when completing a record this
	// partition or node did not create.
	ErrUnknownMassRecord = errors.New("unknown mass update record")
	// ErrClosed is returned by a node after Close.
	ErrClosed = errors.New("node is closed")
)

type (
	ArityMismatchError             = keyspace.ArityMismatchError
	UnknownRangeError              = keyspace.UnknownRangeError
	IncompleteVersionError         = mvcc.IncompleteVersionError
	DuplicateMassRegistrationError = mass.DuplicateMassRegistrationError
)
