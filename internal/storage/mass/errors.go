// Licensed under the MIT License. See LICENSE file in the project root for details.

package mass

import (
	"errors"
	"fmt"

	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/storage/mvcc"
)

var (
	// ErrStaleMassVersion is returned when a mass update does not advance the
	// version of the chain tail.
	ErrStaleMassVersion = errors.New("mass update version does not advance the chain")
	// ErrUnknownRecord is returned for a record that does not belong to the chain.
	ErrUnknownRecord = errors.New("unknown mass update record")
	// ErrRecordFired is returned when registering on a record that already fired.
	ErrRecordFired = errors.New("mass update record already fired")
	// ErrDuplicateMassRegistration matches any *DuplicateMassRegistrationError.
	ErrDuplicateMassRegistration = errors.New("duplicate mass registration")
	// ErrUnsupportedTemplate is returned by an evaluator for a template type it
	// cannot interpret.
	ErrUnsupportedTemplate = errors.New("unsupported template")
)

// DuplicateMassRegistrationError is returned when the same callback registers
// the same key twice against one record without an exemption.
type DuplicateMassRegistrationError struct {
	Target  keyspace.Target
	Version mvcc.Version
}

func (e *DuplicateMassRegistrationError) Error() string {
	return fmt.Sprintf("duplicate mass registration: %s on mass update v%d", e.Target, e.Version)
}

func (e *DuplicateMassRegistrationError) Is(target error) bool {
	return target == ErrDuplicateMassRegistration
}
