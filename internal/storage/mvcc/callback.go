// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import "github.com/kianostad/spread/internal/keyspace"

// Callback is a continuation that receives the resolved value of an entry.
//
// A Callback may be registered many times (a wildcard read registers the same
// callback once per matching key); every registration fires at most once.
// Callbacks are compared by identity.
type Callback struct {
	fn func(entry keyspace.Entry, value float64)
}

// NewCallback wraps fn as a Callback.
func NewCallback(fn func(entry keyspace.Entry, value float64)) *Callback {
	return &Callback{fn: fn}
}

// Fire invokes the callback.
func (c *Callback) Fire(entry keyspace.Entry, value float64) {
	if c == nil || c.fn == nil {
		return
	}
	c.fn(entry, value)
}
