// Licensed under the MIT License. See LICENSE file in the project root for details.

package mass

import (
	"context"
	"fmt"

	"github.com/kianostad/spread/internal/keyspace"
)

// Template is a batch-expression descriptor. It is opaque to the store and only
// interpreted by an Evaluator.
type Template any

// Update is one per-key delta produced by evaluating a template.
type Update struct {
	Entry keyspace.Entry
	Delta float64
}

// View is the read-only surface of a partition offered to an Evaluator.
type View interface {
	// MapID returns the map the partition belongs to.
	MapID() int
	// Range returns the key range owned by the partition.
	Range() keyspace.Range
	// Scan calls fn for every existing key matching target until fn returns false.
	Scan(target keyspace.Target, fn func(key keyspace.Key) bool) error
}

// Evaluator turns a template into the concrete per-key deltas it applies to a
// partition. Evaluate is always called without the partition lock held.
type Evaluator interface {
	Evaluate(ctx context.Context, tmpl Template, view View) ([]Update, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, tmpl Template, view View) ([]Update, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, tmpl Template, view View) ([]Update, error) {
	return f(ctx, tmpl, view)
}

// Updates is a template that already lists its per-key deltas.
type Updates []Update

// StaticEvaluator evaluates Updates templates, keeping the updates that fall
// inside the view's map and range.
var StaticEvaluator Evaluator = EvaluatorFunc(func(ctx context.Context, tmpl Template, view View) ([]Update, error) {
	updates, ok := tmpl.(Updates)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedTemplate, tmpl)
	}
	out := make([]Update, 0, len(updates))
	for _, u := range updates {
		if u.Entry.MapID != view.MapID() {
			continue
		}
		if ok, err := view.Range().Contains(u.Entry.Key); err != nil || !ok {
			continue
		}
		out = append(out, u)
	}
	return out, nil
})
