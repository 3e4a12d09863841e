// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"strconv"
	"strings"

	"github.com/kianostad/spread/internal/keyspace"
)

// Kind discriminates the two variants of a Value.
type Kind uint8

const (
	// KindDelta is a plain numeric delta.
	KindDelta Kind = iota
	// KindExpression is a delta that depends on values not yet known.
	KindExpression
)

func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindExpression:
		return "expression"
	default:
		return "unknown"
	}
}

// Value is the raw value of one version record: either Delta(d) or an
// Expression that yields a delta once all of its required entries have been
// discovered.
type Value struct {
	kind  Kind
	delta float64
	expr  *Expression
}

// Delta returns a numeric delta value.
func Delta(d float64) Value {
	return Value{kind: KindDelta, delta: d}
}

// Expr returns a value backed by e. The record that stores the value takes
// ownership of e.
func Expr(e *Expression) Value {
	if e == nil {
		return Delta(0)
	}
	return Value{kind: KindExpression, expr: e}
}

// Kind returns the variant of v.
func (v Value) Kind() Kind {
	return v.kind
}

// Complete reports whether the delta of v is known.
func (v Value) Complete() bool {
	switch v.kind {
	case KindExpression:
		return v.expr.Outstanding() == 0
	default:
		return true
	}
}

// Amount returns the delta of v. For an expression it is only meaningful once
// Complete reports true.
func (v Value) Amount() float64 {
	switch v.kind {
	case KindExpression:
		return v.expr.Evaluate()
	default:
		return v.delta
	}
}

// Expression returns the expression of v, or nil for a delta.
func (v Value) Expression() *Expression {
	return v.expr
}

func (v Value) String() string {
	switch v.kind {
	case KindExpression:
		return v.expr.String()
	default:
		return strconv.FormatFloat(v.delta, 'g', -1, 64)
	}
}

// Combiner computes the delta of an expression from its discovered values.
type Combiner func(lookup func(keyspace.Entry) float64) float64

// Expression is a symbolic delta over a set of required entries. Entries are
// removed from the requirement set as the expression engine discovers their
// values.
type Expression struct {
	deps     []keyspace.Entry
	required map[string]struct{}
	values   map[string]float64
	combine  Combiner
	label    string
}

// NewExpression creates an expression over deps. combine is invoked once every
// dependency has been discovered.
func NewExpression(label string, deps []keyspace.Entry, combine Combiner) *Expression {
	e := &Expression{
		deps:     make([]keyspace.Entry, 0, len(deps)),
		required: make(map[string]struct{}, len(deps)),
		values:   make(map[string]float64, len(deps)),
		combine:  combine,
		label:    label,
	}
	for _, d := range deps {
		id := d.ID()
		if _, dup := e.required[id]; dup {
			continue
		}
		e.required[id] = struct{}{}
		e.deps = append(e.deps, keyspace.Entry{MapID: d.MapID, Key: d.Key.Clone()})
	}
	return e
}

// Product creates the expression scale * deps[0] * deps[1] * ...
func Product(scale float64, deps ...keyspace.Entry) *Expression {
	parts := make([]string, 0, len(deps)+1)
	parts = append(parts, strconv.FormatFloat(scale, 'g', -1, 64))
	for _, d := range deps {
		parts = append(parts, d.String())
	}
	return NewExpression(strings.Join(parts, " * "), deps, func(lookup func(keyspace.Entry) float64) float64 {
		out := scale
		for _, d := range deps {
			out *= lookup(d)
		}
		return out
	})
}

// Discover records the value of a required entry. It returns false if entry is
// not an outstanding requirement.
func (e *Expression) Discover(entry keyspace.Entry, value float64) bool {
	id := entry.ID()
	if _, ok := e.required[id]; !ok {
		return false
	}
	delete(e.required, id)
	e.values[id] = value
	return true
}

// Outstanding returns the number of requirements not yet discovered.
func (e *Expression) Outstanding() int {
	return len(e.required)
}

// Requires returns the entries that have not been discovered yet.
func (e *Expression) Requires() []keyspace.Entry {
	out := make([]keyspace.Entry, 0, len(e.required))
	for _, d := range e.deps {
		if _, ok := e.required[d.ID()]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Evaluate applies the combiner to the discovered values. Undiscovered entries
// read as 0.
func (e *Expression) Evaluate() float64 {
	if e.combine == nil {
		return 0
	}
	return e.combine(func(d keyspace.Entry) float64 {
		return e.values[d.ID()]
	})
}

func (e *Expression) String() string {
	if e.label != "" {
		return "{" + e.label + "}"
	}
	return "{expression}"
}
