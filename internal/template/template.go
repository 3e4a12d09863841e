// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package template is a reference engine for mass update templates.
//
// A template body is a list of clauses separated by ';':
//
//	Map1[*,3] += 2.5; Map1[4,4] += -1
//
// An exact clause touches its key when the key lies inside the partition. A
// wildcard clause touches every existing key of the partition matching the
// pattern at the moment the mass update commits.
package template

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/storage/mass"
	"github.com/kianostad/spread/internal/storage/mvcc"
)

var (
	// ErrSyntax is wrapped by every parse error.
	ErrSyntax = errors.New("template syntax error")
	// ErrUnknownTemplate is returned when a template id is not registered.
	ErrUnknownTemplate = errors.New("unknown template")
)

// Clause adds Delta to every key matched by Target.
type Clause struct {
	Target keyspace.Target
	Delta  float64
}

// Template is a parsed template body.
type Template struct {
	ID      string
	Body    string
	Clauses []Clause
}

func (t *Template) String() string {
	return t.Body
}

// Parse parses a template body.
func Parse(id, body string) (*Template, error) {
	t := &Template{ID: id, Body: strings.TrimSpace(body)}
	for _, raw := range strings.Split(body, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		lhs, rhs, ok := strings.Cut(raw, "+=")
		if !ok {
			return nil, fmt.Errorf("%w: clause %q: expected '+='", ErrSyntax, raw)
		}
		target, err := keyspace.ParseTarget(lhs)
		if err != nil {
			return nil, fmt.Errorf("%w: clause %q: %v", ErrSyntax, raw, err)
		}
		delta, err := strconv.ParseFloat(strings.TrimSpace(rhs), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: clause %q: bad delta: %v", ErrSyntax, raw, err)
		}
		t.Clauses = append(t.Clauses, Clause{Target: target, Delta: delta})
	}
	if len(t.Clauses) == 0 {
		return nil, fmt.Errorf("%w: template %q has no clauses", ErrSyntax, id)
	}
	return t, nil
}

// Registry holds installed templates by id.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// Install parses body and registers it under id, replacing any previous
// template with that id.
func (r *Registry) Install(id, body string) (*Template, error) {
	t, err := Parse(id, body)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[id] = t
	return t, nil
}

// Lookup returns the template registered under id.
func (r *Registry) Lookup(id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
	}
	return t, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Engine evaluates templates against partitions.
type Engine struct {
	registry *Registry
}

var _ mass.Evaluator = (*Engine)(nil)

// NewEngine creates an engine resolving template ids through registry. A nil
// registry only accepts parsed templates and literal bodies.
func NewEngine(registry *Registry) *Engine {
	return &Engine{registry: registry}
}

// Resolve turns a mass update template into a parsed template. It accepts a
// *Template, the id of a registered template, or a template body.
func (e *Engine) Resolve(tmpl mass.Template) (*Template, error) {
	switch t := tmpl.(type) {
	case *Template:
		return t, nil
	case string:
		if e.registry != nil {
			if found, err := e.registry.Lookup(t); err == nil {
				return found, nil
			}
		}
		return Parse("", t)
	default:
		return nil, fmt.Errorf("%w: %T", mass.ErrUnsupportedTemplate, tmpl)
	}
}

// Evaluate expands tmpl into the per-key deltas it applies to view. Deltas of
// clauses touching the same key are summed.
func (e *Engine) Evaluate(ctx context.Context, tmpl mass.Template, view mass.View) ([]mass.Update, error) {
	t, err := e.Resolve(tmpl)
	if err != nil {
		return nil, err
	}

	var out []mass.Update
	index := make(map[string]int)
	add := func(entry keyspace.Entry, delta float64) {
		id := entry.ID()
		if i, ok := index[id]; ok {
			out[i].Delta += delta
			return
		}
		index[id] = len(out)
		out = append(out, mass.Update{Entry: entry, Delta: delta})
	}

	rng := view.Range()
	for _, c := range t.Clauses {
		c := c
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.Target.MapID != view.MapID() || c.Target.Arity() != rng.Dims() {
			continue
		}
		if !c.Target.HasWildcards() {
			if ok, _ := rng.Contains(c.Target.Key); ok {
				add(keyspace.Entry{MapID: c.Target.MapID, Key: c.Target.Key.Clone()}, c.Delta)
			}
			continue
		}
		if ok, _ := rng.Intersects(c.Target); !ok {
			continue
		}
		err := view.Scan(c.Target, func(key keyspace.Key) bool {
			add(keyspace.Entry{MapID: view.MapID(), Key: key.Clone()}, c.Delta)
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ParseValue parses a written value: either a float delta, or a product
// expression "<float> * Map<id>[..] * ..." whose factors are discovered later.
func ParseValue(s string) (mvcc.Value, error) {
	parts := strings.Split(s, "*")
	scale, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return mvcc.Value{}, fmt.Errorf("%w: value %q: %v", ErrSyntax, s, err)
	}
	if len(parts) == 1 {
		return mvcc.Delta(scale), nil
	}

	// A wildcard factor splits apart here and fails to parse as an entry.
	deps := make([]keyspace.Entry, 0, len(parts)-1)
	for _, f := range parts[1:] {
		e, err := keyspace.ParseEntry(f)
		if err != nil {
			return mvcc.Value{}, fmt.Errorf("%w: value %q: %v", ErrSyntax, s, err)
		}
		deps = append(deps, e)
	}
	return mvcc.Expr(mvcc.Product(scale, deps...)), nil
}
