// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package pending tracks continuations that have been registered but not yet
// fired.
//
// Deferred reads never time out: a continuation registered on a record that
// never becomes ready never fires. The Registry records every outstanding
// registration so that this liveness gap is observable, and the Watchdog
// periodically reports registrations that have been waiting for too long.
//
// # Key Features
//
//   - Tickets per registration, released exactly once
//   - Oldest outstanding version for diagnostics
//   - Stale-wait queries by age
//   - Background watchdog with graceful shutdown
//
// # Usage Examples
//
//	reg := pending.NewRegistry()
//	ticket := reg.Register("Map1[3]", 7, pending.KindVersion)
//	// ... continuation fires ...
//	reg.Done(ticket)
//
//	wd := pending.NewWatchdog(reg, time.Second, time.Minute, func(stale []pending.Wait, outstanding int) {
//	    // log or export
//	})
//	wd.Start()
//	defer wd.Stop()
//
// # Dangers and Warnings
//
//   - **Release**: Every Register must be paired with a Done once the continuation fires.
//   - **No Cancellation**: The registry observes waits; it never cancels them.
//   - **Shutdown Order**: Stop the watchdog before discarding the registry.
//
// # Thread Safety
//
// Registry and Watchdog are safe for concurrent use.
package pending

import (
	"sort"
	"sync"
	"time"
)

// Kind is the kind of record a continuation waits on.
type Kind uint8

const (
	// KindVersion waits on a per-key version record.
	KindVersion Kind = iota
	// KindMass waits on a mass update record.
	KindMass
)

func (k Kind) String() string {
	if k == KindMass {
		return "mass"
	}
	return "version"
}

// Ticket identifies one registration.
type Ticket uint64

// Wait describes one outstanding registration.
type Wait struct {
	Ticket  Ticket
	Target  string
	Version uint64
	Kind    Kind
	Since   time.Time
}

// Age returns how long the registration has been waiting at now.
func (w Wait) Age(now time.Time) time.Duration {
	return now.Sub(w.Since)
}

// Registry tracks outstanding continuation registrations.
type Registry struct {
	mu    sync.RWMutex
	waits map[Ticket]Wait
	next  Ticket
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		waits: make(map[Ticket]Wait),
		now:   time.Now,
	}
}

// Register records a continuation waiting on target at version.
func (r *Registry) Register(target string, version uint64, kind Kind) Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	t := r.next
	r.waits[t] = Wait{Ticket: t, Target: target, Version: version, Kind: kind, Since: r.now()}
	return t
}

// Done releases a ticket. Releasing an unknown ticket is a no-op.
func (r *Registry) Done(t Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waits, t)
}

// ActiveCount returns the number of outstanding registrations.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.waits)
}

// MinVersion returns the lowest version waited on. If nothing is outstanding,
// returns 0.
func (r *Registry) MinVersion() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.waits) == 0 {
		return 0
	}

	min := ^uint64(0)
	for _, w := range r.waits {
		if w.Version < min {
			min = w.Version
		}
	}
	return min
}

// Oldest returns the registration that has been waiting the longest.
func (r *Registry) Oldest() (Wait, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest Wait
	found := false
	for _, w := range r.waits {
		if !found || w.Since.Before(oldest.Since) || (w.Since.Equal(oldest.Since) && w.Ticket < oldest.Ticket) {
			oldest, found = w, true
		}
	}
	return oldest, found
}

// Stale returns the registrations older than age, oldest first.
func (r *Registry) Stale(age time.Duration) []Wait {
	r.mu.RLock()
	now := r.now()
	var out []Wait
	for _, w := range r.waits {
		if w.Age(now) >= age {
			out = append(out, w)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].Ticket < out[j].Ticket
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}
