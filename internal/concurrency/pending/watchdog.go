// Licensed under the MIT License. See LICENSE file in the project root for details.

package pending

import (
	"sync"
	"time"
)

// Reporter receives the stale registrations found by a watchdog pass together
// with the total number of outstanding registrations.
type Reporter func(stale []Wait, outstanding int)

// Watchdog periodically reports registrations that have waited longer than a
// threshold.
type Watchdog struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration
	report    Reporter

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewWatchdog creates a watchdog over registry. It does nothing until Start.
func NewWatchdog(registry *Registry, interval, threshold time.Duration, report Reporter) *Watchdog {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watchdog{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
		report:    report,
	}
}

// Start begins the background checks. Starting a running watchdog is a no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.wg.Add(1)
	go w.run(w.stop)
}

// Stop gracefully stops the watchdog and waits for the loop to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	w.mu.Unlock()
	w.wg.Wait()
}

// run is the main watchdog loop
func (w *Watchdog) run(stop <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Check()
		case <-stop:
			return
		}
	}
}

// Check performs one pass immediately and returns the stale registrations.
func (w *Watchdog) Check() []Wait {
	stale := w.registry.Stale(w.threshold)
	if w.report != nil {
		w.report(stale, w.registry.ActiveCount())
	}
	return stale
}
