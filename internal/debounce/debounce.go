// Package debounce coalesces bursts of filesystem events per watch
// scope before invoking a handler (spec §4.10), grounded on the
// pack's fsnotify-backed watchers (e.g. bennypowers-cem's
// serve.fileWatcher): a single timer per scope, reset on every new
// event, with in-flight callbacks protected from events that arrive
// mid-run.
package debounce

import (
	"sync"
	"time"
)

// Debouncer delays calling Fire until interval has elapsed since the
// last Notify call for a given scope key. A scope already executing
// its callback when new events arrive schedules exactly one follow-up
// run once the current one finishes, rather than dropping the events.
type Debouncer struct {
	interval time.Duration
	fire     func(scope string)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running map[string]bool
	pending map[string]bool
}

// New builds a Debouncer that calls fire(scope) after interval of
// silence on that scope.
func New(interval time.Duration, fire func(scope string)) *Debouncer {
	return &Debouncer{
		interval: interval,
		fire:     fire,
		timers:   make(map[string]*time.Timer),
		running:  make(map[string]bool),
		pending:  make(map[string]bool),
	}
}

// Notify records an event for scope, (re)starting its timer.
func (d *Debouncer) Notify(scope string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[scope]; ok {
		t.Stop()
	}
	d.timers[scope] = time.AfterFunc(d.interval, func() { d.trigger(scope) })
}

func (d *Debouncer) trigger(scope string) {
	d.mu.Lock()
	if d.running[scope] {
		d.pending[scope] = true
		d.mu.Unlock()
		return
	}
	d.running[scope] = true
	d.mu.Unlock()

	for {
		d.fire(scope)

		d.mu.Lock()
		if !d.pending[scope] {
			d.running[scope] = false
			d.mu.Unlock()
			return
		}
		d.pending[scope] = false
		d.mu.Unlock()
	}
}

// Stop cancels any pending timer for scope without firing it.
func (d *Debouncer) Stop(scope string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[scope]; ok {
		t.Stop()
		delete(d.timers, scope)
	}
}

// StopAll cancels every pending timer, used on shutdown and config
// reload.
func (d *Debouncer) StopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for scope, t := range d.timers {
		t.Stop()
		delete(d.timers, scope)
	}
}
