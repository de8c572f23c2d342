// Package debounce coalesces bursts of events into a single callback fired
// after a quiet period, the way the teacher's skills watcher coalesces
// filesystem churn before re-running discovery.
package debounce

import (
	"sync"
	"time"
)

// Debouncer accumulates items via Add and invokes fn once, after the
// configured quiet Delay has elapsed with no further Add calls, passing
// every item accumulated since the last fire.
type Debouncer[T any] struct {
	delay time.Duration
	fn    func([]T)

	mu      sync.Mutex
	timer   *time.Timer
	pending []T
}

// New creates a Debouncer with the given quiet-period delay and callback.
func New[T any](delay time.Duration, fn func(items []T)) *Debouncer[T] {
	return &Debouncer[T]{delay: delay, fn: fn}
}

// Add appends item to the pending batch and (re)schedules the fire timer.
func (d *Debouncer[T]) Add(item T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = append(d.pending, item)
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *Debouncer[T]) fire() {
	d.mu.Lock()
	items := d.pending
	d.pending = nil
	d.mu.Unlock()

	if len(items) > 0 {
		d.fn(items)
	}
}

// Stop cancels any pending fire without invoking the callback.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = nil
}
