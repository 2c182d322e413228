// ABOUTME: Cancel-and-reschedule debouncer
// ABOUTME: Coalesces bursts of calls into one trailing invocation
package debounce

import (
	"sync"
	"time"
)

// Debouncer runs only the most recent function passed to Do, once the
// delay has elapsed without another call. A sequence number guards against
// a timer that fired concurrently with a newer Do.
type Debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	seq   uint64
	timer *time.Timer
}

// New creates a debouncer with the given quiet period
func New(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Do schedules fn, replacing any pending function
func (d *Debouncer) Do(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		current := d.seq == seq
		if current {
			d.timer = nil
		}
		d.mu.Unlock()
		if current {
			fn()
		}
	})
}

// Cancel drops any pending function
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Pending reports whether a function is waiting to run
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
