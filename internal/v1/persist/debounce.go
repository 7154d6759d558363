package persist

import (
	"sync"
	"time"
)

// debouncer coalesces bursts of triggers into one firing after the quiet
// period, but never later than max after the first trigger of a burst. The
// leading edge does not fire.
type debouncer struct {
	quiet time.Duration
	max   time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	firstAt time.Time
	stopped bool
}

func newDebouncer(quiet, max time.Duration, fn func()) *debouncer {
	return &debouncer{quiet: quiet, max: max, fn: fn}
}

func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	now := time.Now()
	if d.firstAt.IsZero() {
		d.firstAt = now
	}
	fireAt := now.Add(d.quiet)
	if maxAt := d.firstAt.Add(d.max); fireAt.After(maxAt) {
		fireAt = maxAt
	}
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(delay, d.fire)
	} else {
		d.timer.Reset(delay)
	}
}

func (d *debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.firstAt = time.Time{}
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}

// Stop discards any pending firing. Pending work for a destroyed room is
// additionally discarded by the ownership re-check inside fn.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
