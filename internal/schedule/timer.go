// Package schedule provides the cancellable timer and retry schedule used for reconnects and idle reclamation.
package schedule

import "time"

// Timer is a single-shot cancellable timer whose firings can be checked for staleness.
//
// Timer is not safe for concurrent use. The owner guards Start, Stop and Fire with the
// same lock that protects the state the timer gates, and the callback must call Fire
// under that lock before acting:
//
//	t.Start(d, func(gen uint64) {
//	    s.mu.Lock()
//	    defer s.mu.Unlock()
//	    if !t.Fire(gen) {
//	        return
//	    }
//	    // ...
//	})
type Timer struct {
	timer *time.Timer
	gen   uint64
	armed bool
}

// Start arms the timer, replacing any pending arm.
func (t *Timer) Start(d time.Duration, fn func(gen uint64)) {
	t.Stop()
	t.gen++
	t.armed = true
	gen := t.gen
	t.timer = time.AfterFunc(d, func() { fn(gen) })
}

// Stop disarms the timer. A callback already in flight will see Fire return false.
// It reports whether the timer was armed.
func (t *Timer) Stop() bool {
	wasArmed := t.armed
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.armed {
		t.gen++
		t.armed = false
	}
	return wasArmed
}

// Fire reports whether gen belongs to the current arm and, if so, disarms the timer.
func (t *Timer) Fire(gen uint64) bool {
	if !t.armed || gen != t.gen {
		return false
	}
	t.armed = false
	t.timer = nil
	return true
}

// Pending reports whether the timer is armed.
func (t *Timer) Pending() bool {
	return t.armed
}
