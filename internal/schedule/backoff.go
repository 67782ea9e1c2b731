package schedule

import (
	"math"
	"time"
)

// DefaultRetries is the reconnect schedule of the local tunnel client.
var DefaultRetries = []time.Duration{
	1 * time.Second,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
}

// Backoff walks a finite schedule of retry delays.
// It is not safe for concurrent use.
type Backoff struct {
	delays  []time.Duration
	attempt int
}

// NewBackoff creates a backoff over delays. An empty schedule never retries.
func NewBackoff(delays []time.Duration) *Backoff {
	return &Backoff{delays: append([]time.Duration(nil), delays...)}
}

// Next returns the delay before the next attempt and advances the counter.
// ok is false once the schedule is exhausted.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	if b.attempt >= len(b.delays) {
		return 0, false
	}
	delay = b.delays[b.attempt]
	b.attempt++
	return delay, true
}

// Reset rewinds the schedule to the first delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Exhausted reports whether every delay has been handed out.
func (b *Backoff) Exhausted() bool {
	return b.attempt >= len(b.delays)
}

// Exponential builds a schedule of n delays starting at initial and growing by multiplier, capped at max.
func Exponential(initial, max time.Duration, multiplier float64, n int) []time.Duration {
	delays := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		d := float64(initial) * math.Pow(multiplier, float64(i))
		if d > float64(max) {
			d = float64(max)
		}
		delays = append(delays, time.Duration(d))
	}
	return delays
}
