package schedule

import (
	"sync"
	"testing"
	"time"
)

func TestTimer_Fires(t *testing.T) {
	var mu sync.Mutex
	var timer Timer
	fired := make(chan struct{})

	mu.Lock()
	timer.Start(10*time.Millisecond, func(gen uint64) {
		mu.Lock()
		defer mu.Unlock()
		if timer.Fire(gen) {
			close(fired)
		}
	})
	mu.Unlock()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	if timer.Pending() {
		t.Error("timer still pending after firing")
	}
}

func TestTimer_Stop(t *testing.T) {
	var mu sync.Mutex
	var timer Timer
	fired := make(chan struct{}, 1)

	mu.Lock()
	timer.Start(20*time.Millisecond, func(gen uint64) {
		mu.Lock()
		defer mu.Unlock()
		if timer.Fire(gen) {
			fired <- struct{}{}
		}
	})
	if !timer.Stop() {
		t.Error("Stop() = false for armed timer")
	}
	if timer.Stop() {
		t.Error("second Stop() = true")
	}
	mu.Unlock()

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestTimer_StaleGeneration(t *testing.T) {
	var timer Timer

	var first uint64
	timer.Start(time.Hour, func(gen uint64) {})
	first = timer.gen

	// Re-arming invalidates the earlier generation even if its callback is already running
	timer.Start(time.Hour, func(gen uint64) {})
	if timer.Fire(first) {
		t.Error("Fire accepted a stale generation")
	}
	if !timer.Pending() {
		t.Error("stale Fire disarmed the current timer")
	}
	if !timer.Fire(timer.gen) {
		t.Error("Fire rejected the current generation")
	}
	if timer.Fire(timer.gen) {
		t.Error("Fire accepted the same generation twice")
	}
}

func TestTimer_Restart(t *testing.T) {
	var mu sync.Mutex
	var timer Timer
	var count int
	done := make(chan struct{}, 2)

	fn := func(gen uint64) {
		mu.Lock()
		defer mu.Unlock()
		if timer.Fire(gen) {
			count++
		}
		done <- struct{}{}
	}

	mu.Lock()
	timer.Start(30*time.Millisecond, fn)
	timer.Start(10*time.Millisecond, fn)
	mu.Unlock()

	<-done
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("fired %d times, want 1", count)
	}
}

func TestBackoff_Schedule(t *testing.T) {
	b := NewBackoff(DefaultRetries)

	want := []time.Duration{time.Second, time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		d, ok := b.Next()
		if !ok {
			t.Fatalf("Next() #%d exhausted early", i)
		}
		if d != w {
			t.Errorf("Next() #%d = %v, want %v", i, d, w)
		}
		if b.Attempts() != i+1 {
			t.Errorf("Attempts() = %d, want %d", b.Attempts(), i+1)
		}
	}

	if !b.Exhausted() {
		t.Error("Exhausted() = false after full schedule")
	}
	if _, ok := b.Next(); ok {
		t.Error("Next() ok after exhaustion")
	}

	b.Reset()
	if b.Exhausted() || b.Attempts() != 0 {
		t.Error("Reset() did not rewind")
	}
	if d, _ := b.Next(); d != time.Second {
		t.Errorf("Next() after reset = %v, want 1s", d)
	}
}

func TestBackoff_CopiesSchedule(t *testing.T) {
	delays := []time.Duration{time.Millisecond}
	b := NewBackoff(delays)
	delays[0] = time.Hour

	if d, _ := b.Next(); d != time.Millisecond {
		t.Errorf("Next() = %v, want 1ms", d)
	}
}

func TestBackoff_Empty(t *testing.T) {
	b := NewBackoff(nil)
	if !b.Exhausted() {
		t.Error("empty schedule should start exhausted")
	}
}

func TestExponential(t *testing.T) {
	got := Exponential(100*time.Millisecond, time.Second, 2.0, 6)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}

	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
