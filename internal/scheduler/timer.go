package scheduler

import (
	"sync"
	"time"
)

// Timer is a single-slot, re-armable timer. At most one callback is pending at
// any time: Arm always cancels the previous schedule before setting a new one,
// and a replaced or cancelled callback never runs, even if its underlying
// time.Timer had already fired and was waiting on the lock.
type Timer struct {
	mu      sync.Mutex
	current *time.Timer
	gen     uint64
	closed  bool
}

// NewTimer returns an idle Timer.
func NewTimer() *Timer {
	return &Timer{}
}

// Arm schedules fn to run after d, replacing any pending schedule. It returns
// false without scheduling if the timer has been closed.
func (t *Timer) Arm(d time.Duration, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	t.stopLocked()

	gen := t.gen
	t.current = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.closed || t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.current = nil
		t.mu.Unlock()
		fn()
	})
	return true
}

// Cancel drops the pending schedule, if any. The timer can be armed again.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Close cancels the pending schedule and makes every later Arm a no-op.
func (t *Timer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.closed = true
}

// Pending reports whether a callback is scheduled and has not started.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

// stopLocked stops the current timer and bumps the generation so a callback
// that already fired sees itself as stale.
func (t *Timer) stopLocked() {
	if t.current != nil {
		t.current.Stop()
		t.current = nil
	}
	t.gen++
}
