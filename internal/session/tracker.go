package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Tracker accumulates the conversation time a session has consumed. The
// total is monotonically non-decreasing across pause/resume cycles, and
// [Tracker.CarryOver] seeds it from a resumed session's persisted value so
// restarts do not reset the budget.
type Tracker struct {
	clock clockwork.Clock

	mu      sync.Mutex
	base    time.Duration // accumulated before the current run
	started time.Time     // zero while not accruing
}

// NewTracker creates a stopped Tracker.
func NewTracker(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{clock: clock}
}

// CarryOver raises the accumulated total to at least used. Lower values are
// ignored so a stale read can never shrink the budget.
func (t *Tracker) CarryOver(used time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if used > t.base {
		t.base = used
	}
}

// Start begins accruing time. No-op when already running.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started.IsZero() {
		t.started = t.clock.Now()
	}
}

// Stop halts accrual and folds the current run into the total. No-op when
// not running.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started.IsZero() {
		t.base += t.clock.Now().Sub(t.started)
		t.started = time.Time{}
	}
}

// Running reports whether the tracker is currently accruing.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.started.IsZero()
}

// Used returns the total conversation time consumed so far, including the
// current run.
func (t *Tracker) Used() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.base
	if !t.started.IsZero() {
		total += t.clock.Now().Sub(t.started)
	}
	return total
}
