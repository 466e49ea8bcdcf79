// Package clock supplies the monotonic time source used for denial throttling.
//
// Times are offsets from an epoch rather than wall-clock instants, so a
// system clock change can never move the throttle backwards.
package clock

import (
	"sync"
	"time"
)

// Clock returns the elapsed time since its epoch. Successive calls never
// decrease.
type Clock interface {
	Now() time.Duration
}

// Monotonic measures elapsed time with the runtime's monotonic reading.
type Monotonic struct {
	start time.Time
}

// NewMonotonic starts a clock at zero.
func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

func (m *Monotonic) Now() time.Duration {
	return time.Since(m.start)
}

// Manual is a hand-driven clock for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Duration
}

// NewManual creates a manual clock positioned at start.
func NewManual(start time.Duration) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward; negative steps are ignored.
func (m *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
}

// Set jumps to t if t is not earlier than the current reading.
func (m *Manual) Set(t time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t > m.now {
		m.now = t
	}
}
