// Package throttle limits denial side effects to one per time bucket.
package throttle

import (
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/clock"
)

// Throttle records which denial buckets already produced an artifact.
// Bucket keys are floor(t / interval) where t is monotonic elapsed time.
// The record is cleared every resetInterval to bound memory.
type Throttle struct {
	mu            sync.Mutex
	clock         clock.Clock
	interval      time.Duration
	resetInterval time.Duration
	recorded      map[int64]bool
	lastReset     time.Duration
}

// New creates a throttle. interval must be positive.
func New(c clock.Clock, interval, resetInterval time.Duration) *Throttle {
	if interval <= 0 {
		interval = time.Second
	}
	return &Throttle{
		clock:         c,
		interval:      interval,
		resetInterval: resetInterval,
		recorded:      make(map[int64]bool),
		lastReset:     clamp(c.Now()),
	}
}

// ShouldRecord reports true the first time the bucket containing t is seen.
func (th *Throttle) ShouldRecord(t time.Duration) bool {
	key := int64(clamp(t) / th.interval)

	th.mu.Lock()
	defer th.mu.Unlock()
	if th.recorded[key] {
		return false
	}
	th.recorded[key] = true
	return true
}

// MaybeReset clears all buckets when more than resetInterval has passed
// since the previous reset. It reports whether a reset happened.
func (th *Throttle) MaybeReset(t time.Duration) bool {
	if th.resetInterval <= 0 {
		return false
	}
	t = clamp(t)

	th.mu.Lock()
	defer th.mu.Unlock()
	if t-th.lastReset <= th.resetInterval {
		return false
	}
	clear(th.recorded)
	th.lastReset = t
	return true
}

// Allow runs MaybeReset and ShouldRecord against the injected clock.
func (th *Throttle) Allow() bool {
	now := th.clock.Now()
	th.MaybeReset(now)
	return th.ShouldRecord(now)
}

// Len is the number of buckets currently remembered.
func (th *Throttle) Len() int {
	th.mu.Lock()
	defer th.mu.Unlock()
	return len(th.recorded)
}

func clamp(t time.Duration) time.Duration {
	if t < 0 {
		return 0
	}
	return t
}
