// Package throttle implements the shared RPC rate limiter.
//
// A single Throttle instance is constructed at startup and handed to every
// component that issues remote calls. There is no package-level default:
// rate limiting is always an explicit dependency.
package throttle

import (
	"context"
	"sync"
	"time"
)

// waitGranularity bounds how long a blocked Acquire sleeps before
// re-checking the bucket. Waiters are woken in best-effort order; under
// bursty contention no strict FIFO fairness is guaranteed.
const waitGranularity = 10 * time.Millisecond

// Throttle is a token bucket limiting operations per second.
// A capacity of 0 disables limiting entirely.
type Throttle struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// New creates a throttle permitting maxPerSecond operations per second.
// maxPerSecond == 0 means unlimited.
func New(maxPerSecond int) *Throttle {
	t := &Throttle{
		capacity: float64(maxPerSecond),
		tokens:   float64(maxPerSecond),
		now:      time.Now,
	}
	t.lastRefill = t.now()
	return t
}

// Limit returns the configured operations-per-second cap (0 = unlimited).
func (t *Throttle) Limit() int {
	return int(t.capacity)
}

// Acquire blocks until a token is available or ctx is done.
// With an unlimited throttle it returns immediately.
func (t *Throttle) Acquire(ctx context.Context) error {
	if t.capacity == 0 {
		return ctx.Err()
	}

	for {
		if t.tryTake() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitGranularity):
		}
	}
}

// TryAcquire takes a token without blocking. It reports whether one was
// available. An unlimited throttle always succeeds.
func (t *Throttle) TryAcquire() bool {
	if t.capacity == 0 {
		return true
	}
	return t.tryTake()
}

func (t *Throttle) tryTake() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refillLocked()
	if t.tokens >= 1 {
		t.tokens--
		return true
	}
	return false
}

// refillLocked replenishes tokens proportionally to elapsed time, capped at
// capacity. Callers must hold t.mu.
func (t *Throttle) refillLocked() {
	now := t.now()
	elapsed := now.Sub(t.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	t.tokens += elapsed * t.capacity
	if t.tokens > t.capacity {
		t.tokens = t.capacity
	}
	t.lastRefill = now
}
