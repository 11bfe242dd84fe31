package throttle

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestUnlimitedNeverBlocks(t *testing.T) {
	th := New(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if err := th.Acquire(context.Background()); err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unlimited throttle blocked")
	}
}

func TestRateIsEnforced(t *testing.T) {
	const limit = 50
	th := New(limit)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Drain the initial burst plus one refill period worth of tokens and
	// record completion times from concurrent callers.
	const total = limit * 2
	times := make([]time.Time, total)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var next int
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if next >= total {
					mu.Unlock()
					return
				}
				idx := next
				next++
				mu.Unlock()

				if err := th.Acquire(ctx); err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				mu.Lock()
				times[idx] = time.Now()
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// No sliding one-second window may contain more than limit completions.
	// Allow a small tolerance for timer granularity.
	for i := range times {
		count := 0
		for j := range times {
			d := times[j].Sub(times[i])
			if d >= 0 && d < time.Second {
				count++
			}
		}
		if count > limit+limit/10 {
			t.Fatalf("window starting at %d saw %d acquisitions, limit %d", i, count, limit)
		}
	}
}

func TestAcquireRespectsCancellation(t *testing.T) {
	th := New(1)
	if err := th.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := th.Acquire(ctx); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestTryAcquire(t *testing.T) {
	th := New(2)
	if !th.TryAcquire() || !th.TryAcquire() {
		t.Fatal("expected two immediate tokens")
	}
	if th.TryAcquire() {
		t.Error("expected empty bucket")
	}

	th.mu.Lock()
	th.lastRefill = th.lastRefill.Add(-time.Second)
	th.mu.Unlock()
	if !th.TryAcquire() {
		t.Error("expected token after refill interval")
	}
}
