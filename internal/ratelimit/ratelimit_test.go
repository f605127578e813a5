package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestAcquire_BurstDoesNotBlock(t *testing.T) {
	b := NewBucket(5, time.Second)

	start := time.Now()
	for i := 0; i < 5; i++ {
		b.Acquire()
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("burst acquires should not block, took %s", elapsed)
	}
}

func TestAcquire_BlocksUntilWindowRolls(t *testing.T) {
	const window = 120 * time.Millisecond
	b := NewBucket(2, window)

	b.Acquire()
	b.Acquire()

	start := time.Now()
	b.Acquire()
	elapsed := time.Since(start)

	if elapsed < window/2 {
		t.Fatalf("expected acquire to wait for the window, waited only %s", elapsed)
	}
	if elapsed > 5*window {
		t.Fatalf("acquire waited far too long: %s", elapsed)
	}

	// The refill grants a fresh window: one token was consumed by the
	// blocked acquire, size-1 remain.
	start = time.Now()
	b.Acquire()
	if since := time.Since(start); since > 50*time.Millisecond {
		t.Fatalf("post-refill acquire should not block, took %s", since)
	}
}

func TestAcquire_SizeOneSerializesEveryCall(t *testing.T) {
	const window = 60 * time.Millisecond
	b := NewBucket(1, window)

	start := time.Now()
	b.Acquire()
	b.Acquire()
	b.Acquire()
	elapsed := time.Since(start)

	// Two of the three calls each sleep out a window.
	if elapsed < 2*window-20*time.Millisecond {
		t.Fatalf("expected about two windows of waiting, got %s", elapsed)
	}
}

func TestAcquire_ConcurrentCallersQueue(t *testing.T) {
	const window = 80 * time.Millisecond
	b := NewBucket(1, window)
	b.Acquire()

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Acquire()
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < window {
		t.Fatalf("concurrent acquires finished too fast: %s", elapsed)
	}
}

func TestNewBucket_ClampsSize(t *testing.T) {
	if got := NewBucket(0, time.Second).Size(); got != 1 {
		t.Fatalf("expected size clamp to 1, got %d", got)
	}
	if got := NewBucket(-4, time.Second).Size(); got != 1 {
		t.Fatalf("expected size clamp to 1, got %d", got)
	}
	if got := NewBucket(10, time.Second).Size(); got != 10 {
		t.Fatalf("expected size 10, got %d", got)
	}
}
