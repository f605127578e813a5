package ratelimit

import (
	"sync"
	"time"
)

// Bucket guards outgoing API requests. The upstream accounts requests per
// fixed window, so tokens refill all at once when a full window has passed
// since the last refill, not continuously.
type Bucket struct {
	size   int
	window time.Duration

	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
}

// NewBucket returns a full bucket admitting size requests per window.
// A size below 1 is clamped to 1.
func NewBucket(size int, window time.Duration) *Bucket {
	if size < 1 {
		size = 1
	}
	return &Bucket{
		size:       size,
		window:     window,
		tokens:     size,
		lastRefill: time.Now(),
	}
}

// Acquire consumes one token, sleeping out the remainder of the window when
// the bucket is empty. The mutex is held across the refill sleep, so
// concurrent acquirers queue behind the sleeper.
func (b *Bucket) Acquire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens > 0 {
		b.tokens--
		return
	}
	if elapsed := time.Since(b.lastRefill); elapsed < b.window {
		time.Sleep(b.window - elapsed)
	}
	b.tokens = b.size - 1
	b.lastRefill = time.Now()
}

// Size reports the configured bucket size.
func (b *Bucket) Size() int {
	return b.size
}
