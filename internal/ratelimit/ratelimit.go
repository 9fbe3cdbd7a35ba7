package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow checks if an event can pass and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Throttle gates a repeating event (typically a log line) and counts how many
// occurrences were suppressed between two allowed ones.
type Throttle struct {
	bucket     *TokenBucket
	mu         sync.Mutex
	suppressed int64
}

// NewThrottle lets perSecond events through per second with bursts up to burst.
func NewThrottle(perSecond, burst int) *Throttle {
	return &Throttle{bucket: NewTokenBucket(perSecond, burst)}
}

// Allow reports whether the event may be emitted. When it may, the second
// return value is the number of events dropped since the previous allowed one.
func (t *Throttle) Allow() (bool, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.bucket.Allow() {
		t.suppressed++
		return false, 0
	}
	n := t.suppressed
	t.suppressed = 0
	return true, n
}
