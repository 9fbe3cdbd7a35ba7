package ratelimit

import (
	"testing"
	"time"
)

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time          { return f.t }
func (f *fakeNow) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestTokenBucket(t *testing.T) {
	clock := &fakeNow{t: time.Unix(1000, 0)}
	bucket := newTokenBucket(2, 5, clock.now) // 2 tokens per second, capacity of 5

	// Initial tokens should be at capacity
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial event %d to be allowed", i)
		}
	}

	if bucket.Allow() {
		t.Error("Expected event to be denied when bucket is empty")
	}

	clock.advance(1100 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("Expected event to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second event to be allowed after token refill")
	}
	if bucket.Allow() {
		t.Error("Expected third event to be denied")
	}

	clock.advance(time.Hour)
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected refill to be capped at capacity, event %d denied", i)
		}
	}
	if bucket.Allow() {
		t.Error("Expected bucket to be capped at capacity")
	}
}

func TestThrottleCountsSuppressed(t *testing.T) {
	clock := &fakeNow{t: time.Unix(1000, 0)}
	th := &Throttle{bucket: newTokenBucket(1, 2, clock.now)}

	for i := 0; i < 2; i++ {
		if ok, n := th.Allow(); !ok || n != 0 {
			t.Fatalf("burst event %d: ok=%v suppressed=%d", i, ok, n)
		}
	}
	for i := 0; i < 3; i++ {
		if ok, _ := th.Allow(); ok {
			t.Fatalf("event %d should be suppressed", i)
		}
	}

	clock.advance(time.Second)
	ok, n := th.Allow()
	if !ok {
		t.Fatal("expected event after refill to pass")
	}
	if n != 3 {
		t.Fatalf("expected 3 suppressed events, got %d", n)
	}
	if ok, _ := th.Allow(); ok {
		t.Fatal("expected bucket to be empty again")
	}
}
