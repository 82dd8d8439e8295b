package ratelimit

import (
	"testing"
	"time"
)

func TestBucketAllowConsumesTokens(t *testing.T) {
	bucket := NewBucket(Config{RequestsPerSecond: 1, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if !bucket.Allow() {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	if bucket.Allow() {
		t.Fatal("request allowed past burst")
	}
	if bucket.WaitTime() <= 0 {
		t.Error("empty bucket should report a wait time")
	}
}

func TestLimiterIsolatesKeys(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})

	if !limiter.Allow("user-a") {
		t.Fatal("first request denied")
	}
	if limiter.Allow("user-a") {
		t.Fatal("second request for same key allowed")
	}
	if !limiter.Allow("user-b") {
		t.Fatal("different key throttled")
	}

	limiter.Reset("user-a")
	if !limiter.Allow("user-a") {
		t.Fatal("reset key still throttled")
	}
}

func TestLimiterDisabledAllowsEverything(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: false})
	for i := 0; i < 100; i++ {
		if !limiter.Allow("k") {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

func TestHourlyCounterFixedWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	counter := NewHourlyCounter(func() time.Time { return now })

	counter.Increment("trig-1")
	counter.Increment("trig-1")
	counter.Increment("trig-2")

	if got := counter.Count("trig-1"); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
	if !counter.Exceeded("trig-1", 2) {
		t.Error("limit 2 not reported exceeded at count 2")
	}
	if counter.Exceeded("trig-1", 0) {
		t.Error("zero limit should mean unlimited")
	}

	// Later in the same hour the counts persist.
	now = now.Add(20 * time.Minute)
	if got := counter.Count("trig-1"); got != 2 {
		t.Errorf("count after 20m = %d, want 2", got)
	}

	// The window resets on the wall-clock hour boundary.
	now = now.Add(15 * time.Minute)
	if got := counter.Count("trig-1"); got != 0 {
		t.Errorf("count after rollover = %d, want 0", got)
	}
	if got := counter.Increment("trig-1"); got != 1 {
		t.Errorf("increment after rollover = %d, want 1", got)
	}
}
