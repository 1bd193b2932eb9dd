// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/WardlightCivic/Wardlight/services/answers/config"
)

func testLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()
	limiter := New(config.RateLimitConfig{
		Capacity:            20,
		Window:              config.Duration(time.Minute),
		IdleEvictMultiplier: 5,
	})
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }
	return limiter, &clock
}

func TestLimiter_CapacityThenReject(t *testing.T) {
	limiter, _ := testLimiter(t)

	for i := 0; i < 20; i++ {
		d := limiter.Allow("client-a")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Remaining != 19-i {
			t.Errorf("request %d remaining = %d, want %d", i+1, d.Remaining, 19-i)
		}
	}

	d := limiter.Allow("client-a")
	if d.Allowed {
		t.Fatal("21st request should be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", d.RetryAfter)
	}
	if d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want <= window", d.RetryAfter)
	}
}

func TestLimiter_FullWindowRestoresCapacity(t *testing.T) {
	limiter, clock := testLimiter(t)

	for i := 0; i < 20; i++ {
		limiter.Allow("client-a")
	}
	if d := limiter.Allow("client-a"); d.Allowed {
		t.Fatal("drained bucket should reject")
	}

	*clock = clock.Add(time.Minute)

	d := limiter.Allow("client-a")
	if !d.Allowed {
		t.Fatal("request after full window should be allowed")
	}
	if d.Remaining != 19 {
		t.Errorf("remaining = %d, want full refill minus one", d.Remaining)
	}
}

func TestLimiter_RefillCappedAtCapacity(t *testing.T) {
	limiter, clock := testLimiter(t)

	limiter.Allow("client-a")

	// Many idle windows must not grant more than one capacity.
	*clock = clock.Add(10 * time.Minute)

	d := limiter.Allow("client-a")
	if !d.Allowed {
		t.Fatal("request should be allowed")
	}
	if d.Remaining != 19 {
		t.Errorf("remaining = %d, want 19 (capped refill)", d.Remaining)
	}
}

func TestLimiter_PartialWindowDoesNotRefill(t *testing.T) {
	limiter, clock := testLimiter(t)

	for i := 0; i < 20; i++ {
		limiter.Allow("client-a")
	}

	*clock = clock.Add(59 * time.Second)

	d := limiter.Allow("client-a")
	if d.Allowed {
		t.Fatal("request within the window should still be rejected")
	}
	if d.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s to the window boundary", d.RetryAfter)
	}
}

func TestLimiter_RefillPhaseIsStable(t *testing.T) {
	limiter, clock := testLimiter(t)
	start := *clock

	for i := 0; i < 20; i++ {
		limiter.Allow("client-a")
	}

	// Accessing mid-window must not shift the refill boundary: the bucket
	// was created at start, so boundaries stay at start+60s, start+120s...
	*clock = start.Add(90 * time.Second)
	for i := 0; i < 20; i++ {
		if d := limiter.Allow("client-a"); !d.Allowed {
			t.Fatalf("request %d after refill should be allowed", i+1)
		}
	}

	d := limiter.Allow("client-a")
	if d.Allowed {
		t.Fatal("drained bucket should reject")
	}
	if d.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s to the original boundary", d.RetryAfter)
	}
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	limiter, _ := testLimiter(t)

	for i := 0; i < 20; i++ {
		limiter.Allow("client-a")
	}
	if d := limiter.Allow("client-a"); d.Allowed {
		t.Fatal("client-a should be drained")
	}
	if d := limiter.Allow("client-b"); !d.Allowed {
		t.Fatal("client-b should have its own bucket")
	}
}

func TestLimiter_SweepEvictsIdleBuckets(t *testing.T) {
	limiter, clock := testLimiter(t)

	limiter.Allow("idle-client")
	limiter.Allow("active-client")

	*clock = clock.Add(4 * time.Minute)
	limiter.Allow("active-client")

	// idle-client is now 6 minutes idle, past the 5-window threshold.
	*clock = clock.Add(2 * time.Minute)
	evicted := limiter.sweep(*clock)
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}

	snapshot := limiter.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snapshot))
	}
	if snapshot[0].Key != "active-client" {
		t.Errorf("surviving key = %q, want active-client", snapshot[0].Key)
	}
}

func TestLimiter_EvictedClientStartsFresh(t *testing.T) {
	limiter, clock := testLimiter(t)

	for i := 0; i < 20; i++ {
		limiter.Allow("client-a")
	}

	*clock = clock.Add(6 * time.Minute)
	limiter.sweep(*clock)

	d := limiter.Allow("client-a")
	if !d.Allowed || d.Remaining != 19 {
		t.Errorf("re-created bucket: allowed=%v remaining=%d, want fresh capacity", d.Allowed, d.Remaining)
	}
}

func TestLimiter_Snapshot(t *testing.T) {
	limiter, _ := testLimiter(t)

	for i := 0; i < 3; i++ {
		limiter.Allow(fmt.Sprintf("client-%d", i))
	}

	snapshot := limiter.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(snapshot))
	}
	for _, info := range snapshot {
		if info.Tokens != 19 {
			t.Errorf("%s tokens = %d, want 19", info.Key, info.Tokens)
		}
	}
}
