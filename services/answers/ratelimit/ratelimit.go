// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit implements the per-client token bucket that guards
// the ask pipeline. Buckets refill lazily in whole-window steps and are
// evicted after a configurable idle period.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/WardlightCivic/Wardlight/services/answers/config"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	// limiterDecisions counts admission decisions.
	//
	// Labels:
	//   - outcome: "allowed" or "rejected"
	limiterDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardlight",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total admission decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// limiterEvictions counts idle buckets removed by the janitor.
	limiterEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wardlight",
			Subsystem: "ratelimit",
			Name:      "evictions_total",
			Help:      "Total idle client buckets evicted.",
		},
	)

	// limiterBuckets tracks the live bucket count.
	limiterBuckets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wardlight",
			Subsystem: "ratelimit",
			Name:      "buckets",
			Help:      "Number of live client buckets.",
		},
	)
)

// =============================================================================
// Limiter
// =============================================================================

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is the token count left after this decision.
	Remaining int

	// RetryAfter is how long the client should wait before retrying.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// bucket is one client's admission state.
type bucket struct {
	tokens     int
	lastRefill time.Time
	lastSeen   time.Time
}

// Limiter is a token-bucket admission gate keyed by client identity.
//
// Description:
//
//	Each client key owns a bucket of Capacity tokens. Tokens refill
//	lazily: on access, every whole window elapsed since lastRefill
//	restores a full Capacity (capped), and lastRefill advances by exactly
//	those whole windows so the refill phase is stable regardless of when
//	requests arrive. Rejections report the time until the next window
//	boundary as RetryAfter.
//
// Thread Safety: Safe for concurrent use. All bucket updates happen
// under one mutex; requests for the same client interleaving across
// connections observe atomic token accounting.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	capacity  int
	window    time.Duration
	idleEvict time.Duration

	now func() time.Time
}

// New creates a Limiter from configuration.
//
// Inputs:
//   - cfg: Capacity, window and the idle eviction multiplier.
//
// Outputs:
//   - *Limiter: Ready for use; Start launches the eviction janitor.
func New(cfg config.RateLimitConfig) *Limiter {
	window := cfg.Window.Std()
	return &Limiter{
		buckets:   make(map[string]*bucket),
		capacity:  cfg.Capacity,
		window:    window,
		idleEvict: time.Duration(cfg.IdleEvictMultiplier) * window,
		now:       time.Now,
	}
}

// Allow decides whether one request from the given client may proceed.
//
// Inputs:
//   - key: Client identity. Empty keys share one bucket.
//
// Outputs:
//   - Decision: Allowed with remaining tokens, or rejected with RetryAfter.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		l.buckets[key] = b
		limiterBuckets.Set(float64(len(l.buckets)))
	}
	b.lastSeen = now

	// Whole-window lazy refill. Advancing lastRefill by the elapsed whole
	// windows (not to now) keeps the window phase stable, which makes the
	// refill idempotent under arbitrary access timing.
	if elapsed := now.Sub(b.lastRefill); elapsed >= l.window {
		windows := elapsed / l.window
		b.tokens += int(windows) * l.capacity
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.lastRefill = b.lastRefill.Add(windows * l.window)
	}

	if b.tokens <= 0 {
		retryAfter := b.lastRefill.Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		limiterDecisions.WithLabelValues("rejected").Inc()
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	b.tokens--
	limiterDecisions.WithLabelValues("allowed").Inc()
	return Decision{Allowed: true, Remaining: b.tokens}
}

// Start runs the eviction janitor until ctx is canceled.
//
// Description:
//
//	Sweeps every half window, removing buckets idle longer than the
//	configured multiple of the window. Without the janitor the bucket map
//	grows with every distinct client ever seen.
func (l *Limiter) Start(ctx context.Context) {
	ticker := time.NewTicker(l.window / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := l.sweep(l.now()); evicted > 0 {
				slog.Debug("rate limiter sweep", slog.Int("evicted", evicted))
			}
		}
	}
}

// sweep removes buckets idle longer than the eviction threshold and
// returns how many were removed.
func (l *Limiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleEvict {
			delete(l.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		limiterEvictions.Add(float64(evicted))
		limiterBuckets.Set(float64(len(l.buckets)))
	}
	return evicted
}

// =============================================================================
// Diagnostics
// =============================================================================

// BucketInfo is one client's state for the diagnostics endpoint.
type BucketInfo struct {
	Key        string    `json:"key"`
	Tokens     int       `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
	LastSeen   time.Time `json:"last_seen"`
}

// Snapshot returns the current bucket states.
//
// Outputs:
//   - []BucketInfo: One entry per live client, unordered.
func (l *Limiter) Snapshot() []BucketInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]BucketInfo, 0, len(l.buckets))
	for key, b := range l.buckets {
		out = append(out, BucketInfo{
			Key:        key,
			Tokens:     b.tokens,
			LastRefill: b.lastRefill,
			LastSeen:   b.lastSeen,
		})
	}
	return out
}
