// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package civicdata

import (
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
	// breakerTransitions counts state transitions per endpoint.
	//
	// Labels:
	//   - endpoint: "{host}/{dataset}" (bounded: one per remote collection)
	//   - to_state: "closed", "open", "half_open"
	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardlight",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit state transitions by endpoint and target state.",
		},
		[]string{"endpoint", "to_state"},
	)

	// breakerRejections counts fast rejections while a circuit is open.
	breakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardlight",
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Requests rejected without a network attempt.",
		},
		[]string{"endpoint"},
	)
)

// =============================================================================
// State Machine
// =============================================================================

// State is a circuit's admission state.
type State string

const (
	// StateClosed admits all requests; consecutive failures are counted.
	StateClosed State = "closed"

	// StateOpen rejects fast until the backoff window elapses.
	StateOpen State = "open"

	// StateHalfOpen admits exactly one trial request.
	StateHalfOpen State = "half_open"
)

// endpointState is the live circuit for one logical endpoint.
type endpointState struct {
	state         State
	failures      int
	lastFailure   time.Time
	nextAttempt   time.Time
	trialInFlight bool
	lastError     string
}

// Breaker is the per-endpoint circuit table guarding remote fetches.
//
// Description:
//
//	One circuit per logical endpoint ({host}/{dataset}). A circuit opens
//	after FailureThreshold consecutive failures, rejecting fast for an
//	exponential backoff window (BaseBackoff doubled per failure, capped
//	at MaxBackoff). Once the window elapses a single half-open trial is
//	admitted: success closes the circuit and zeroes the failure count;
//	failure reopens it for the full FullOpenWindow. The table lives for
//	the process lifetime and is never persisted.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpointState

	threshold      int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	fullOpenWindow time.Duration

	now func() time.Time
}

// NewBreaker creates a Breaker from configuration.
func NewBreaker(cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		endpoints:      make(map[string]*endpointState),
		threshold:      cfg.FailureThreshold,
		baseBackoff:    cfg.BaseBackoff.Std(),
		maxBackoff:     cfg.MaxBackoff.Std(),
		fullOpenWindow: cfg.FullOpenWindow.Std(),
		now:            time.Now,
	}
}

// Allow reports whether a request to the endpoint may proceed.
//
// Description:
//
//	Closed circuits always admit. Open circuits reject until nextAttempt,
//	then transition to half-open and admit exactly one trial; further
//	requests during the trial are rejected. The caller must report the
//	outcome via ReportSuccess or ReportFailure.
//
// Inputs:
//   - endpoint: Logical endpoint key, "{host}/{dataset}".
//
// Outputs:
//   - bool: True when the request may be attempted.
//   - State: The state observed for provenance metadata.
func (b *Breaker) Allow(endpoint string) (bool, State) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	ep := b.endpoint(endpoint)
	switch ep.state {
	case StateClosed:
		return true, StateClosed

	case StateOpen:
		if now.Before(ep.nextAttempt) {
			breakerRejections.WithLabelValues(endpoint).Inc()
			return false, StateOpen
		}
		b.transition(endpoint, ep, StateHalfOpen)
		ep.trialInFlight = true
		return true, StateHalfOpen

	case StateHalfOpen:
		if ep.trialInFlight {
			breakerRejections.WithLabelValues(endpoint).Inc()
			return false, StateHalfOpen
		}
		ep.trialInFlight = true
		return true, StateHalfOpen

	default:
		return true, ep.state
	}
}

// ReportSuccess records a successful request, closing the circuit.
func (b *Breaker) ReportSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ep := b.endpoint(endpoint)
	ep.failures = 0
	ep.trialInFlight = false
	ep.lastError = ""
	if ep.state != StateClosed {
		b.transition(endpoint, ep, StateClosed)
	}
}

// ReportFailure records a failed request.
//
// Description:
//
//	In the closed state the consecutive failure count increments; on
//	reaching the threshold the circuit opens with an exponential backoff
//	window. A failed half-open trial reopens the circuit for the full
//	reset window.
func (b *Breaker) ReportFailure(endpoint string, err error) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	ep := b.endpoint(endpoint)
	ep.failures++
	ep.lastFailure = now
	if err != nil {
		ep.lastError = err.Error()
	}

	switch ep.state {
	case StateClosed:
		if ep.failures >= b.threshold {
			ep.nextAttempt = now.Add(b.backoff(ep.failures))
			b.transition(endpoint, ep, StateOpen)
		}

	case StateHalfOpen:
		ep.trialInFlight = false
		ep.nextAttempt = now.Add(b.fullOpenWindow)
		b.transition(endpoint, ep, StateOpen)

	case StateOpen:
		// Late failure report from a request admitted earlier; the
		// window in force stays as-is.
	}
}

// CircuitState returns the endpoint's current state without mutating it.
func (b *Breaker) CircuitState(endpoint string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	ep, ok := b.endpoints[endpoint]
	if !ok {
		return StateClosed
	}
	return ep.state
}

// backoff computes the open window for the given consecutive failure count.
func (b *Breaker) backoff(failures int) time.Duration {
	window := b.baseBackoff
	for i := 0; i < failures; i++ {
		window *= 2
		if window >= b.maxBackoff {
			return b.maxBackoff
		}
	}
	return window
}

// endpoint returns the state entry, creating a closed one on first use.
func (b *Breaker) endpoint(key string) *endpointState {
	ep, ok := b.endpoints[key]
	if !ok {
		ep = &endpointState{state: StateClosed}
		b.endpoints[key] = ep
	}
	return ep
}

// transition moves the endpoint to a new state. Caller holds b.mu.
func (b *Breaker) transition(endpoint string, ep *endpointState, to State) {
	from := ep.state
	ep.state = to
	breakerTransitions.WithLabelValues(endpoint, string(to)).Inc()
	slog.Info("circuit transition",
		slog.String("endpoint", endpoint),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("failures", ep.failures),
		slog.Time("next_attempt", ep.nextAttempt),
	)
}

// =============================================================================
// Diagnostics
// =============================================================================

// CircuitInfo is one endpoint's circuit state for the diagnostics endpoint.
type CircuitInfo struct {
	Endpoint    string    `json:"endpoint"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Snapshot returns the current circuit table.
//
// Outputs:
//   - []CircuitInfo: One entry per endpoint seen so far, unordered.
func (b *Breaker) Snapshot() []CircuitInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]CircuitInfo, 0, len(b.endpoints))
	for key, ep := range b.endpoints {
		out = append(out, CircuitInfo{
			Endpoint:    key,
			State:       ep.state,
			Failures:    ep.failures,
			LastFailure: ep.lastFailure,
			NextAttempt: ep.nextAttempt,
			LastError:   ep.lastError,
		})
	}
	return out
}
