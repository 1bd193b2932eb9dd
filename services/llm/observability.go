// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus metrics for provider client operations.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// llmCallDuration measures the duration of provider API calls.
	//
	// Labels:
	//   - provider: "anthropic", "openai", "embeddings"
	//   - status: "success" or "error"
	llmCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wardlight",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of LLM provider API calls in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// llmCallsTotal counts the total number of provider API calls.
	//
	// Labels:
	//   - provider: "anthropic", "openai", "embeddings"
	//   - status: "success" or "error"
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardlight",
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Total number of LLM provider API calls.",
		},
		[]string{"provider", "status"},
	)

	// llmErrorsTotal counts provider errors by type.
	//
	// Labels:
	//   - provider: "anthropic", "openai", "embeddings"
	//   - error_type: "timeout", "auth", "rate_limit", "server", "nil_client", "unknown"
	llmErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardlight",
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Total LLM provider errors by type.",
		},
		[]string{"provider", "error_type"},
	)
)

// classifyProviderError maps an error to a label-safe error type string.
//
// Description:
//
//	Prefers the structured *StatusError status code when available, then
//	falls back to message inspection. Used for Prometheus labels to avoid
//	high cardinality.
//
// Inputs:
//   - err: The error to classify. May be nil.
//
// Outputs:
//   - string: One of "timeout", "auth", "rate_limit", "server",
//     "nil_client", "unknown". Empty string for nil error.
//
// Thread Safety: Safe for concurrent use.
func classifyProviderError(err error) string {
	if err == nil {
		return ""
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized ||
			statusErr.StatusCode == http.StatusForbidden:
			return "auth"
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return "rate_limit"
		case statusErr.StatusCode >= 500:
			return "server"
		default:
			return "unknown"
		}
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "client is nil"):
		return "nil_client"
	case strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "api key"):
		return "auth"
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests"):
		return "rate_limit"
	case strings.Contains(msg, "server error") ||
		strings.Contains(msg, "internal error"):
		return "server"
	default:
		return "unknown"
	}
}

// recordProviderMetrics records Prometheus metrics for a completed provider call.
//
// Inputs:
//   - provider: Provider name ("anthropic", "openai", "embeddings").
//   - duration: How long the call took.
//   - err: The error, if any. Nil means success.
//
// Thread Safety: Safe for concurrent use.
func recordProviderMetrics(provider string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		errType := classifyProviderError(err)
		llmErrorsTotal.WithLabelValues(provider, errType).Inc()
	}

	llmCallDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
	llmCallsTotal.WithLabelValues(provider, status).Inc()
}
