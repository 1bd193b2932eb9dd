// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package answers

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/WardlightCivic/Wardlight/services/answers/civicdata"
	"github.com/WardlightCivic/Wardlight/services/answers/ratelimit"
	"github.com/WardlightCivic/Wardlight/services/answers/weblookup"
)

// Diagnostics handlers. All three are read-only snapshots of in-memory
// state; none of them touch the network or mutate anything.

// CircuitsResponse is the GET /v1/diag/circuits body.
type CircuitsResponse struct {
	Circuits []civicdata.CircuitInfo `json:"circuits"`
	Count    int                     `json:"count"`
}

// HandleCircuits handles GET /v1/diag/circuits.
//
// Description:
//
//	Returns the circuit breaker table: one entry per remote endpoint the
//	loader has talked to, with state, failure count and reopen schedule.
//	Entries are sorted by endpoint key for stable output.
//
// Thread Safety: Safe for concurrent use.
func (h *Handlers) HandleCircuits(c *gin.Context) {
	logger := requestLogger(c, "HandleCircuits")

	snap := h.service.loader.Breaker().Snapshot()
	sort.Slice(snap, func(i, j int) bool { return snap[i].Endpoint < snap[j].Endpoint })

	logger.Debug("circuit snapshot served", slog.Int("endpoints", len(snap)))
	c.JSON(http.StatusOK, CircuitsResponse{Circuits: snap, Count: len(snap)})
}

// RateLimitResponse is the GET /v1/diag/ratelimit body.
type RateLimitResponse struct {
	Buckets []ratelimit.BucketInfo `json:"buckets"`
	Count   int                    `json:"count"`
}

// HandleRateLimit handles GET /v1/diag/ratelimit.
//
// Description:
//
//	Returns the live rate limiter buckets sorted by client key. Idle
//	buckets disappear once the janitor evicts them, so this view shows
//	recent clients only.
//
// Thread Safety: Safe for concurrent use.
func (h *Handlers) HandleRateLimit(c *gin.Context) {
	logger := requestLogger(c, "HandleRateLimit")

	snap := h.service.limiter.Snapshot()
	sort.Slice(snap, func(i, j int) bool { return snap[i].Key < snap[j].Key })

	logger.Debug("rate limit snapshot served", slog.Int("buckets", len(snap)))
	c.JSON(http.StatusOK, RateLimitResponse{Buckets: snap, Count: len(snap)})
}

// WebBudgetResponse is the GET /v1/diag/webbudget body.
type WebBudgetResponse struct {
	Conversations []weblookup.BudgetInfo `json:"conversations"`
	Count         int                    `json:"count"`
}

// HandleWebBudget handles GET /v1/diag/webbudget.
//
// Description:
//
//	Returns per-conversation web lookup spend inside the rolling budget
//	window. Conversations with no spend in the window are pruned from
//	the snapshot.
//
// Thread Safety: Safe for concurrent use.
func (h *Handlers) HandleWebBudget(c *gin.Context) {
	logger := requestLogger(c, "HandleWebBudget")

	snap := h.service.web.Budget().Snapshot()

	logger.Debug("web budget snapshot served", slog.Int("conversations", len(snap)))
	c.JSON(http.StatusOK, WebBudgetResponse{Conversations: snap, Count: len(snap)})
}
