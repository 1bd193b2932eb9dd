// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package answers

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the versioned answers routes with the router.
//
// Description:
//
//	Registers the /v1 endpoints with the given Gin router group. The
//	group should already carry the RequestID middleware (and otelgin
//	when tracing is enabled); the warmup guard is applied here to the
//	ask route only, so diagnostics stay reachable during warmup.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Core Endpoints:
//
//	POST /v1/ask - Answer a civic question with a typed envelope
//
// Diagnostics Endpoints:
//
//	GET  /v1/diag/circuits - Circuit breaker table snapshot
//	GET  /v1/diag/ratelimit - Rate limiter bucket snapshot
//	GET  /v1/diag/webbudget - Per-conversation web lookup spend
//
// Example:
//
//	service, _ := answers.NewService(cfg, clients)
//	handlers := answers.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	answers.RegisterRoutes(v1, handlers)
//	answers.RegisterHealthRoutes(router, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rg.POST("/ask", WarmupGuard(handlers.service), handlers.HandleAsk)

	diag := rg.Group("/diag")
	{
		diag.GET("/circuits", handlers.HandleCircuits)
		diag.GET("/ratelimit", handlers.HandleRateLimit)
		diag.GET("/webbudget", handlers.HandleWebBudget)
	}
}

// RegisterHealthRoutes registers the unversioned probe endpoints.
//
// Health Endpoints:
//
//	GET /healthz - Liveness check
//	GET /readyz - Readiness check (503 with Retry-After until warmup finishes)
func RegisterHealthRoutes(r gin.IRouter, handlers *Handlers) {
	r.GET("/healthz", handlers.HandleHealth)
	r.GET("/readyz", handlers.HandleReady)
}
