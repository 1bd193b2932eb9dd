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
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Request Identity
// =============================================================================

const (
	// requestIDHeader is the inbound/outbound correlation header.
	requestIDHeader = "X-Request-ID"

	// clientHeader optionally distinguishes clients behind one IP, for
	// example separate kiosks behind a library NAT.
	clientHeader = "X-Wardlight-Client"

	// requestIDKey is the gin context key the resolved ID is stored under.
	requestIDKey = "request_id"
)

// getOrCreateRequestID resolves the request's correlation ID.
//
// Description:
//
//	Order of preference: an ID already stored on the context (set by the
//	RequestID middleware), the inbound X-Request-ID header, and finally
//	a freshly generated UUID. The resolved ID is cached on the context
//	so every handler and log line in the request agrees on it.
func getOrCreateRequestID(c *gin.Context) string {
	if id, ok := c.Get(requestIDKey); ok {
		if s, ok := id.(string); ok && s != "" {
			return s
		}
	}
	id := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDKey, id)
	return id
}

// requestLogger builds the request-scoped logger: request ID always, trace
// correlation when the tracing middleware started a span for this request.
func requestLogger(c *gin.Context, handler string) *slog.Logger {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", handler)
	spanCtx := trace.SpanContextFromContext(c.Request.Context())
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// clientKey derives the rate limiter bucket key for a request.
//
// Description:
//
//	The key is the client IP joined with the optional X-Wardlight-Client
//	header, so cooperating clients that identify themselves get separate
//	allowances while anonymous traffic shares the per-IP bucket.
func clientKey(c *gin.Context) string {
	return c.ClientIP() + "|" + strings.TrimSpace(c.GetHeader(clientHeader))
}

// =============================================================================
// Middleware
// =============================================================================

// RequestID resolves a correlation ID for every request and echoes it on
// the response so callers can quote it in reports.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := getOrCreateRequestID(c)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// WarmupGuard rejects requests until the service's warmup prefetch has
// finished.
//
// Description:
//
//	Applied to the ask route only; diagnostics and health endpoints stay
//	reachable during warmup. Rejections carry a Retry-After hint so load
//	balancers and polling clients back off instead of hammering.
func WarmupGuard(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Ready() {
			c.Next()
			return
		}
		c.Header("Retry-After", "2")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "service is warming up",
			Code:  "WARMING_UP",
		})
	}
}
