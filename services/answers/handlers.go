// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package answers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
	"github.com/WardlightCivic/Wardlight/services/answers/envelope"
	"github.com/WardlightCivic/Wardlight/services/answers/orchestrator"
	"github.com/WardlightCivic/Wardlight/services/llm"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	// askRequests counts /v1/ask responses by HTTP status.
	askRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardlight",
			Subsystem: "ask",
			Name:      "http_requests_total",
			Help:      "Total ask requests by HTTP status code.",
		},
		[]string{"status"},
	)
)

// =============================================================================
// Handlers
// =============================================================================

// ErrorResponse is the JSON body for request-level failures: malformed
// input, admission rejections, warmup. Pipeline failures are not errors;
// they come back as fail-closed envelopes with HTTP 200.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handlers holds the HTTP handlers for the answers service.
type Handlers struct {
	service *Service
}

// NewHandlers creates the handler set backed by the given service.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// AskRequest is the POST /v1/ask body.
type AskRequest struct {
	// Question is the natural-language question. Required, at most 500
	// characters.
	Question string `json:"question" binding:"required,max=500"`

	// ConversationID groups follow-up questions for history augmentation
	// and the web lookup budget. Generated when absent.
	ConversationID string `json:"conversation_id"`

	// History is the prior conversation turns, oldest first.
	History []datatypes.Message `json:"history"`
}

// AskResponse is the answer envelope plus the conversation identity the
// caller should quote on follow-ups.
type AskResponse struct {
	envelope.Envelope

	ConversationID string `json:"conversation_id,omitempty"`
}

// HandleAsk handles POST /v1/ask.
//
// Description:
//
//	Admission first: the per-client token bucket is checked before the
//	body is even parsed, so abusive clients cannot spend server work on
//	malformed payloads. Admitted requests are bound and validated, given
//	a conversation ID if they arrived without one, and resolved through
//	the retrieval cascade under the configured request timeout. Every
//	admitted question gets an envelope, fail-closed answers included;
//	only admission and validation failures use the ErrorResponse shape.
//
// Response:
//
//	200 OK: AskResponse (including fail-closed no-answer envelopes)
//	400 Bad Request: Malformed or over-length question
//	429 Too Many Requests: Rate limited; Retry-After header set
//
// Thread Safety: Safe for concurrent use.
func (h *Handlers) HandleAsk(c *gin.Context) {
	logger := requestLogger(c, "HandleAsk")
	start := time.Now()

	decision := h.service.limiter.Allow(clientKey(c))
	if !decision.Allowed {
		retryAfter := retryAfterSeconds(decision.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		logger.Info("request rate limited",
			slog.String("client", clientKey(c)),
			slog.Int("retry_after_s", retryAfter),
		)
		env := envelope.Build(datatypes.NoAnswerContext(
			datatypes.ReasonRateLimited,
			fmt.Sprintf("allowance exhausted, retry in %ds", retryAfter),
		))
		askRequests.WithLabelValues("429").Inc()
		c.JSON(http.StatusTooManyRequests, AskResponse{Envelope: *env})
		return
	}

	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		askRequests.WithLabelValues("400").Inc()
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request: " + err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		askRequests.WithLabelValues("400").Inc()
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "question must not be blank",
			Code:  "EMPTY_QUESTION",
		})
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.service.cfg.Server.RequestTimeout.Std())
	defer cancel()

	rc := h.service.orch.Resolve(ctx, orchestrator.Question{
		Text:           req.Question,
		ConversationID: conversationID,
		History:        req.History,
	})
	env := envelope.Build(rc)

	logger.Info("question answered",
		slog.String("question", llm.SafeLogString(req.Question)),
		slog.String("response_type", env.ResponseType),
		slog.Bool("no_answer", env.NoAnswer),
		slog.Duration("elapsed", time.Since(start)),
	)
	askRequests.WithLabelValues("200").Inc()
	c.JSON(http.StatusOK, AskResponse{Envelope: *env, ConversationID: conversationID})
}

// retryAfterSeconds renders a wait as whole seconds, rounding up so a
// client that honors the hint never retries early.
func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// =============================================================================
// Health
// =============================================================================

// HealthResponse is the liveness/readiness probe body.
type HealthResponse struct {
	Status string `json:"status"`
}

// HandleHealth handles GET /healthz. Always 200 while the process can
// serve HTTP at all.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// HandleReady handles GET /readyz.
//
// Response:
//
//	200 OK: Warmup finished, ask traffic is welcome
//	503 Service Unavailable: Still warming; Retry-After header set
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.service.Ready() {
		c.Header("Retry-After", "2")
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "warming"})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ready"})
}
