// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WardlightCivic/Wardlight/services/answers/config"
	"github.com/WardlightCivic/Wardlight/services/llm"
)

const toolsTracerName = "wardlight-answers/tools"

// =============================================================================
// Metrics
// =============================================================================

// Router metrics.
//
// wardlight_router_classifications_total: outcome = accepted | none |
// low_confidence | invalid_params | unknown_tool | malformed | error |
// provider_missing.
var routerClassifications = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "wardlight",
		Subsystem: "router",
		Name:      "classifications_total",
		Help:      "Tool classifications by outcome.",
	},
	[]string{"outcome"},
)

// =============================================================================
// Router
// =============================================================================

// ToolCall is an accepted, schema-validated tool invocation.
type ToolCall struct {
	Tool       string
	Confidence float64
	Params     Params
}

// Router turns a question into a validated ToolCall, or declines.
//
// Description:
//
//	The classifier LLM sees the catalog and must answer with a strict
//	JSON call or the no-tool sentinel. The router re-validates every
//	field of the response and discards calls under the confidence
//	floor, with malformed output or bad parameters, or naming a tool
//	outside the catalog. A declined routing is not an error; the
//	cascade simply moves to its next stage.
//
// Thread Safety: safe for concurrent use.
type Router struct {
	chat          llm.ChatClient
	systemPrompt  string
	minConfidence float64
}

// NewRouter builds a router over the chat client. chat may be nil, in
// which case every Route declines.
func NewRouter(cfg config.RouterConfig, chat llm.ChatClient) (*Router, error) {
	prompt, err := BuildClassifierPrompt()
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	return &Router{
		chat:          chat,
		systemPrompt:  prompt,
		minConfidence: cfg.MinConfidence,
	}, nil
}

// wireCall is the raw classifier response before validation.
type wireCall struct {
	Tool       string         `json:"tool"`
	Confidence float64        `json:"confidence"`
	Params     map[string]any `json:"params"`
}

// Route classifies the question onto the catalog.
//
// Outputs:
//   - *ToolCall: The validated call. Nil when declined.
//   - bool: True only when a call was accepted.
func (r *Router) Route(ctx context.Context, question string) (*ToolCall, bool) {
	ctx, span := otel.Tracer(toolsTracerName).Start(ctx, "tools.route")
	defer span.End()
	span.SetAttributes(attribute.Int("question_length", len(question)))

	if r.chat == nil {
		routerClassifications.WithLabelValues("provider_missing").Inc()
		return nil, false
	}

	temperature := float32(0)
	maxTokens := 300
	result, err := r.chat.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: r.systemPrompt,
		UserMessage:  question,
	}, llm.GenerationParams{Temperature: &temperature, MaxTokens: &maxTokens})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		slog.Warn("tool classification failed",
			slog.String("error", err.Error()),
		)
		routerClassifications.WithLabelValues("error").Inc()
		return nil, false
	}

	call, outcome := r.validate(result.Text)
	span.SetAttributes(attribute.String("outcome", outcome))
	if call != nil {
		span.SetAttributes(
			attribute.String("tool", call.Tool),
			attribute.Float64("confidence", call.Confidence),
		)
	}
	routerClassifications.WithLabelValues(outcome).Inc()
	return call, call != nil
}

// validate parses and re-checks the raw classifier response. Returns
// the accepted call (or nil) plus the metric outcome label.
func (r *Router) validate(response string) (*ToolCall, string) {
	payload, ok := extractJSONObject(response)
	if !ok {
		slog.Debug("classifier returned no JSON object",
			slog.String("response", llm.SafeLogString(response)),
		)
		return nil, "malformed"
	}

	var wire wireCall
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		slog.Debug("classifier JSON malformed",
			slog.String("error", err.Error()),
			slog.String("response", llm.SafeLogString(response)),
		)
		return nil, "malformed"
	}

	tool := strings.TrimSpace(wire.Tool)
	if tool == NoToolSentinel || tool == "" {
		return nil, "none"
	}
	if !KnownTool(tool) {
		slog.Debug("classifier named unknown tool", slog.String("tool", tool))
		return nil, "unknown_tool"
	}
	if wire.Confidence < r.minConfidence {
		slog.Debug("classification under confidence floor",
			slog.String("tool", tool),
			slog.Float64("confidence", wire.Confidence),
			slog.Float64("floor", r.minConfidence),
		)
		return nil, "low_confidence"
	}

	params, err := parseParams(tool, wire.Params)
	if err != nil {
		slog.Debug("classifier params rejected",
			slog.String("tool", tool),
			slog.String("error", err.Error()),
		)
		return nil, "invalid_params"
	}

	slog.Info("tool call accepted",
		slog.String("tool", tool),
		slog.Float64("confidence", wire.Confidence),
	)
	return &ToolCall{Tool: tool, Confidence: wire.Confidence, Params: params}, "accepted"
}

// extractJSONObject strips markdown fences and returns the outermost
// JSON object in raw, if any.
func extractJSONObject(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
