// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the completion and embedding provider clients used
// by the answers pipeline. Providers are swappable behind the ChatClient
// and Embedder capability interfaces; the pipeline never talks to a
// provider API directly.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
)

// =============================================================================
// Capability Interfaces
// =============================================================================

// CompletionRequest is one completion call: a system prompt, prior
// conversation turns and the current user message.
type CompletionRequest struct {
	SystemPrompt string
	History      []datatypes.Message
	UserMessage  string
}

// CompletionResult is the provider's answer plus token accounting.
type CompletionResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// GenerationParams tunes a single completion call. Nil pointer fields keep
// the provider default.
type GenerationParams struct {
	Temperature   *float32
	MaxTokens     *int
	ModelOverride string
}

// ChatClient is the minimal completion capability the pipeline depends on.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ChatClient interface {
	// Complete sends one completion request and returns the generated text
	// with token usage.
	Complete(ctx context.Context, req CompletionRequest, params GenerationParams) (*CompletionResult, error)
}

// Embedder converts text into an embedding vector.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// =============================================================================
// Errors
// =============================================================================

// ErrSecretNotFound reports a missing or empty secret.
var ErrSecretNotFound = errors.New("secret not found")

// StatusError is a non-2xx provider response. Callers use it to decide
// whether a retry is worthwhile.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: API returned status %d: %s", e.Provider, e.StatusCode, SafeLogString(e.Body))
}

// IsRetryable reports whether err is a provider response worth retrying:
// a rate limit (429) or a server-side failure (5xx).
func IsRetryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == 429 || se.StatusCode >= 500
}
