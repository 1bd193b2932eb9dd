// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/awnumar/memguard"

	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
)

// =============================================================================
// Anthropic Wire Types
// =============================================================================

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicAPIVersion     = "2023-06-01"

	// defaultAnthropicMaxTokens applies when the caller leaves MaxTokens
	// unset; the messages API requires an explicit value.
	defaultAnthropicMaxTokens = 1024
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"` // Top-level system prompt
	Messages  []anthropicMessage `json:"messages"`

	Temperature *float32 `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// =============================================================================
// Client Implementation
// =============================================================================

// AnthropicClient implements ChatClient against the Anthropic Messages
// REST API using raw net/http.
//
// Description:
//
//	The system prompt travels as the top-level system field; history and
//	the user message become alternating user/assistant turns. The API key
//	lives in a memguard enclave and is decrypted only for the instant the
//	request header is written.
//
// Thread Safety: AnthropicClient is safe for concurrent use.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     *memguard.Enclave
	model      string
	baseURL    string
}

// NewAnthropicClient creates an AnthropicClient.
//
// Inputs:
//   - apiKey: Sealed API key. Must not be nil; the messages API always
//     requires authentication.
//   - model: Model identifier (e.g. "claude-haiku-4-5").
//   - baseURL: API root. Empty string selects the Anthropic default.
//
// Outputs:
//   - *AnthropicClient: The configured client.
//   - error: Non-nil if apiKey is nil.
func NewAnthropicClient(apiKey *memguard.Enclave, model, baseURL string) (*AnthropicClient, error) {
	if apiKey == nil {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}, nil
}

// Complete implements ChatClient via the messages API.
//
// Inputs:
//   - ctx: Context for cancellation and timeout.
//   - req: System prompt, conversation history and user message.
//   - params: Generation parameters. A nil MaxTokens falls back to
//     defaultAnthropicMaxTokens.
//
// Outputs:
//   - *CompletionResult: Concatenated text blocks plus token usage.
//   - error: Non-nil on failure. A non-2xx status wraps *StatusError so
//     callers can test retryability.
//
// Thread Safety: This method is safe for concurrent use.
func (a *AnthropicClient) Complete(ctx context.Context, req CompletionRequest, params GenerationParams) (result *CompletionResult, err error) {
	start := time.Now()
	defer func() { recordProviderMetrics("anthropic", time.Since(start), err) }()

	model := a.model
	if params.ModelOverride != "" {
		model = params.ModelOverride
	}

	slog.Debug("Complete via Anthropic",
		slog.String("model", model),
		slog.Int("history_len", len(req.History)),
	)

	messages := make([]anthropicMessage, 0, len(req.History)+1)
	for _, msg := range req.History {
		role := msg.Role
		switch role {
		case datatypes.RoleUser, datatypes.RoleAssistant:
			// Valid turn roles pass through unchanged.
		default:
			slog.Warn("Anthropic: unsupported history role, mapping to user",
				slog.String("unknown_role", role))
			role = datatypes.RoleUser
		}
		messages = append(messages, anthropicMessage{Role: role, Content: msg.Content})
	}
	messages = append(messages, anthropicMessage{
		Role:    datatypes.RoleUser,
		Content: req.UserMessage,
	})

	maxTokens := defaultAnthropicMaxTokens
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}

	reqPayload := anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.SystemPrompt,
		Messages:  messages,
	}
	if params.Temperature != nil {
		reqPayload.Temperature = params.Temperature
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("anthropic: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	if err := a.authorize(httpReq); err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: "anthropic", StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("anthropic: parsing response JSON: %w", err)
	}

	if apiResp.Error != nil {
		return nil, fmt.Errorf("anthropic: API error: %s - %s",
			apiResp.Error.Type, SafeLogString(apiResp.Error.Message))
	}

	var text string
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("anthropic: returned no text content")
	}

	slog.Debug("Received Anthropic completion",
		slog.String("stop_reason", apiResp.StopReason),
		slog.Int("response_len", len(text)),
	)

	return &CompletionResult{
		Text:         text,
		InputTokens:  apiResp.Usage.InputTokens,
		OutputTokens: apiResp.Usage.OutputTokens,
	}, nil
}

// authorize decrypts the API key enclave just long enough to attach the
// x-api-key header, then destroys the plaintext buffer.
func (a *AnthropicClient) authorize(httpReq *http.Request) error {
	buf, err := a.apiKey.Open()
	if err != nil {
		return fmt.Errorf("anthropic: opening API key enclave: %w", err)
	}
	httpReq.Header.Set("x-api-key", buf.String())
	buf.Destroy()
	return nil
}
