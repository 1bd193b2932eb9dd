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
// OpenAI Wire Types
// =============================================================================

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	Temperature         *float32        `json:"temperature,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// =============================================================================
// Client Implementation
// =============================================================================

// OpenAIClient implements ChatClient against the OpenAI Chat Completions
// REST API using raw net/http.
//
// Description:
//
//	Also serves any OpenAI-compatible endpoint (local inference servers)
//	via the baseURL override. The API key lives in a memguard enclave and
//	is decrypted only for the duration of each request; a nil enclave
//	means the endpoint requires no authentication.
//
// Thread Safety: OpenAIClient is safe for concurrent use.
type OpenAIClient struct {
	httpClient *http.Client
	apiKey     *memguard.Enclave
	model      string
	baseURL    string
}

// NewOpenAIClient creates an OpenAIClient.
//
// Inputs:
//   - apiKey: Sealed API key. May be nil for unauthenticated endpoints.
//   - model: Model identifier (e.g. "gpt-4o-mini").
//   - baseURL: API root. Empty string selects the OpenAI default.
//
// Outputs:
//   - *OpenAIClient: The configured client.
func NewOpenAIClient(apiKey *memguard.Enclave, model, baseURL string) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}
}

// Complete implements ChatClient using the chat completions API.
//
// Description:
//
//	Flattens the request into OpenAI message format (system prompt first,
//	then history, then the user message), sends it and returns the first
//	choice with token usage.
//
// Inputs:
//   - ctx: Context for cancellation and timeout.
//   - req: System prompt, history and user message.
//   - params: Generation parameters.
//
// Outputs:
//   - *CompletionResult: Generated text and token counts.
//   - error: Non-nil if the request fails. A non-2xx status wraps
//     *StatusError so callers can test retryability.
//
// Thread Safety: This method is safe for concurrent use.
func (o *OpenAIClient) Complete(ctx context.Context, req CompletionRequest, params GenerationParams) (result *CompletionResult, err error) {
	start := time.Now()
	defer func() { recordProviderMetrics("openai", time.Since(start), err) }()

	model := o.model
	if params.ModelOverride != "" {
		model = params.ModelOverride
	}

	slog.Debug("Complete via OpenAI", slog.String("model", model), slog.Int("history", len(req.History)))

	messages := make([]openaiMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.History {
		role := msg.Role
		switch role {
		case datatypes.RoleSystem, datatypes.RoleUser, datatypes.RoleAssistant:
			// valid roles, keep as-is
		default:
			slog.Warn("OpenAI: unknown message role, mapping to user",
				slog.String("unknown_role", role))
			role = datatypes.RoleUser
		}
		messages = append(messages, openaiMessage{Role: role, Content: msg.Content})
	}
	messages = append(messages, openaiMessage{Role: datatypes.RoleUser, Content: req.UserMessage})

	reqPayload := openaiRequest{
		Model:    model,
		Messages: messages,
	}
	if params.Temperature != nil {
		reqPayload.Temperature = params.Temperature
	}
	if params.MaxTokens != nil {
		reqPayload.MaxCompletionTokens = params.MaxTokens
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("openai: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := o.authorize(httpReq); err != nil {
		return nil, err
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: "openai", StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("openai: parsing response JSON: %w", err)
	}

	if apiResp.Error != nil {
		return nil, fmt.Errorf("openai: API error: %s - %s", apiResp.Error.Type, SafeLogString(apiResp.Error.Message))
	}

	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: returned no choices")
	}

	choice := apiResp.Choices[0]
	slog.Debug("Received OpenAI completion",
		slog.String("finish_reason", choice.FinishReason),
		slog.Int("response_len", len(choice.Message.Content)),
	)

	return &CompletionResult{
		Text:         choice.Message.Content,
		InputTokens:  apiResp.Usage.PromptTokens,
		OutputTokens: apiResp.Usage.CompletionTokens,
	}, nil
}

// authorize sets the Authorization header from the sealed key. The
// decrypted key lives only for the copy into the header value.
func (o *OpenAIClient) authorize(httpReq *http.Request) error {
	if o.apiKey == nil {
		return nil
	}
	buf, err := o.apiKey.Open()
	if err != nil {
		return fmt.Errorf("openai: opening API key enclave: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+buf.String())
	buf.Destroy()
	return nil
}
