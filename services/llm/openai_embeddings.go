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
)

// =============================================================================
// Embeddings Wire Types
// =============================================================================

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data  []embeddingsDatum `json:"data"`
	Error *openaiError      `json:"error,omitempty"`
}

type embeddingsDatum struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// =============================================================================
// Embedder Implementation
// =============================================================================

// OpenAIEmbedder implements Embedder against the OpenAI Embeddings REST
// API (or any compatible endpoint).
//
// Thread Safety: OpenAIEmbedder is safe for concurrent use.
type OpenAIEmbedder struct {
	httpClient *http.Client
	apiKey     *memguard.Enclave
	model      string
	baseURL    string
}

// NewOpenAIEmbedder creates an OpenAIEmbedder.
//
// Inputs:
//   - apiKey: Sealed API key. May be nil for unauthenticated endpoints.
//   - model: Embedding model identifier (e.g. "text-embedding-3-small").
//   - baseURL: API root. Empty string selects the OpenAI default.
func NewOpenAIEmbedder(apiKey *memguard.Enclave, model, baseURL string) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}
}

// Embed returns the embedding vector for one text.
//
// Outputs:
//   - []float32: The embedding vector.
//   - error: Non-nil if the request fails. A non-2xx status wraps
//     *StatusError so callers can test retryability (429/5xx).
//
// Thread Safety: This method is safe for concurrent use.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (vec []float32, err error) {
	start := time.Now()
	defer func() { recordProviderMetrics("embeddings", time.Since(start), err) }()

	reqBody, err := json.Marshal(embeddingsRequest{Model: e.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("embeddings: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/embeddings", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embeddings: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != nil {
		buf, openErr := e.apiKey.Open()
		if openErr != nil {
			return nil, fmt.Errorf("embeddings: opening API key enclave: %w", openErr)
		}
		httpReq.Header.Set("Authorization", "Bearer "+buf.String())
		buf.Destroy()
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embeddings: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embeddings: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: "embeddings", StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var apiResp embeddingsResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("embeddings: parsing response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("embeddings: API error: %s - %s", apiResp.Error.Type, SafeLogString(apiResp.Error.Message))
	}
	if len(apiResp.Data) == 0 {
		return nil, fmt.Errorf("embeddings: returned no vectors")
	}

	raw := apiResp.Data[0].Embedding
	if len(raw) == 0 {
		return nil, fmt.Errorf("embeddings: returned empty vector")
	}
	vec = make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}

	slog.Debug("Received embedding", slog.String("model", e.model), slog.Int("dims", len(vec)))
	return vec, nil
}
