// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/awnumar/memguard"

	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
)

func testEnclave(value string) *memguard.Enclave {
	return memguard.NewEnclave([]byte(value))
}

func TestOpenAIClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer test-key" {
			t.Errorf("Authorization = %q, want %q", auth, "Bearer test-key")
		}
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q, want suffix /chat/completions", r.URL.Path)
		}

		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q, want %q", req.Model, "gpt-4o-mini")
		}
		// System prompt must be the first message.
		if len(req.Messages) == 0 || req.Messages[0].Role != "system" {
			t.Errorf("first message should carry the system prompt, got %+v", req.Messages)
		}

		resp := openaiResponse{
			Choices: []openaiChoice{
				{
					Message:      openaiMessage{Role: "assistant", Content: "Hello from OpenAI!"},
					FinishReason: "stop",
				},
			},
			Usage: openaiUsage{PromptTokens: 12, CompletionTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := &OpenAIClient{
		httpClient: server.Client(),
		apiKey:     testEnclave("test-key"),
		model:      "gpt-4o-mini",
		baseURL:    server.URL,
	}

	req := CompletionRequest{
		SystemPrompt: "You classify questions.",
		History:      []datatypes.Message{{Role: datatypes.RoleUser, Content: "earlier"}},
		UserMessage:  "Hello",
	}

	result, err := client.Complete(context.Background(), req, GenerationParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "Hello from OpenAI!" {
		t.Errorf("Text = %q, want %q", result.Text, "Hello from OpenAI!")
	}
	if result.InputTokens != 12 || result.OutputTokens != 5 {
		t.Errorf("usage = %d/%d, want 12/5", result.InputTokens, result.OutputTokens)
	}
}

func TestOpenAIClient_Complete_UnknownRoleMappedToUser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		for _, msg := range req.Messages {
			if msg.Content == "unknown role content" && msg.Role != "user" {
				t.Errorf("unknown role should be mapped to 'user', got %q", msg.Role)
			}
		}

		resp := openaiResponse{
			Choices: []openaiChoice{
				{Message: openaiMessage{Role: "assistant", Content: "response"}, FinishReason: "stop"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := &OpenAIClient{
		httpClient: server.Client(),
		apiKey:     testEnclave("test-key"),
		model:      "gpt-4o-mini",
		baseURL:    server.URL,
	}

	req := CompletionRequest{
		History: []datatypes.Message{
			{Role: datatypes.RoleUser, Content: "normal message"},
			{Role: "tool_result", Content: "unknown role content"},
		},
		UserMessage: "question",
	}

	result, err := client.Complete(context.Background(), req, GenerationParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "response" {
		t.Errorf("Text = %q, want %q", result.Text, "response")
	}
}

func TestOpenAIClient_Complete_NilKeySendsNoAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("Authorization should be empty for nil key, got %q", auth)
		}
		resp := openaiResponse{
			Choices: []openaiChoice{
				{Message: openaiMessage{Role: "assistant", Content: "local"}, FinishReason: "stop"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := &OpenAIClient{
		httpClient: server.Client(),
		apiKey:     nil,
		model:      "local-model",
		baseURL:    server.URL,
	}

	result, err := client.Complete(context.Background(), CompletionRequest{UserMessage: "hi"}, GenerationParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "local" {
		t.Errorf("Text = %q, want %q", result.Text, "local")
	}
}

func TestOpenAIClient_Complete_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"type":"server_error","message":"boom"}}`))
	}))
	defer server.Close()

	client := &OpenAIClient{
		httpClient: server.Client(),
		apiKey:     testEnclave("test-key"),
		model:      "gpt-4o-mini",
		baseURL:    server.URL,
	}

	_, err := client.Complete(context.Background(), CompletionRequest{UserMessage: "hi"}, GenerationParams{})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !IsRetryable(err) {
		t.Errorf("500 should be retryable, got: %v", err)
	}
}

func TestOpenAIClient_Complete_BadRequestNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer server.Close()

	client := &OpenAIClient{
		httpClient: server.Client(),
		apiKey:     testEnclave("test-key"),
		model:      "gpt-4o-mini",
		baseURL:    server.URL,
	}

	_, err := client.Complete(context.Background(), CompletionRequest{UserMessage: "hi"}, GenerationParams{})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if IsRetryable(err) {
		t.Errorf("400 should not be retryable, got: %v", err)
	}
}

func TestOpenAIClient_Complete_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openaiResponse{})
	}))
	defer server.Close()

	client := &OpenAIClient{
		httpClient: server.Client(),
		apiKey:     testEnclave("test-key"),
		model:      "gpt-4o-mini",
		baseURL:    server.URL,
	}

	_, err := client.Complete(context.Background(), CompletionRequest{UserMessage: "hi"}, GenerationParams{})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
	if !strings.Contains(err.Error(), "no choices") {
		t.Errorf("error = %v, want mention of 'no choices'", err)
	}
}

func TestOpenAIClient_Complete_ModelOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "gpt-4o" {
			t.Errorf("model = %q, want override %q", req.Model, "gpt-4o")
		}
		resp := openaiResponse{
			Choices: []openaiChoice{
				{Message: openaiMessage{Role: "assistant", Content: "ok"}, FinishReason: "stop"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := &OpenAIClient{
		httpClient: server.Client(),
		apiKey:     testEnclave("test-key"),
		model:      "gpt-4o-mini",
		baseURL:    server.URL,
	}

	_, err := client.Complete(context.Background(), CompletionRequest{UserMessage: "hi"},
		GenerationParams{ModelOverride: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
