// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyProviderError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"status 401", &StatusError{Provider: "openai", StatusCode: 401}, "auth"},
		{"status 403", &StatusError{Provider: "openai", StatusCode: 403}, "auth"},
		{"status 429", &StatusError{Provider: "anthropic", StatusCode: 429}, "rate_limit"},
		{"status 500", &StatusError{Provider: "embeddings", StatusCode: 500}, "server"},
		{"status 400", &StatusError{Provider: "openai", StatusCode: 400}, "unknown"},
		{"wrapped status", fmt.Errorf("call failed: %w", &StatusError{Provider: "openai", StatusCode: 503}), "server"},
		{"timeout message", errors.New("context deadline exceeded"), "timeout"},
		{"nil client message", errors.New("router client is nil"), "nil_client"},
		{"unknown message", errors.New("something odd"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyProviderError(tt.err); got != tt.want {
				t.Errorf("classifyProviderError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
