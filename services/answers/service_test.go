// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package answers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/WardlightCivic/Wardlight/services/answers/config"
)

func TestNewService_RequiresConfig(t *testing.T) {
	if _, err := NewService(nil, Clients{}); err == nil {
		t.Error("expected an error for nil config")
	}
}

func TestServiceWarm_MarksReadyDespiteFetchFailures(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)

	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			RequestTimeout: config.Duration(5 * time.Second),
		},
		Data: config.DataConfig{
			RemoteBaseURL: failing.URL,
			MirrorDir:     t.TempDir(),
			DocumentTTL:   config.Duration(15 * time.Minute),
			FetchTimeout:  config.Duration(time.Second),
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 3,
			BaseBackoff:      config.Duration(time.Second),
			MaxBackoff:       config.Duration(16 * time.Second),
			FullOpenWindow:   config.Duration(30 * time.Second),
		},
		RateLimit: config.RateLimitConfig{
			Capacity:            20,
			Window:              config.Duration(time.Minute),
			IdleEvictMultiplier: 5,
		},
		RAG: config.RAGConfig{
			IndexTTL:      config.Duration(time.Hour),
			MinSimilarity: 0.65,
			TopK:          5,
			EmbedRetries:  3,
			RetryBase:     config.Duration(time.Millisecond),
		},
		Router: config.RouterConfig{MinConfidence: 0.6},
		Web: config.WebConfig{
			AllowedDomains:   []string{"council.wardlight.org"},
			SearchURL:        "https://council.wardlight.org/search?q=",
			LookupBudget:     5,
			BudgetWindow:     config.Duration(24 * time.Hour),
			FetchQPS:         1000,
			FetchTimeout:     config.Duration(time.Second),
			MaxDocumentBytes: 1 << 20,
		},
	}

	svc, err := NewService(cfg, Clients{
		RouterChat:    staticChat(`{"tool": "none"}`),
		ExtractorChat: staticChat(askDeclineEntities),
		Embedder:      staticEmbedder([]float32{0, 0, 1}),
	})
	if err != nil {
		t.Fatalf("creating service: %v", err)
	}

	if svc.Ready() {
		t.Fatal("service must not be ready before warmup")
	}

	// Every prefetch fails; the loader falls back on demand, so warmup
	// failure must not wedge the service in a never-ready state.
	svc.warm(context.Background())

	if !svc.Ready() {
		t.Error("service must be ready once warmup attempts finish")
	}
}
