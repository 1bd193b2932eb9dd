// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"WARDLIGHT_CONFIG", "WARDLIGHT_PORT",
		"WARDLIGHT_REMOTE_BASE_URL", "WARDLIGHT_MIRROR_DIR", "WARDLIGHT_WEB_CACHE_DIR",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_EmbeddedDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.RateLimit.Capacity != 20 {
		t.Errorf("ratelimit capacity = %d, want 20", cfg.RateLimit.Capacity)
	}
	if cfg.RateLimit.Window.Std() != time.Minute {
		t.Errorf("ratelimit window = %v, want 1m", cfg.RateLimit.Window.Std())
	}
	if cfg.RateLimit.IdleEvictMultiplier != 5 {
		t.Errorf("idle evict multiplier = %d, want 5", cfg.RateLimit.IdleEvictMultiplier)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("breaker threshold = %d, want 3", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.BaseBackoff.Std() != time.Second {
		t.Errorf("base backoff = %v, want 1s", cfg.Breaker.BaseBackoff.Std())
	}
	if cfg.Breaker.MaxBackoff.Std() != 16*time.Second {
		t.Errorf("max backoff = %v, want 16s", cfg.Breaker.MaxBackoff.Std())
	}
	if cfg.Breaker.FullOpenWindow.Std() != 30*time.Second {
		t.Errorf("full open window = %v, want 30s", cfg.Breaker.FullOpenWindow.Std())
	}
	if cfg.RAG.MinSimilarity != 0.65 {
		t.Errorf("min similarity = %v, want 0.65", cfg.RAG.MinSimilarity)
	}
	if cfg.RAG.EmbedRetries != 3 {
		t.Errorf("embed retries = %d, want 3", cfg.RAG.EmbedRetries)
	}
	if cfg.RAG.RetryBase.Std() != 500*time.Millisecond {
		t.Errorf("retry base = %v, want 500ms", cfg.RAG.RetryBase.Std())
	}
	if cfg.Router.MinConfidence != 0.6 {
		t.Errorf("min confidence = %v, want 0.6", cfg.Router.MinConfidence)
	}
	if cfg.Web.LookupBudget != 5 {
		t.Errorf("lookup budget = %d, want 5", cfg.Web.LookupBudget)
	}
	if cfg.Web.BudgetWindow.Std() != 24*time.Hour {
		t.Errorf("budget window = %v, want 24h", cfg.Web.BudgetWindow.Std())
	}
}

func TestLoad_FileOverlay(t *testing.T) {
	clearConfigEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "answers.yaml")
	overlay := []byte("ratelimit:\n  capacity: 50\nrouter:\n  min_confidence: 0.8\n")
	if err := os.WriteFile(path, overlay, 0o644); err != nil {
		t.Fatalf("writing overlay: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimit.Capacity != 50 {
		t.Errorf("capacity = %d, want overlay value 50", cfg.RateLimit.Capacity)
	}
	if cfg.Router.MinConfidence != 0.8 {
		t.Errorf("min confidence = %v, want overlay value 0.8", cfg.Router.MinConfidence)
	}
	// Untouched sections keep their defaults.
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("breaker threshold = %d, want default 3", cfg.Breaker.FailureThreshold)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("WARDLIGHT_PORT", "9090")
	t.Setenv("WARDLIGHT_MIRROR_DIR", "/srv/mirror")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Data.MirrorDir != "/srv/mirror" {
		t.Errorf("mirror dir = %q, want /srv/mirror", cfg.Data.MirrorDir)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearConfigEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate_Rejections(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Helper()
		clearConfigEnv(t)
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("loading defaults: %v", err)
		}
		return cfg
	}

	t.Run("zero capacity", func(t *testing.T) {
		cfg := base(t)
		cfg.RateLimit.Capacity = 0
		if err := Validate(cfg); err == nil {
			t.Error("expected error for zero capacity")
		}
	})

	t.Run("similarity above one", func(t *testing.T) {
		cfg := base(t)
		cfg.RAG.MinSimilarity = 1.5
		if err := Validate(cfg); err == nil {
			t.Error("expected error for similarity > 1")
		}
	})

	t.Run("zero window", func(t *testing.T) {
		cfg := base(t)
		cfg.RateLimit.Window = 0
		if err := Validate(cfg); err == nil {
			t.Error("expected error for zero window")
		}
	})

	t.Run("backoff ordering", func(t *testing.T) {
		cfg := base(t)
		cfg.Breaker.MaxBackoff = Duration(500 * time.Millisecond)
		if err := Validate(cfg); err == nil {
			t.Error("expected error when max_backoff < base_backoff")
		}
	})

	t.Run("bad remote url", func(t *testing.T) {
		cfg := base(t)
		cfg.Data.RemoteBaseURL = "not a url"
		if err := Validate(cfg); err == nil {
			t.Error("expected error for malformed remote_base_url")
		}
	})
}

func TestDuration_UnmarshalRejectsBareInt(t *testing.T) {
	clearConfigEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "answers.yaml")
	if err := os.WriteFile(path, []byte("ratelimit:\n  window: 60\n"), 0o644); err != nil {
		t.Fatalf("writing overlay: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for bare integer duration")
	}
}
