// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the answers service configuration: embedded
// defaults, an optional operator YAML file, then environment overrides.
// Loaded configs are plain values handed to constructors; there is no
// package-level singleton.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed defaults.yaml
var defaultConfigYAML []byte

// MaxYAMLFileSize caps operator config files to keep a corrupted or
// hostile file from exhausting memory during parse.
const MaxYAMLFileSize = 1 << 20 // 1 MiB

// =============================================================================
// Duration
// =============================================================================

// Duration wraps time.Duration so YAML values can be written in the
// human form ("60s", "15m", "24h").
type Duration time.Duration

// UnmarshalYAML parses a duration string via time.ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"60s\", got %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// =============================================================================
// Configuration Types
// =============================================================================

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`

	// RequestTimeout bounds a single /v1/ask request end to end,
	// including any LLM and web lookup calls it triggers.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// DataConfig controls the civic dataset loader.
type DataConfig struct {
	// RemoteBaseURL is the root of the published dataset collection.
	// Documents live at {base}/{dataset}/{version}.json.
	RemoteBaseURL string `yaml:"remote_base_url" validate:"required,url"`

	// MirrorDir is the local fallback mirror. Same layout as the remote:
	// {mirror_dir}/{dataset}/{version}.json.
	MirrorDir string `yaml:"mirror_dir" validate:"required"`

	// DocumentTTL is how long a fetched document stays fresh in memory.
	DocumentTTL Duration `yaml:"document_ttl"`

	// FetchTimeout bounds a single remote document fetch.
	FetchTimeout Duration `yaml:"fetch_timeout"`
}

// BreakerConfig controls the per-endpoint circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold" validate:"min=1"`

	// BaseBackoff seeds the exponential reopen backoff.
	BaseBackoff Duration `yaml:"base_backoff"`

	// MaxBackoff caps the reopen backoff.
	MaxBackoff Duration `yaml:"max_backoff"`

	// FullOpenWindow is how long the circuit stays fully open before a
	// half-open trial is allowed.
	FullOpenWindow Duration `yaml:"full_open_window"`
}

// RateLimitConfig controls per-client request admission.
type RateLimitConfig struct {
	// Capacity is the number of requests granted per window.
	Capacity int `yaml:"capacity" validate:"min=1"`

	// Window is the refill period.
	Window Duration `yaml:"window"`

	// IdleEvictMultiplier sets bucket eviction: a client idle for
	// IdleEvictMultiplier windows is forgotten.
	IdleEvictMultiplier int `yaml:"idle_evict_multiplier" validate:"min=1"`
}

// RAGConfig controls the semantic search stage.
type RAGConfig struct {
	// IndexTTL is how long the embedding index stays cached.
	IndexTTL Duration `yaml:"index_ttl"`

	// MinSimilarity is the cosine similarity floor for a match.
	MinSimilarity float64 `yaml:"min_similarity" validate:"gte=0,lte=1"`

	// TopK is the maximum number of results returned.
	TopK int `yaml:"top_k" validate:"min=1"`

	// EmbedRetries is the total attempt cap for the query embedding call.
	EmbedRetries int `yaml:"embed_retries" validate:"min=1"`

	// RetryBase scales the linear retry backoff (base * attempt).
	RetryBase Duration `yaml:"retry_base"`
}

// RouterConfig controls tool classification.
type RouterConfig struct {
	// MinConfidence is the floor below which a classification is
	// discarded and the pipeline falls through to retrieval.
	MinConfidence float64 `yaml:"min_confidence" validate:"gte=0,lte=1"`
}

// WebConfig controls the allowlisted web lookup stage.
type WebConfig struct {
	// AllowedDomains lists domains eligible for lookup. A host qualifies
	// when it equals an entry or is a subdomain of one.
	AllowedDomains []string `yaml:"allowed_domains" validate:"dive,hostname_rfc1123"`

	// SearchURL is the council search page; the query string is appended
	// URL-escaped. Its host must be allowlisted like any other target.
	SearchURL string `yaml:"search_url" validate:"required,url"`

	// LookupBudget is the number of lookups a conversation may spend in
	// one BudgetWindow.
	LookupBudget int `yaml:"lookup_budget" validate:"min=0"`

	// BudgetWindow is the rolling budget window.
	BudgetWindow Duration `yaml:"budget_window"`

	// FetchQPS throttles outbound fetches across all conversations.
	FetchQPS float64 `yaml:"fetch_qps" validate:"gt=0"`

	// FetchTimeout bounds a single web fetch.
	FetchTimeout Duration `yaml:"fetch_timeout"`

	// MaxDocumentBytes caps a fetched page or PDF.
	MaxDocumentBytes int64 `yaml:"max_document_bytes" validate:"min=1024"`

	// CacheDir is the on-disk page cache location. Empty disables caching.
	CacheDir string `yaml:"cache_dir"`

	// PageTTL is how long a cached page stays fresh.
	PageTTL Duration `yaml:"page_ttl"`
}

// Config is the complete answers service configuration.
//
// Thread Safety: Immutable after Load; safe for concurrent use.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Data      DataConfig      `yaml:"data"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	RAG       RAGConfig       `yaml:"rag"`
	Router    RouterConfig    `yaml:"router"`
	Web       WebConfig       `yaml:"web"`
}

// =============================================================================
// Loading
// =============================================================================

// Load builds a Config from embedded defaults, an optional YAML file and
// environment overrides.
//
// Description:
//
//	Resolution order, later layers winning:
//	  1. Embedded defaults.yaml
//	  2. The file at path (or $WARDLIGHT_CONFIG when path is empty)
//	  3. Environment overrides (WARDLIGHT_PORT, WARDLIGHT_REMOTE_BASE_URL,
//	     WARDLIGHT_MIRROR_DIR, WARDLIGHT_WEB_CACHE_DIR)
//
// Inputs:
//   - path: Operator config file. Empty string means env or defaults only.
//
// Outputs:
//   - *Config: The validated configuration.
//   - error: Non-nil if parsing or validation fails.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultConfigYAML, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing embedded defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv("WARDLIGHT_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if len(data) > MaxYAMLFileSize {
			return nil, fmt.Errorf("config: %s exceeds maximum size (%d > %d)", path, len(data), MaxYAMLFileSize)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	slog.Info("configuration loaded",
		slog.String("file", path),
		slog.String("remote_base_url", cfg.Data.RemoteBaseURL),
		slog.String("mirror_dir", cfg.Data.MirrorDir),
		slog.Int("allowed_domains", len(cfg.Web.AllowedDomains)),
	)

	return &cfg, nil
}

// applyEnvOverrides applies individual environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARDLIGHT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		} else {
			slog.Warn("ignoring non-numeric WARDLIGHT_PORT", slog.String("value", v))
		}
	}
	if v := os.Getenv("WARDLIGHT_REMOTE_BASE_URL"); v != "" {
		cfg.Data.RemoteBaseURL = v
	}
	if v := os.Getenv("WARDLIGHT_MIRROR_DIR"); v != "" {
		cfg.Data.MirrorDir = v
	}
	if v := os.Getenv("WARDLIGHT_WEB_CACHE_DIR"); v != "" {
		cfg.Web.CacheDir = v
	}
}

// Validate checks a Config for structural and semantic problems.
//
// Description:
//
//	Struct tags handle ranges and formats; duration ordering rules that
//	tags cannot express are checked by hand.
//
// Outputs:
//   - error: Non-nil naming the first violated field.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	durations := []struct {
		name  string
		value Duration
	}{
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"data.document_ttl", cfg.Data.DocumentTTL},
		{"data.fetch_timeout", cfg.Data.FetchTimeout},
		{"breaker.base_backoff", cfg.Breaker.BaseBackoff},
		{"breaker.max_backoff", cfg.Breaker.MaxBackoff},
		{"breaker.full_open_window", cfg.Breaker.FullOpenWindow},
		{"ratelimit.window", cfg.RateLimit.Window},
		{"rag.index_ttl", cfg.RAG.IndexTTL},
		{"rag.retry_base", cfg.RAG.RetryBase},
		{"web.budget_window", cfg.Web.BudgetWindow},
		{"web.fetch_timeout", cfg.Web.FetchTimeout},
		{"web.page_ttl", cfg.Web.PageTTL},
	}
	for _, d := range durations {
		if d.value.Std() <= 0 {
			return fmt.Errorf("config: %s must be positive", d.name)
		}
	}

	if cfg.Breaker.MaxBackoff.Std() < cfg.Breaker.BaseBackoff.Std() {
		return fmt.Errorf("config: breaker.max_backoff must be >= breaker.base_backoff")
	}

	return nil
}
