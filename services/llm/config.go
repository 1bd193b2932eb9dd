// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// Provider constants for supported LLM providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	// ProviderNone disables the role. The factory returns a nil client and
	// callers fall back to their deterministic paths.
	ProviderNone = "none"
)

// Role constants for the LLM roles in the answers pipeline.
const (
	RoleRouter    = "ROUTER"
	RoleExtractor = "EXTRACTOR"
	RoleEmbedder  = "EMBEDDER"
)

// ValidProviders contains the set of valid provider names.
var ValidProviders = []string{ProviderOpenAI, ProviderAnthropic, ProviderNone}

// isValidProvider checks if a provider name is valid.
func isValidProvider(provider string) bool {
	for _, p := range ValidProviders {
		if provider == p {
			return true
		}
	}
	return false
}

// ProviderConfig holds the configuration for a single LLM role.
//
// Description:
//
//	Specifies which provider serves the role, which model, and an optional
//	endpoint override. Used by Factory to create the right client.
type ProviderConfig struct {
	// Provider is the backend to use: "openai", "anthropic", "none".
	Provider string

	// Model is the provider-specific model identifier.
	// Examples: "gpt-4o-mini" (OpenAI), "claude-haiku-4-5" (Anthropic).
	Model string

	// BaseURL is an optional endpoint override, mainly for pointing the
	// OpenAI-compatible client at a local inference server.
	BaseURL string

	// APIKeyEnv is the environment variable holding the provider credential.
	// Resolved through the SecretBackend, never read directly.
	APIKeyEnv string
}

// RoleConfig holds per-role provider configurations.
//
// Description:
//
//	Contains the provider configuration for each of the three LLM roles in
//	the answers pipeline: Router (tool classification), Extractor (entity
//	extraction) and Embedder (semantic search vectors).
type RoleConfig struct {
	Router    ProviderConfig
	Extractor ProviderConfig
	Embedder  ProviderConfig
}

// Default models used when a role names a provider but no model.
const (
	defaultOpenAIChatModel  = "gpt-4o-mini"
	defaultOpenAIEmbedModel = "text-embedding-3-small"
	defaultAnthropicModel   = "claude-haiku-4-5"
)

// InferProvider infers the provider from a model name prefix.
//
// Description:
//
//	Maps known model name prefixes to provider names:
//	  - "claude-*" -> "anthropic"
//	  - "gpt-*", "text-embedding-*" -> "openai"
//	  - anything else -> "" (unknown)
//
//	This is a utility function for display/inference purposes.
//
// Inputs:
//   - model: The model name to infer from.
//
// Outputs:
//   - string: The inferred provider name, or empty string if unknown.
func InferProvider(model string) string {
	if strings.HasPrefix(model, "claude-") {
		return ProviderAnthropic
	}
	if strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "text-embedding-") {
		return ProviderOpenAI
	}
	return ""
}

// LoadRoleConfig reads per-role provider configuration from environment variables.
//
// Description:
//
//	Reads WARDLIGHT_<ROLE>_PROVIDER, WARDLIGHT_<ROLE>_MODEL and
//	WARDLIGHT_<ROLE>_BASE_URL for each role. A role with no provider set
//	defaults to "none", which keeps the pipeline on its deterministic
//	paths. Credentials are NOT loaded here; only the environment variable
//	name is recorded, so that the secret backend stays the single place
//	that touches key material.
//
// Resolution order per role:
//  1. WARDLIGHT_<ROLE>_PROVIDER -> explicit provider
//  2. Fallback: "none"
//  3. WARDLIGHT_<ROLE>_MODEL -> explicit model
//  4. Fallback: the provider's default model for the role
//
// Outputs:
//   - *RoleConfig: Per-role configurations.
//   - error: Non-nil if an invalid provider is specified.
func LoadRoleConfig() (*RoleConfig, error) {
	routerCfg, err := loadSingleRoleConfig(RoleRouter)
	if err != nil {
		return nil, fmt.Errorf("loading router role config: %w", err)
	}

	extractorCfg, err := loadSingleRoleConfig(RoleExtractor)
	if err != nil {
		return nil, fmt.Errorf("loading extractor role config: %w", err)
	}

	embedderCfg, err := loadSingleRoleConfig(RoleEmbedder)
	if err != nil {
		return nil, fmt.Errorf("loading embedder role config: %w", err)
	}

	return &RoleConfig{
		Router:    routerCfg,
		Extractor: extractorCfg,
		Embedder:  embedderCfg,
	}, nil
}

// loadSingleRoleConfig loads configuration for a single role.
func loadSingleRoleConfig(role string) (ProviderConfig, error) {
	providerEnv := fmt.Sprintf("WARDLIGHT_%s_PROVIDER", role)
	modelEnv := fmt.Sprintf("WARDLIGHT_%s_MODEL", role)
	baseURLEnv := fmt.Sprintf("WARDLIGHT_%s_BASE_URL", role)

	provider := os.Getenv(providerEnv)
	if provider == "" {
		provider = ProviderNone
	}

	if !isValidProvider(provider) {
		return ProviderConfig{}, fmt.Errorf("invalid provider %q for %s (valid: %v)", provider, providerEnv, ValidProviders)
	}

	cfg := ProviderConfig{
		Provider: provider,
		Model:    os.Getenv(modelEnv),
		BaseURL:  os.Getenv(baseURLEnv),
	}

	switch provider {
	case ProviderOpenAI:
		cfg.APIKeyEnv = "OPENAI_API_KEY"
		if cfg.Model == "" {
			if role == RoleEmbedder {
				cfg.Model = defaultOpenAIEmbedModel
			} else {
				cfg.Model = defaultOpenAIChatModel
			}
		}
	case ProviderAnthropic:
		if role == RoleEmbedder {
			return ProviderConfig{}, fmt.Errorf("%s: anthropic has no embeddings endpoint", providerEnv)
		}
		cfg.APIKeyEnv = "ANTHROPIC_API_KEY"
		if cfg.Model == "" {
			cfg.Model = defaultAnthropicModel
		}
	}

	return cfg, nil
}

// Factory creates provider clients from role configuration.
//
// Description:
//
//	Factory is the central creation point for ChatClient and Embedder
//	instances. Credentials are resolved through the SecretBackend and
//	sealed into memguard enclaves before a client ever sees them.
//
// Thread Safety: Factory is safe for concurrent use after construction.
type Factory struct {
	secrets SecretBackend
}

// NewFactory creates a Factory backed by the given secret backend.
func NewFactory(secrets SecretBackend) *Factory {
	return &Factory{secrets: secrets}
}

// ChatClient creates a ChatClient for the given role config.
//
// Description:
//
//	ProviderNone yields (nil, nil); callers treat a nil client as "role
//	disabled" and use their deterministic fallbacks. For the OpenAI
//	provider a missing key is tolerated when BaseURL points at a custom
//	endpoint, since local inference servers are typically unauthenticated.
//
// Inputs:
//   - ctx: Context for secret resolution.
//   - cfg: Role configuration specifying provider and model.
//
// Outputs:
//   - ChatClient: The client, or nil when the role is disabled.
//   - error: Non-nil if the provider is unsupported or construction fails.
func (f *Factory) ChatClient(ctx context.Context, cfg ProviderConfig) (ChatClient, error) {
	switch cfg.Provider {
	case ProviderNone, "":
		return nil, nil

	case ProviderOpenAI:
		key, err := f.sealKey(ctx, cfg)
		if err != nil {
			if cfg.BaseURL == "" {
				return nil, fmt.Errorf("OPENAI_API_KEY required for OpenAI provider: %w", err)
			}
			key = nil
		}
		return NewOpenAIClient(key, cfg.Model, cfg.BaseURL), nil

	case ProviderAnthropic:
		key, err := f.sealKey(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY required for Anthropic provider: %w", err)
		}
		client, err := NewAnthropicClient(key, cfg.Model, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("creating Anthropic client: %w", err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unsupported provider: %q (valid: %v)", cfg.Provider, ValidProviders)
	}
}

// Embedder creates an Embedder for the given role config.
//
// Inputs:
//   - ctx: Context for secret resolution.
//   - cfg: Role configuration. Only "openai" (or a compatible endpoint via
//     BaseURL) serves embeddings; "none" disables semantic search.
//
// Outputs:
//   - Embedder: The embedder, or nil when the role is disabled.
//   - error: Non-nil if the provider cannot serve embeddings.
func (f *Factory) Embedder(ctx context.Context, cfg ProviderConfig) (Embedder, error) {
	switch cfg.Provider {
	case ProviderNone, "":
		return nil, nil

	case ProviderOpenAI:
		key, err := f.sealKey(ctx, cfg)
		if err != nil {
			if cfg.BaseURL == "" {
				return nil, fmt.Errorf("OPENAI_API_KEY required for embeddings: %w", err)
			}
			key = nil
		}
		return NewOpenAIEmbedder(key, cfg.Model, cfg.BaseURL), nil

	case ProviderAnthropic:
		return nil, fmt.Errorf("anthropic provider has no embeddings endpoint")

	default:
		return nil, fmt.Errorf("unsupported provider: %q (valid: %v)", cfg.Provider, ValidProviders)
	}
}

// sealKey resolves the role's credential into a sealed enclave.
func (f *Factory) sealKey(ctx context.Context, cfg ProviderConfig) (*memguard.Enclave, error) {
	if cfg.APIKeyEnv == "" {
		return nil, fmt.Errorf("no credential variable configured: %w", ErrSecretNotFound)
	}
	return SealSecret(ctx, f.secrets, cfg.APIKeyEnv)
}
