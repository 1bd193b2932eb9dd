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
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

// SecretBackend is the interface for retrieving provider credentials.
//
// Thread Safety: Implementations must be safe for concurrent use.
type SecretBackend interface {
	// GetSecret retrieves a secret by key.
	//
	// Inputs:
	//   - ctx: Context for cancellation.
	//   - key: The secret key name.
	//
	// Outputs:
	//   - string: The secret value.
	//   - error: Non-nil if the secret cannot be retrieved (including ErrSecretNotFound).
	GetSecret(ctx context.Context, key string) (string, error)
}

// EnvBackend reads secrets from environment variables with TTL-based caching.
//
// Description:
//
//	Reads secrets from os.Getenv and caches them for the configured TTL.
//	This avoids repeated syscalls while allowing secret rotation by
//	re-reading the environment after the TTL expires.
//
// Thread Safety: Safe for concurrent use via sync.RWMutex.
type EnvBackend struct {
	mu    sync.RWMutex
	cache map[string]cachedSecret
	ttl   time.Duration
}

type cachedSecret struct {
	value     string
	fetchedAt int64 // Unix milliseconds UTC
}

// NewEnvBackend creates a secret backend that reads from environment variables.
//
// Inputs:
//   - ttl: How long to cache secrets before re-reading from the environment.
//     Use 0 for no caching (re-read every time).
//
// Outputs:
//   - *EnvBackend: Configured backend.
func NewEnvBackend(ttl time.Duration) *EnvBackend {
	return &EnvBackend{
		cache: make(map[string]cachedSecret),
		ttl:   ttl,
	}
}

// GetSecret retrieves a secret from the environment, using the cache if fresh.
//
// Inputs:
//   - ctx: Context for cancellation (environment reads are fast, but respected).
//   - key: The environment variable name.
//
// Outputs:
//   - string: The secret value.
//   - error: ErrSecretNotFound if the environment variable is not set or empty.
func (e *EnvBackend) GetSecret(ctx context.Context, key string) (string, error) {
	if ctx.Err() != nil {
		return "", fmt.Errorf("retrieving secret %q: %w", key, ctx.Err())
	}

	now := time.Now().UnixMilli()

	// Check cache first
	if e.ttl > 0 {
		e.mu.RLock()
		if cached, ok := e.cache[key]; ok {
			age := time.Duration(now-cached.fetchedAt) * time.Millisecond
			if age < e.ttl {
				e.mu.RUnlock()
				if cached.value == "" {
					return "", fmt.Errorf("secret %q: %w", key, ErrSecretNotFound)
				}
				return cached.value, nil
			}
		}
		e.mu.RUnlock()
	}

	value := os.Getenv(key)

	if e.ttl > 0 {
		e.mu.Lock()
		e.cache[key] = cachedSecret{value: value, fetchedAt: now}
		e.mu.Unlock()
	}

	if value == "" {
		return "", fmt.Errorf("secret %q: %w", key, ErrSecretNotFound)
	}

	return value, nil
}

// SealSecret fetches a secret from the backend and seals it into a memguard
// enclave.
//
// Description:
//
//	The plaintext value lives on the Go heap only for the duration of this
//	call; afterwards it exists solely inside the encrypted enclave, which
//	clients decrypt per request and destroy immediately after use.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - backend: The secret backend to query.
//   - key: The secret key name.
//
// Outputs:
//   - *memguard.Enclave: The sealed secret.
//   - error: Non-nil if retrieval fails (including ErrSecretNotFound).
func SealSecret(ctx context.Context, backend SecretBackend, key string) (*memguard.Enclave, error) {
	value, err := backend.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return memguard.NewEnclave([]byte(value)), nil
}
