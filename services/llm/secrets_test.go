// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnvBackend_GetSecret(t *testing.T) {
	t.Setenv("WARDLIGHT_TEST_SECRET", "hunter22")

	backend := NewEnvBackend(0)
	value, err := backend.GetSecret(context.Background(), "WARDLIGHT_TEST_SECRET")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "hunter22" {
		t.Errorf("value = %q, want %q", value, "hunter22")
	}
}

func TestEnvBackend_GetSecret_Missing(t *testing.T) {
	t.Setenv("WARDLIGHT_TEST_SECRET", "")

	backend := NewEnvBackend(0)
	_, err := backend.GetSecret(context.Background(), "WARDLIGHT_TEST_SECRET")
	if err == nil {
		t.Fatal("expected error for unset variable")
	}
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("error should wrap ErrSecretNotFound, got: %v", err)
	}
}

func TestEnvBackend_GetSecret_CachesWithinTTL(t *testing.T) {
	t.Setenv("WARDLIGHT_TEST_SECRET", "first")

	backend := NewEnvBackend(time.Minute)
	value, err := backend.GetSecret(context.Background(), "WARDLIGHT_TEST_SECRET")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "first" {
		t.Fatalf("value = %q, want %q", value, "first")
	}

	// Rotation within the TTL is not observed.
	t.Setenv("WARDLIGHT_TEST_SECRET", "second")
	value, err = backend.GetSecret(context.Background(), "WARDLIGHT_TEST_SECRET")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "first" {
		t.Errorf("value = %q, want cached %q", value, "first")
	}
}

func TestEnvBackend_GetSecret_CanceledContext(t *testing.T) {
	backend := NewEnvBackend(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := backend.GetSecret(ctx, "ANY_KEY")
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestSealSecret_RoundTrip(t *testing.T) {
	t.Setenv("WARDLIGHT_TEST_SECRET", "sealed-value")

	enclave, err := SealSecret(context.Background(), NewEnvBackend(0), "WARDLIGHT_TEST_SECRET")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	buf, err := enclave.Open()
	if err != nil {
		t.Fatalf("opening enclave: %v", err)
	}
	defer buf.Destroy()
	if buf.String() != "sealed-value" {
		t.Errorf("enclave value = %q, want %q", buf.String(), "sealed-value")
	}
}

func TestSealSecret_MissingSecret(t *testing.T) {
	t.Setenv("WARDLIGHT_TEST_SECRET", "")

	_, err := SealSecret(context.Background(), NewEnvBackend(0), "WARDLIGHT_TEST_SECRET")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("error should wrap ErrSecretNotFound, got: %v", err)
	}
}
