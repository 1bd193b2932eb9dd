// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package civicdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WardlightCivic/Wardlight/services/answers/config"
	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
)

const trendsJSON = `{
	"generated_at": "2026-01-15T00:00:00Z",
	"years": {
		"2023": {"total_spend": 14800000000, "total_revenue": 14900000000, "record_count": 4100},
		"2024": {"total_spend": 15200000000, "total_revenue": 15100000000, "record_count": 4312,
			"by_category": {"transit": 2400000000}, "motions_passed": 310, "motions_failed": 42}
	}
}`

const recordsJSON = `{
	"year": 2024,
	"records": [
		{"id": "2024.EX10.1", "type": "budget_line", "year": 2024, "ward": 10,
		 "category": "transit", "program": "bus electrification", "amount": 125000000}
	]
}`

const rosterJSON = `{
	"councillors": [
		{"name": "Maria Vasquez", "ward": 10, "years": [2022, 2023, 2024]}
	]
}`

// mirrorWrite places a document in the mirror layout.
func mirrorWrite(t *testing.T, dir, dataset, version, content string) {
	t.Helper()
	sub := filepath.Join(dir, dataset)
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("creating %s: %v", sub, err)
	}
	path := filepath.Join(sub, version+".json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// newTestLoader wires a loader and breaker to a shared fake clock.
func newTestLoader(t *testing.T, remoteBase, mirrorDir string) (*Loader, *time.Time) {
	t.Helper()
	breaker := NewBreaker(config.BreakerConfig{
		FailureThreshold: 3,
		BaseBackoff:      config.Duration(time.Second),
		MaxBackoff:       config.Duration(16 * time.Second),
		FullOpenWindow:   config.Duration(30 * time.Second),
	})
	loader, err := NewLoader(config.DataConfig{
		RemoteBaseURL: remoteBase,
		MirrorDir:     mirrorDir,
		DocumentTTL:   config.Duration(15 * time.Minute),
		FetchTimeout:  config.Duration(5 * time.Second),
	}, breaker)
	if err != nil {
		t.Fatalf("creating loader: %v", err)
	}

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	loader.now = func() time.Time { return clock }
	breaker.now = func() time.Time { return clock }
	return loader, &clock
}

func TestLoader_RemoteSuccessIsCached(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/budget_trends/latest.json" {
			t.Errorf("path = %q, want /budget_trends/latest.json", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(trendsJSON))
	}))
	defer server.Close()

	loader, _ := newTestLoader(t, server.URL, t.TempDir())

	trends, prov, err := loader.Trends(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prov.Source != datatypes.SourceRemote {
		t.Errorf("source = %q, want remote", prov.Source)
	}
	if prov.CircuitState != string(StateClosed) {
		t.Errorf("circuit state = %q, want closed", prov.CircuitState)
	}
	if _, ok := trends.Rollup(2024); !ok {
		t.Error("2024 rollup missing")
	}

	// Second load within the TTL must be served from cache.
	if _, _, err := loader.Trends(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("remote hits = %d, want 1 (cached)", hits.Load())
	}
}

func TestLoader_TTLExpiryRefetches(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(trendsJSON))
	}))
	defer server.Close()

	loader, clock := newTestLoader(t, server.URL, t.TempDir())

	loader.Trends(context.Background())
	*clock = clock.Add(16 * time.Minute)
	loader.Trends(context.Background())

	if hits.Load() != 2 {
		t.Errorf("remote hits = %d, want 2 (TTL expired)", hits.Load())
	}
}

func TestLoader_FallsBackToMirror(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	mirror := t.TempDir()
	mirrorWrite(t, mirror, DatasetTrends, VersionLatest, trendsJSON)

	loader, _ := newTestLoader(t, server.URL, mirror)

	trends, prov, err := loader.Trends(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prov.Source != datatypes.SourceLocalFallback {
		t.Errorf("source = %q, want local_fallback", prov.Source)
	}
	if prov.CircuitState != string(StateClosed) {
		t.Errorf("circuit state = %q, want closed after one failure", prov.CircuitState)
	}
	if len(trends.YearList()) != 2 {
		t.Errorf("years = %v, want 2 entries", trends.YearList())
	}
}

func TestLoader_RecordsVersionAddressing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/records/2024.json" {
			w.Write([]byte(recordsJSON))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	loader, _ := newTestLoader(t, server.URL, t.TempDir())

	records, _, err := loader.Records(context.Background(), 2024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records.Year != 2024 || len(records.Records) != 1 {
		t.Errorf("records = %+v, want one 2024 record", records)
	}
	if records.Records[0].Ward != 10 {
		t.Errorf("ward = %d, want 10", records.Records[0].Ward)
	}
}

func TestLoader_BothSourcesFailing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	loader, _ := newTestLoader(t, server.URL, t.TempDir())

	_, _, err := loader.Trends(context.Background())
	if err == nil {
		t.Fatal("expected error when remote and mirror both fail")
	}
}

func TestLoader_CircuitOpensAndFastRejects(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	mirror := t.TempDir()
	mirrorWrite(t, mirror, DatasetTrends, VersionLatest, trendsJSON)

	loader, _ := newTestLoader(t, server.URL, mirror)

	for i := 0; i < 3; i++ {
		if _, _, err := loader.Trends(context.Background()); err != nil {
			t.Fatalf("call %d: mirror should have served: %v", i+1, err)
		}
	}
	if hits.Load() != 3 {
		t.Fatalf("remote hits = %d, want 3", hits.Load())
	}

	// Circuit is now open: the fourth load must not touch the network.
	_, prov, err := loader.Trends(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("remote hits = %d, want 3 (fast reject)", hits.Load())
	}
	if prov.Source != datatypes.SourceLocalFallback {
		t.Errorf("source = %q, want local_fallback", prov.Source)
	}
	if prov.CircuitState != string(StateOpen) {
		t.Errorf("circuit state = %q, want open", prov.CircuitState)
	}
}

func TestLoader_DecodeErrorCountsAsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	mirror := t.TempDir()
	mirrorWrite(t, mirror, DatasetTrends, VersionLatest, trendsJSON)

	loader, _ := newTestLoader(t, server.URL, mirror)

	_, prov, err := loader.Trends(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prov.Source != datatypes.SourceLocalFallback {
		t.Errorf("source = %q, want local_fallback", prov.Source)
	}

	snapshot := loader.Breaker().Snapshot()
	if len(snapshot) != 1 || snapshot[0].Failures != 1 {
		t.Errorf("breaker snapshot = %+v, want one recorded failure", snapshot)
	}
}

func TestLoader_InvalidateDropsCachedDocument(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(trendsJSON))
	}))
	defer server.Close()

	loader, _ := newTestLoader(t, server.URL, t.TempDir())

	loader.Trends(context.Background())
	loader.Invalidate(DatasetTrends, VersionLatest)
	loader.Trends(context.Background())

	if hits.Load() != 2 {
		t.Errorf("remote hits = %d, want 2 after invalidation", hits.Load())
	}
}

func TestLoader_Warmup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/budget_trends/latest.json":
			w.Write([]byte(trendsJSON))
		case "/records/latest.json":
			w.Write([]byte(recordsJSON))
		case "/councillors/latest.json":
			w.Write([]byte(rosterJSON))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	loader, _ := newTestLoader(t, server.URL, t.TempDir())

	if err := loader.Warmup(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	roster, prov, err := loader.CouncillorRoster(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prov.Source != datatypes.SourceRemote {
		t.Errorf("source = %q, want remote (warmed)", prov.Source)
	}
	if len(roster.ForYear(2024)) != 1 {
		t.Errorf("2024 roster = %+v, want one councillor", roster.ForYear(2024))
	}
}

func TestTrendSummary_LatestYear(t *testing.T) {
	summary := &TrendSummary{Years: map[string]YearRollup{
		"2022": {}, "2023": {}, "2024": {},
	}}

	if year, ok := summary.LatestYear(2026); !ok || year != 2024 {
		t.Errorf("LatestYear(2026) = %d,%v, want 2024,true", year, ok)
	}
	if year, ok := summary.LatestYear(2023); !ok || year != 2023 {
		t.Errorf("LatestYear(2023) = %d,%v, want 2023,true", year, ok)
	}
	if _, ok := summary.LatestYear(2021); ok {
		t.Error("LatestYear(2021) should report no qualifying year")
	}
}
