// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package weblookup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WardlightCivic/Wardlight/services/answers/config"
	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
)

const agendaHTML = `<html><head><title>Committee Agenda</title></head>
<body><p>Item EX10.1: transit expansion, carried.</p></body></html>`

// newTestClient stands up a lookup client against the handler with the
// test server's host allowlisted. High QPS keeps the pacer out of the
// way.
func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*config.WebConfig)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	parsed, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing test server url: %v", err)
	}

	cfg := config.WebConfig{
		AllowedDomains:   []string{parsed.Hostname()},
		SearchURL:        srv.URL + "/search?q=",
		LookupBudget:     5,
		BudgetWindow:     config.Duration(24 * time.Hour),
		FetchQPS:         1000,
		FetchTimeout:     config.Duration(5 * time.Second),
		MaxDocumentBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClient(cfg, nil), srv
}

func TestClient_LookupFetchesAndExtracts(t *testing.T) {
	var hits atomic.Int32
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, agendaHTML)
	}, nil)

	extract, err := client.Lookup(context.Background(), "conv-1", "", srv.URL+"/agenda/2024-ex10")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if extract.Title != "Committee Agenda" {
		t.Errorf("Title = %q", extract.Title)
	}
	if !strings.Contains(extract.Text, "transit expansion") {
		t.Errorf("Text = %q", extract.Text)
	}
	if extract.FromCache {
		t.Error("first fetch reported FromCache")
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
}

func TestClient_SearchModeAppendsQuery(t *testing.T) {
	var gotQuery atomic.Value
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query().Get("q"))
		fmt.Fprint(w, `<html><body><p>3 results for transit budget</p></body></html>`)
	}, nil)

	extract, err := client.Lookup(context.Background(), "conv-1", "ward 10 transit budget?", "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got := gotQuery.Load(); got != "ward 10 transit budget?" {
		t.Errorf("search query = %q", got)
	}
	if !strings.Contains(extract.Text, "3 results") {
		t.Errorf("Text = %q", extract.Text)
	}
}

func TestClient_DisallowedDomainRejectedBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}, nil)

	_, err := client.Lookup(context.Background(), "conv-1", "", "https://phishing.example.com/agenda")
	if !errors.Is(err, ErrDisallowedDomain) {
		t.Fatalf("err = %v, want ErrDisallowedDomain", err)
	}
	if hits.Load() != 0 {
		t.Error("network touched for disallowed domain")
	}
	// Rejections must not spend budget either.
	if got := client.Budget().Remaining("conv-1"); got != 5 {
		t.Errorf("Remaining = %d, want 5", got)
	}
}

func TestClient_HostAllowed(t *testing.T) {
	client := NewClient(config.WebConfig{
		AllowedDomains: []string{"wardlight.org", "data.wardlight.org"},
		FetchQPS:       1,
	}, nil)

	tests := []struct {
		host string
		want bool
	}{
		{"wardlight.org", true},
		{"WARDLIGHT.ORG", true},
		{"council.wardlight.org", true},
		{"deep.sub.wardlight.org", true},
		{"data.wardlight.org", true},
		{"evilwardlight.org", false},
		{"wardlight.org.evil.com", false},
		{"example.com", false},
	}
	for _, tt := range tests {
		if got := client.hostAllowed(tt.host); got != tt.want {
			t.Errorf("hostAllowed(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestClient_BudgetExhaustedIsTyped(t *testing.T) {
	var hits atomic.Int32
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, agendaHTML)
	}, func(cfg *config.WebConfig) {
		cfg.LookupBudget = 1
	})

	if _, err := client.Lookup(context.Background(), "conv-1", "", srv.URL+"/a"); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	_, err := client.Lookup(context.Background(), "conv-1", "", srv.URL+"/b")
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}

	// Another conversation still has budget.
	if _, err := client.Lookup(context.Background(), "conv-2", "", srv.URL+"/c"); err != nil {
		t.Errorf("conv-2 lookup: %v", err)
	}
}

func TestClient_CacheHitSkipsNetworkAndBudget(t *testing.T) {
	var hits atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, agendaHTML)
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	parsed, _ := url.Parse(srv.URL)

	cfg := config.WebConfig{
		AllowedDomains:   []string{parsed.Hostname()},
		SearchURL:        srv.URL + "/search?q=",
		LookupBudget:     5,
		BudgetWindow:     config.Duration(24 * time.Hour),
		FetchQPS:         1000,
		FetchTimeout:     config.Duration(5 * time.Second),
		MaxDocumentBytes: 1 << 20,
	}
	client := NewClient(cfg, NewPageCache(newTestDB(t), time.Hour))

	first, err := client.Lookup(context.Background(), "conv-1", "", srv.URL+"/agenda")
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if first.FromCache {
		t.Error("first lookup reported FromCache")
	}

	second, err := client.Lookup(context.Background(), "conv-1", "", srv.URL+"/agenda")
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if !second.FromCache {
		t.Error("second lookup not served from cache")
	}
	if second.Text != first.Text {
		t.Errorf("cache text = %q, want %q", second.Text, first.Text)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
	if got := client.Budget().Remaining("conv-1"); got != 4 {
		t.Errorf("Remaining = %d, want 4 (cache hit must not spend budget)", got)
	}
}

func TestClient_SizeCapKeepsLeadingContent(t *testing.T) {
	page := `<html><head><title>Long Report</title></head><body><p>Opening summary sentence.</p>` +
		strings.Repeat(`<p>filler paragraph to push past the cap</p>`, 200) +
		`</body></html>`
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}, func(cfg *config.WebConfig) {
		cfg.MaxDocumentBytes = 2048
	})

	extract, err := client.Lookup(context.Background(), "conv-1", "", srv.URL+"/report")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !strings.Contains(extract.Text, "Opening summary sentence.") {
		t.Errorf("leading content lost: %q", extract.Text)
	}
}

func TestClient_NonOKStatusFails(t *testing.T) {
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}, nil)

	_, err := client.Lookup(context.Background(), "conv-1", "", srv.URL+"/gone")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("err = %v", err)
	}
}

func TestClient_PDFContentTypeDispatches(t *testing.T) {
	// Garbage bytes under a PDF content type must fail extraction, not
	// fall back to the HTML path.
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "definitely not a pdf")
	}, nil)

	_, err := client.Lookup(context.Background(), "conv-1", "", srv.URL+"/report.pdf")
	if err == nil {
		t.Fatal("expected extraction error for bogus pdf")
	}
	if !strings.Contains(err.Error(), "extracting") {
		t.Errorf("err = %v", err)
	}
}

func TestIsPDF(t *testing.T) {
	tests := []struct {
		contentType string
		path        string
		want        bool
	}{
		{"application/pdf", "/report", true},
		{"application/PDF; qs=0.9", "/report", true},
		{"text/html", "/report.pdf", false},
		{"", "/minutes.PDF", true},
		{"application/octet-stream", "/minutes.pdf", true},
		{"application/octet-stream", "/minutes", false},
		{"text/html", "/agenda", false},
	}
	for _, tt := range tests {
		if got := isPDF(tt.contentType, tt.path); got != tt.want {
			t.Errorf("isPDF(%q, %q) = %v, want %v", tt.contentType, tt.path, got, tt.want)
		}
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("host %q: %w", "x.com", ErrDisallowedDomain), datatypes.ReasonDisallowedDomain},
		{fmt.Errorf("conversation c: %w", ErrBudgetExhausted), datatypes.ReasonRateLimited},
		{errors.New("status 500"), datatypes.ReasonWebLookupFailed},
	}
	for _, tt := range tests {
		if got := FailureReason(tt.err); got != tt.want {
			t.Errorf("FailureReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
