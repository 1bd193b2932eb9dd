// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package weblookup fetches pages from allowlisted council domains and
// extracts their text for use as retrieval context.
//
// A lookup is the last resort of the retrieval cascade and the only
// stage that leaves the curated datasets, so it is fenced three ways:
// a domain allowlist nothing can bypass, a per-conversation budget over
// a rolling window, and a global politeness pacer on outbound fetches.
// Extracted pages persist in a BadgerDB cache so repeat questions do
// not spend budget or network.
package weblookup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/WardlightCivic/Wardlight/services/answers/config"
	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
)

const webTracerName = "wardlight-answers/web"

// Sentinel errors callers branch on. Everything else that goes wrong in
// a lookup is a generic fetch/extract failure.
var (
	// ErrDisallowedDomain means the target host is not on the allowlist.
	ErrDisallowedDomain = errors.New("domain not allowlisted")

	// ErrBudgetExhausted means the conversation spent its lookup
	// allowance for the current window.
	ErrBudgetExhausted = errors.New("web lookup budget exhausted")
)

// =============================================================================
// Metrics
// =============================================================================

// Web lookup metrics.
//
// wardlight_web_lookups_total: outcome = fetched | cache_hit |
// budget_exhausted | disallowed | failed.
// wardlight_web_fetch_duration_seconds: network fetch latency, cache
// hits excluded.
var (
	webLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardlight",
			Subsystem: "web",
			Name:      "lookups_total",
			Help:      "Web lookups by outcome.",
		},
		[]string{"outcome"},
	)
	webFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "wardlight",
			Subsystem: "web",
			Name:      "fetch_duration_seconds",
			Help:      "Outbound page fetch latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
	)
)

// =============================================================================
// Client
// =============================================================================

// Extract is the text pulled out of one looked-up document.
type Extract struct {
	URL       string
	Title     string
	Text      string
	FromCache bool
}

// Client performs allowlisted, budgeted, cached web lookups.
//
// Description:
//
//	Lookup resolves a target (an explicit URL, or the configured search
//	page with the query appended), enforces the domain allowlist, then
//	serves from the page cache when possible. Only a real network fetch
//	consumes conversation budget and waits on the politeness pacer.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	cfg        config.WebConfig
	httpClient *http.Client
	cache      *PageCache
	budget     *Budget
	pacer      *rate.Limiter

	now func() time.Time
}

// NewClient builds a lookup client. cache may be nil, which disables
// persistence and makes every lookup a network fetch.
func NewClient(cfg config.WebConfig, cache *PageCache) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.FetchTimeout.Std(),
		},
		cache:  cache,
		budget: NewBudget(cfg.LookupBudget, cfg.BudgetWindow.Std()),
		pacer:  rate.NewLimiter(rate.Limit(cfg.FetchQPS), 1),
		now:    time.Now,
	}
}

// Budget exposes the conversation budget for diagnostics.
func (c *Client) Budget() *Budget { return c.budget }

// Lookup fetches and extracts one document.
//
// Description:
//
//	When targetURL is empty the configured search page is queried with
//	the question text. The resolved host must match the allowlist or
//	the lookup fails with ErrDisallowedDomain before any network or
//	budget is touched. A cache hit returns immediately and costs
//	nothing; otherwise the conversation budget is charged, the pacer
//	is awaited, and the page is fetched with a hard size cap, extracted
//	(HTML or PDF by content type), and cached.
//
// Inputs:
//   - conversationID: budget key. The transport layer guarantees it is
//     non-empty.
//   - query: question text, used only in search mode.
//   - targetURL: explicit document URL, or "" for search mode.
//
// Outputs:
//   - *Extract: never nil on success; Text is non-empty.
//   - error: ErrDisallowedDomain, ErrBudgetExhausted, or a wrapped
//     fetch/extract failure.
func (c *Client) Lookup(ctx context.Context, conversationID, query, targetURL string) (*Extract, error) {
	ctx, span := otel.Tracer(webTracerName).Start(ctx, "web.lookup")
	defer span.End()

	target, err := c.resolveTarget(query, targetURL)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		webLookups.WithLabelValues(outcomeFor(err)).Inc()
		return nil, err
	}
	span.SetAttributes(attribute.String("target_host", target.Host))

	if page, err := c.cache.Get(ctx, target.String()); err != nil {
		slog.Warn("web cache read failed",
			slog.String("url", target.String()),
			slog.String("error", err.Error()),
		)
	} else if page != nil {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		webLookups.WithLabelValues("cache_hit").Inc()
		return &Extract{URL: page.URL, Title: page.Title, Text: page.Text, FromCache: true}, nil
	}

	if !c.budget.Allow(conversationID) {
		span.SetStatus(codes.Error, "budget exhausted")
		webLookups.WithLabelValues("budget_exhausted").Inc()
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrBudgetExhausted)
	}

	if err := c.pacer.Wait(ctx); err != nil {
		webLookups.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("waiting for fetch slot: %w", err)
	}

	extract, err := c.fetch(ctx, target)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		webLookups.WithLabelValues("failed").Inc()
		return nil, err
	}

	if err := c.cache.Put(ctx, &Page{
		URL:         extract.URL,
		Title:       extract.Title,
		Text:        extract.Text,
		FetchedAt:   c.now(),
		ContentType: extract.contentType,
	}); err != nil {
		slog.Warn("web cache write failed",
			slog.String("url", extract.URL),
			slog.String("error", err.Error()),
		)
	}

	webLookups.WithLabelValues("fetched").Inc()
	return &extract.Extract, nil
}

// resolveTarget turns (query, targetURL) into a validated, allowlisted
// URL. Search mode appends the escaped query to the configured search
// page.
func (c *Client) resolveTarget(query, targetURL string) (*url.URL, error) {
	raw := targetURL
	if raw == "" {
		raw = c.cfg.SearchURL + url.QueryEscape(query)
	}

	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing lookup target: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("target %q: unsupported scheme %q", raw, target.Scheme)
	}
	if target.Hostname() == "" {
		return nil, fmt.Errorf("target %q: missing host", raw)
	}
	if !c.hostAllowed(target.Hostname()) {
		return nil, fmt.Errorf("host %q: %w", target.Hostname(), ErrDisallowedDomain)
	}
	return target, nil
}

// hostAllowed reports whether host equals an allowlisted domain or is a
// subdomain of one.
func (c *Client) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, domain := range c.cfg.AllowedDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// fetchedExtract carries the content type alongside the extract so
// Lookup can persist it.
type fetchedExtract struct {
	Extract
	contentType string
}

// fetch performs the capped GET and dispatches extraction by content
// type.
func (c *Client) fetch(ctx context.Context, target *url.URL) (*fetchedExtract, error) {
	start := c.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "wardlight-answers/1.0 (+https://wardlight.org)")
	req.Header.Set("Accept", "text/html, application/pdf;q=0.9, */*;q=0.5")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", target, resp.StatusCode)
	}

	// Read one byte past the cap to tell "exactly at cap" from
	// "truncated". A truncated HTML page still extracts; a truncated
	// PDF fails extraction below.
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", target, err)
	}
	truncated := int64(len(data)) > c.cfg.MaxDocumentBytes
	if truncated {
		data = data[:c.cfg.MaxDocumentBytes]
		slog.Warn("web document truncated at size cap",
			slog.String("url", target.String()),
			slog.Int64("cap_bytes", c.cfg.MaxDocumentBytes),
		)
	}
	webFetchDuration.Observe(c.now().Sub(start).Seconds())

	contentType := resp.Header.Get("Content-Type")
	var title, text string
	if isPDF(contentType, target.Path) {
		text, err = extractPDF(data)
	} else {
		title, text, err = extractHTML(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", target, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("extracting %s: document has no text", target)
	}

	slog.Info("web lookup fetched",
		slog.String("url", target.String()),
		slog.String("content_type", contentType),
		slog.Int("bytes", len(data)),
		slog.Int("text_len", len(text)),
		slog.Bool("truncated", truncated),
	)
	return &fetchedExtract{
		Extract:     Extract{URL: target.String(), Title: title, Text: text},
		contentType: contentType,
	}, nil
}

// isPDF decides the extraction path. Content type wins; a .pdf path
// only matters when the server sends nothing usable.
func isPDF(contentType, path string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if strings.HasPrefix(ct, "application/pdf") {
		return true
	}
	if ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		return strings.HasSuffix(strings.ToLower(path), ".pdf")
	}
	return false
}

// =============================================================================
// Failure mapping
// =============================================================================

// FailureReason maps a lookup error to its taxonomy code.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrDisallowedDomain):
		return datatypes.ReasonDisallowedDomain
	case errors.Is(err, ErrBudgetExhausted):
		return datatypes.ReasonRateLimited
	default:
		return datatypes.ReasonWebLookupFailed
	}
}

// outcomeFor is the metric label for a pre-fetch rejection.
func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrDisallowedDomain):
		return "disallowed"
	case errors.Is(err, ErrBudgetExhausted):
		return "budget_exhausted"
	default:
		return "failed"
	}
}
