// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package civicdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/WardlightCivic/Wardlight/services/answers/config"
	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
)

// loaderTracerName is the OTel tracer name for document loading.
const loaderTracerName = "wardlight-answers/civicdata"

// maxDocumentBytes caps a fetched dataset document. The embedding index
// is the largest published document and stays well under this.
const maxDocumentBytes = 64 << 20 // 64 MiB

// =============================================================================
// Metrics
// =============================================================================

var (
	// documentFetches counts document loads by dataset and source.
	//
	// Labels:
	//   - dataset: "budget_trends", "records", "embeddings", "councillors"
	//   - source: "remote", "local_fallback", "cache", "error"
	documentFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardlight",
			Subsystem: "civicdata",
			Name:      "document_fetches_total",
			Help:      "Dataset document loads by dataset and serving source.",
		},
		[]string{"dataset", "source"},
	)

	// remoteFetchDuration measures remote fetch latency.
	remoteFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wardlight",
			Subsystem: "civicdata",
			Name:      "remote_fetch_duration_seconds",
			Help:      "Remote document fetch latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"dataset"},
	)
)

// =============================================================================
// Loader
// =============================================================================

// cacheEntry is one cached, decoded document.
type cacheEntry struct {
	value     any
	prov      datatypes.Provenance
	fetchedAt time.Time
}

// Loader fetches versioned dataset documents with circuit protection and
// mirror fallback.
//
// Description:
//
//	A document is addressed as {dataset}/{version}.json. Loads try the
//	in-memory cache, then the remote collection (behind the circuit for
//	{host}/{dataset}), then the local mirror. Every returned document
//	carries provenance naming the serving source and the circuit state
//	observed. Only remote successes are cached; fallback reads stay live
//	so recovery is visible immediately.
//
// Thread Safety: Safe for concurrent use.
type Loader struct {
	mu    sync.Mutex
	cache map[string]cacheEntry

	breaker    *Breaker
	httpClient *http.Client

	baseURL     string
	host        string
	mirrorDir   string
	documentTTL time.Duration

	now func() time.Time
}

// NewLoader creates a Loader.
//
// Inputs:
//   - cfg: Remote base URL, mirror directory and TTLs.
//   - breaker: The shared circuit table. Must not be nil.
//
// Outputs:
//   - *Loader: The configured loader.
//   - error: Non-nil if the remote base URL does not parse.
func NewLoader(cfg config.DataConfig, breaker *Breaker) (*Loader, error) {
	parsed, err := url.Parse(cfg.RemoteBaseURL)
	if err != nil {
		return nil, fmt.Errorf("civicdata: parsing remote base URL: %w", err)
	}
	return &Loader{
		cache:       make(map[string]cacheEntry),
		breaker:     breaker,
		httpClient:  &http.Client{Timeout: cfg.FetchTimeout.Std()},
		baseURL:     cfg.RemoteBaseURL,
		host:        parsed.Host,
		mirrorDir:   cfg.MirrorDir,
		documentTTL: cfg.DocumentTTL.Std(),
		now:         time.Now,
	}, nil
}

// Breaker exposes the circuit table for diagnostics.
func (l *Loader) Breaker() *Breaker { return l.breaker }

// DocumentSource returns the canonical published URL of a document,
// used for source attribution regardless of which copy served it.
func (l *Loader) DocumentSource(dataset, version string) string {
	return fmt.Sprintf("%s/%s/%s.json", l.baseURL, dataset, version)
}

// =============================================================================
// Typed Accessors
// =============================================================================

// Trends returns the latest multi-year rollup document.
func (l *Loader) Trends(ctx context.Context) (*TrendSummary, datatypes.Provenance, error) {
	value, prov, err := l.document(ctx, DatasetTrends, VersionLatest, func(data []byte) (any, error) {
		var doc TrendSummary
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return &doc, nil
	})
	if err != nil {
		return nil, prov, err
	}
	return value.(*TrendSummary), prov, nil
}

// Records returns the processed record set for one year.
func (l *Loader) Records(ctx context.Context, year int) (*RecordSet, datatypes.Provenance, error) {
	return l.records(ctx, strconv.Itoa(year))
}

// LatestRecords returns the newest published record set.
func (l *Loader) LatestRecords(ctx context.Context) (*RecordSet, datatypes.Provenance, error) {
	return l.records(ctx, VersionLatest)
}

func (l *Loader) records(ctx context.Context, version string) (*RecordSet, datatypes.Provenance, error) {
	value, prov, err := l.document(ctx, DatasetRecords, version, func(data []byte) (any, error) {
		var doc RecordSet
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return &doc, nil
	})
	if err != nil {
		return nil, prov, err
	}
	return value.(*RecordSet), prov, nil
}

// EmbeddingIndex returns the published embedding index document.
func (l *Loader) EmbeddingIndex(ctx context.Context) (*EmbeddingIndexDoc, datatypes.Provenance, error) {
	value, prov, err := l.document(ctx, DatasetEmbeddings, VersionLatest, func(data []byte) (any, error) {
		var doc EmbeddingIndexDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return &doc, nil
	})
	if err != nil {
		return nil, prov, err
	}
	return value.(*EmbeddingIndexDoc), prov, nil
}

// CouncillorRoster returns the published councillor roster.
func (l *Loader) CouncillorRoster(ctx context.Context) (*Roster, datatypes.Provenance, error) {
	value, prov, err := l.document(ctx, DatasetCouncillors, VersionLatest, func(data []byte) (any, error) {
		var doc Roster
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return &doc, nil
	})
	if err != nil {
		return nil, prov, err
	}
	return value.(*Roster), prov, nil
}

// =============================================================================
// Core Load Path
// =============================================================================

// document loads one dataset document through cache, remote and mirror.
func (l *Loader) document(ctx context.Context, dataset, version string, decode func([]byte) (any, error)) (any, datatypes.Provenance, error) {
	tracer := otel.Tracer(loaderTracerName)
	ctx, span := tracer.Start(ctx, "civicdata.document")
	defer span.End()
	span.SetAttributes(
		attribute.String("dataset", dataset),
		attribute.String("version", version),
	)

	key := dataset + "/" + version
	now := l.now()

	l.mu.Lock()
	if entry, ok := l.cache[key]; ok && now.Sub(entry.fetchedAt) < l.documentTTL {
		l.mu.Unlock()
		span.SetAttributes(attribute.String("source", "cache"))
		documentFetches.WithLabelValues(dataset, "cache").Inc()
		return entry.value, entry.prov, nil
	}
	l.mu.Unlock()

	endpoint := l.host + "/" + dataset

	value, remoteErr := l.fetchRemote(ctx, dataset, version, decode)
	if remoteErr == nil {
		prov := datatypes.Provenance{
			Source:       datatypes.SourceRemote,
			CircuitState: string(l.breaker.CircuitState(endpoint)),
		}
		l.mu.Lock()
		l.cache[key] = cacheEntry{value: value, prov: prov, fetchedAt: now}
		l.mu.Unlock()
		span.SetAttributes(attribute.String("source", datatypes.SourceRemote))
		documentFetches.WithLabelValues(dataset, datatypes.SourceRemote).Inc()
		return value, prov, nil
	}

	value, mirrorErr := l.readMirror(dataset, version, decode)
	if mirrorErr == nil {
		prov := datatypes.Provenance{
			Source:       datatypes.SourceLocalFallback,
			CircuitState: string(l.breaker.CircuitState(endpoint)),
		}
		slog.Debug("serving document from mirror",
			slog.String("dataset", dataset),
			slog.String("version", version),
			slog.String("remote_error", remoteErr.Error()),
		)
		span.SetAttributes(attribute.String("source", datatypes.SourceLocalFallback))
		documentFetches.WithLabelValues(dataset, datatypes.SourceLocalFallback).Inc()
		return value, prov, nil
	}

	documentFetches.WithLabelValues(dataset, "error").Inc()
	err := fmt.Errorf("civicdata: %s/%s unavailable: remote: %v; mirror: %v", dataset, version, remoteErr, mirrorErr)
	span.SetStatus(codes.Error, err.Error())
	return nil, datatypes.Provenance{
		Source:       datatypes.SourceLocalFallback,
		CircuitState: string(l.breaker.CircuitState(endpoint)),
	}, err
}

// fetchRemote attempts the circuit-guarded remote fetch.
func (l *Loader) fetchRemote(ctx context.Context, dataset, version string, decode func([]byte) (any, error)) (any, error) {
	endpoint := l.host + "/" + dataset

	allowed, state := l.breaker.Allow(endpoint)
	if !allowed {
		return nil, fmt.Errorf("circuit %s for %s", state, endpoint)
	}

	start := l.now()
	value, err := l.doFetch(ctx, dataset, version, decode)
	remoteFetchDuration.WithLabelValues(dataset).Observe(l.now().Sub(start).Seconds())

	if err != nil {
		l.breaker.ReportFailure(endpoint, err)
		return nil, err
	}
	l.breaker.ReportSuccess(endpoint)
	return value, nil
}

// doFetch performs the HTTP GET and decode.
func (l *Loader) doFetch(ctx context.Context, dataset, version string, decode func([]byte) (any, error)) (any, error) {
	docURL := fmt.Sprintf("%s/%s/%s.json", l.baseURL, dataset, version)

	req, err := http.NewRequestWithContext(ctx, "GET", docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", docURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", docURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", docURL, err)
	}

	value, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", docURL, err)
	}
	return value, nil
}

// readMirror reads the local fallback copy of a document.
func (l *Loader) readMirror(dataset, version string, decode func([]byte) (any, error)) (any, error) {
	path := filepath.Join(l.mirrorDir, dataset, version+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	value, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return value, nil
}

// =============================================================================
// Invalidation
// =============================================================================

// Invalidate drops one cached document.
func (l *Loader) Invalidate(dataset, version string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, dataset+"/"+version)
}

// InvalidateAll drops the whole document cache.
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cacheEntry)
}

// =============================================================================
// Warmup
// =============================================================================

// Warmup pre-fetches the documents the pipeline needs on the first
// request: trends, the latest record set and the councillor roster.
//
// Description:
//
//	Fetches run concurrently; the first error aborts the group. The
//	embedding index is left to lazy loading since semantic search may be
//	disabled entirely.
func (l *Loader) Warmup(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		_, _, err := l.Trends(ctx)
		return err
	})
	group.Go(func() error {
		_, _, err := l.LatestRecords(ctx)
		return err
	})
	group.Go(func() error {
		_, _, err := l.CouncillorRoster(ctx)
		return err
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("civicdata: warmup: %w", err)
	}
	return nil
}
