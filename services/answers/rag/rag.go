// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rag scores questions against the precomputed embedding index.
// The index is published as a versioned document and loaded through the
// resilient civicdata loader; this package adds query embedding with
// retries, cosine scoring and thresholding on top.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WardlightCivic/Wardlight/services/answers/civicdata"
	"github.com/WardlightCivic/Wardlight/services/answers/config"
	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
	"github.com/WardlightCivic/Wardlight/services/llm"
)

const ragTracerName = "wardlight-answers/rag"

// =============================================================================
// Metrics
// =============================================================================

// Semantic search metrics.
//
// wardlight_rag_searches_total: outcome = hit | no_hits | index_missing |
// embed_failed | provider_missing.
// wardlight_rag_search_duration_seconds: end-to-end search latency.
// wardlight_rag_index_chunks: chunk count of the currently cached index.
var (
	ragSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardlight",
			Subsystem: "rag",
			Name:      "searches_total",
			Help:      "Semantic searches by outcome.",
		},
		[]string{"outcome"},
	)
	ragSearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "wardlight",
			Subsystem: "rag",
			Name:      "search_duration_seconds",
			Help:      "End-to-end semantic search latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
	ragIndexChunks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wardlight",
			Subsystem: "rag",
			Name:      "index_chunks",
			Help:      "Chunks in the cached embedding index.",
		},
	)
)

// =============================================================================
// Types
// =============================================================================

// Hit is one chunk that cleared the similarity threshold.
type Hit struct {
	Text     string                  `json:"text"`
	Score    float64                 `json:"score"`
	Metadata civicdata.ChunkMetadata `json:"metadata"`
}

// Result is the outcome of one semantic search.
//
// Description:
//
//	Hits is non-empty exactly when FailureReason is empty. MaxScore is
//	the best score observed even when nothing cleared the threshold,
//	kept for diagnosis of near-misses.
type Result struct {
	Hits          []Hit
	FailureReason string
	FailureDetail string
	MaxScore      float64
}

// Failed reports whether the search produced no usable hits.
func (r Result) Failed() bool { return r.FailureReason != "" }

// preparedIndex is the loaded index with unit-normalized vectors, so
// scoring reduces to a dot product.
type preparedIndex struct {
	chunks   []civicdata.EmbeddingChunk
	dims     int
	model    string
	loadedAt time.Time
}

// Searcher owns the cached index and runs scored lookups against it.
//
// Thread Safety: safe for concurrent use. The index cache is mutex
// guarded; a stale double-load is acceptable since entries are
// idempotent.
type Searcher struct {
	loader   *civicdata.Loader
	embedder llm.Embedder
	cfg      config.RAGConfig

	mu     sync.Mutex
	cached *preparedIndex

	now   func() time.Time
	sleep func(time.Duration)
}

// NewSearcher wires a searcher. A nil embedder is tolerated; every
// search then fails typed with provider_unavailable.
func NewSearcher(cfg config.RAGConfig, loader *civicdata.Loader, embedder llm.Embedder) *Searcher {
	return &Searcher{
		loader:   loader,
		embedder: embedder,
		cfg:      cfg,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// =============================================================================
// Search
// =============================================================================

// Search embeds the query and returns the top-k chunks above the
// similarity floor, best first.
//
// Description:
//
//	Failures are typed, never returned as Go errors: a missing or empty
//	index, a query embedding that keeps failing after its retry budget,
//	and a best score under the floor each produce a distinct
//	FailureReason so the orchestrator can report exactly why the
//	embeddings stage had nothing to say.
//
// Outputs:
//   - Result: Hits in strictly descending score order, capped at TopK.
func (s *Searcher) Search(ctx context.Context, query string) Result {
	start := s.now()
	ctx, span := otel.Tracer(ragTracerName).Start(ctx, "rag.search")
	defer span.End()
	span.SetAttributes(attribute.Int("query_length", len(query)))

	result := s.search(ctx, query)

	outcome := "hit"
	if result.Failed() {
		switch result.FailureReason {
		case datatypes.ReasonRAGIndexMissing:
			outcome = "index_missing"
		case datatypes.ReasonEmbeddingLookupFailed:
			outcome = "embed_failed"
		case datatypes.ReasonProviderUnavailable:
			outcome = "provider_missing"
		default:
			outcome = "no_hits"
		}
		span.SetStatus(codes.Error, result.FailureReason)
	}
	span.SetAttributes(
		attribute.Int("hits", len(result.Hits)),
		attribute.Float64("max_score", result.MaxScore),
	)
	ragSearches.WithLabelValues(outcome).Inc()
	ragSearchDuration.Observe(s.now().Sub(start).Seconds())
	return result
}

func (s *Searcher) search(ctx context.Context, query string) Result {
	if s.embedder == nil {
		return Result{
			FailureReason: datatypes.ReasonProviderUnavailable,
			FailureDetail: "no embedding provider configured",
		}
	}

	index, err := s.index(ctx)
	if err != nil {
		return Result{
			FailureReason: datatypes.ReasonRAGIndexMissing,
			FailureDetail: err.Error(),
		}
	}

	queryVec, err := s.embedQuery(ctx, query)
	if err != nil {
		return Result{
			FailureReason: datatypes.ReasonEmbeddingLookupFailed,
			FailureDetail: err.Error(),
		}
	}
	if len(queryVec) != index.dims {
		return Result{
			FailureReason: datatypes.ReasonEmbeddingLookupFailed,
			FailureDetail: fmt.Sprintf("query embedding has %d dims, index has %d", len(queryVec), index.dims),
		}
	}
	normalize(queryVec)

	hits := make([]Hit, 0, s.cfg.TopK)
	maxScore := 0.0
	for _, chunk := range index.chunks {
		score := dot(queryVec, chunk.Embedding)
		if score > maxScore {
			maxScore = score
		}
		if score >= s.cfg.MinSimilarity {
			hits = append(hits, Hit{Text: chunk.Text, Score: score, Metadata: chunk.Metadata})
		}
	}

	if len(hits) == 0 {
		slog.Info("semantic search produced no hits above threshold",
			slog.Float64("max_score", maxScore),
			slog.Float64("threshold", s.cfg.MinSimilarity),
			slog.Int("chunks", len(index.chunks)),
		)
		return Result{
			FailureReason: datatypes.ReasonNoEmbeddingsHits,
			FailureDetail: fmt.Sprintf("best score %.3f below threshold %.2f", maxScore, s.cfg.MinSimilarity),
			MaxScore:      maxScore,
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > s.cfg.TopK {
		hits = hits[:s.cfg.TopK]
	}
	return Result{Hits: hits, MaxScore: maxScore}
}

// embedQuery calls the embedder with linear-backoff retries. Only rate
// limits and server-side failures are retried; anything else fails fast.
func (s *Searcher) embedQuery(ctx context.Context, query string) ([]float32, error) {
	attempts := s.cfg.EmbedRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		vec, err := s.embedder.Embed(ctx, query)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		if !llm.IsRetryable(err) || attempt == attempts {
			break
		}
		slog.Debug("query embedding failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		s.sleep(s.cfg.RetryBase.Std() * time.Duration(attempt))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// =============================================================================
// Index cache
// =============================================================================

// index returns the prepared index, reloading through the resilient
// loader when the cached copy is older than the index TTL.
func (s *Searcher) index(ctx context.Context) (*preparedIndex, error) {
	s.mu.Lock()
	cached := s.cached
	s.mu.Unlock()

	if cached != nil && s.now().Sub(cached.loadedAt) < s.cfg.IndexTTL.Std() {
		return cached, nil
	}

	doc, prov, err := s.loader.EmbeddingIndex(ctx)
	if err != nil {
		// A stale index beats no index.
		if cached != nil {
			slog.Warn("embedding index reload failed, keeping stale copy",
				slog.String("error", err.Error()),
			)
			return cached, nil
		}
		return nil, err
	}
	if len(doc.Chunks) == 0 {
		return nil, fmt.Errorf("rag: embedding index has no chunks")
	}

	prepared := prepare(doc, s.now())
	if len(prepared.chunks) == 0 {
		return nil, fmt.Errorf("rag: no index chunk matches declared dims %d", doc.Dims)
	}

	s.mu.Lock()
	s.cached = prepared
	s.mu.Unlock()

	ragIndexChunks.Set(float64(len(prepared.chunks)))
	slog.Info("embedding index loaded",
		slog.Int("chunks", len(prepared.chunks)),
		slog.String("model", prepared.model),
		slog.Int("dims", prepared.dims),
		slog.String("source", prov.Source),
	)
	return prepared, nil
}

// prepare copies the document chunks with unit-normalized vectors.
// Chunks whose vector length disagrees with the declared dims are
// dropped rather than mis-scored.
func prepare(doc *civicdata.EmbeddingIndexDoc, loadedAt time.Time) *preparedIndex {
	chunks := make([]civicdata.EmbeddingChunk, 0, len(doc.Chunks))
	dropped := 0
	for _, chunk := range doc.Chunks {
		if len(chunk.Embedding) != doc.Dims {
			dropped++
			continue
		}
		vec := make([]float32, len(chunk.Embedding))
		copy(vec, chunk.Embedding)
		normalize(vec)
		chunk.Embedding = vec
		chunks = append(chunks, chunk)
	}
	if dropped > 0 {
		slog.Warn("embedding index chunks dropped for dim mismatch",
			slog.Int("dropped", dropped),
			slog.Int("expected_dims", doc.Dims),
		)
	}
	return &preparedIndex{
		chunks:   chunks,
		dims:     doc.Dims,
		model:    doc.Model,
		loadedAt: loadedAt,
	}
}

// Invalidate drops the cached index ahead of its TTL.
func (s *Searcher) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// =============================================================================
// Query augmentation
// =============================================================================

// maxAugmentedLength bounds the augmented query handed to the embedder.
const maxAugmentedLength = 400

// AugmentQuery prefixes the question with the most recent user turns so
// follow-ups like "and in 2023?" embed with their antecedent. At most
// two prior user turns are used and the total is length-bounded,
// dropping oldest context first.
func AugmentQuery(question string, history []datatypes.Message) string {
	var prior []string
	for i := len(history) - 1; i >= 0 && len(prior) < 2; i-- {
		if history[i].Role != datatypes.RoleUser {
			continue
		}
		turn := strings.TrimSpace(history[i].Content)
		if turn == "" || turn == strings.TrimSpace(question) {
			continue
		}
		prior = append([]string{turn}, prior...)
	}

	augmented := question
	for len(prior) > 0 {
		candidate := strings.Join(prior, "\n") + "\n" + question
		if len(candidate) <= maxAugmentedLength {
			augmented = candidate
			break
		}
		prior = prior[1:]
	}
	return augmented
}

// =============================================================================
// Vector math
// =============================================================================

// normalize scales vec to unit length in place. Zero vectors are left
// alone; they score zero against everything.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

// dot computes the inner product of two equal-length unit vectors,
// which is their cosine similarity.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
