// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package answers exposes the civic question pipeline over HTTP: the
// /v1/ask endpoint, read-only diagnostics, and health/readiness probes.
// Service wires the per-concern packages (loader, glossary, tools, rag,
// web lookup, orchestrator) into one dependency graph; the handlers in
// this package are thin adapters from gin requests onto that graph.
package answers

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WardlightCivic/Wardlight/services/answers/civicdata"
	"github.com/WardlightCivic/Wardlight/services/answers/config"
	"github.com/WardlightCivic/Wardlight/services/answers/entities"
	"github.com/WardlightCivic/Wardlight/services/answers/glossary"
	"github.com/WardlightCivic/Wardlight/services/answers/orchestrator"
	"github.com/WardlightCivic/Wardlight/services/answers/rag"
	"github.com/WardlightCivic/Wardlight/services/answers/ratelimit"
	"github.com/WardlightCivic/Wardlight/services/answers/tools"
	"github.com/WardlightCivic/Wardlight/services/answers/weblookup"
	"github.com/WardlightCivic/Wardlight/services/llm"
)

// =============================================================================
// Service
// =============================================================================

// Clients carries the externally constructed dependencies.
//
// Description:
//
//	The LLM role clients come from the llm.Factory in main so that secret
//	handling stays outside this package. Nil clients disable their stage:
//	a nil RouterChat skips tool classification, a nil ExtractorChat keeps
//	extraction on its mechanical patterns, a nil Embedder disables
//	semantic search. WebCache is the optional Badger-backed page cache;
//	nil means web lookups always fetch.
type Clients struct {
	RouterChat    llm.ChatClient
	ExtractorChat llm.ChatClient
	Embedder      llm.Embedder
	WebCache      *weblookup.PageCache
}

// Service owns the answer pipeline and its admission state.
//
// Thread Safety: Safe for concurrent use after NewService. The ready
// flag is the only field mutated post-construction.
type Service struct {
	cfg *config.Config

	limiter *ratelimit.Limiter
	loader  *civicdata.Loader
	watcher *civicdata.MirrorWatcher
	web     *weblookup.Client
	orch    *orchestrator.Orchestrator

	ready atomic.Bool
}

// NewService builds the full pipeline from configuration.
//
// Description:
//
//	Construction order follows the dependency graph: breaker, loader and
//	glossary first, then the tool router/executor, extractor, searcher
//	and web client, and finally the orchestrator that sequences them.
//	The mirror watcher is best-effort; a mirror directory that cannot be
//	watched degrades to TTL-only cache invalidation.
//
// Inputs:
//   - cfg: Validated service configuration.
//   - clients: LLM role clients and the optional web page cache.
//
// Outputs:
//   - *Service: Ready for Start.
//   - error: Non-nil if any component cannot be constructed.
func NewService(cfg *config.Config, clients Clients) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("answers: config is required")
	}

	breaker := civicdata.NewBreaker(cfg.Breaker)
	loader, err := civicdata.NewLoader(cfg.Data, breaker)
	if err != nil {
		return nil, fmt.Errorf("answers: data loader: %w", err)
	}

	gloss, err := glossary.Load()
	if err != nil {
		return nil, fmt.Errorf("answers: glossary: %w", err)
	}

	router, err := tools.NewRouter(cfg.Router, clients.RouterChat)
	if err != nil {
		return nil, fmt.Errorf("answers: tool router: %w", err)
	}

	web := weblookup.NewClient(cfg.Web, clients.WebCache)

	executor, err := tools.NewExecutor(loader, gloss, web)
	if err != nil {
		return nil, fmt.Errorf("answers: tool executor: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Router:    router,
		Executor:  executor,
		Extractor: entities.NewExtractor(clients.ExtractorChat),
		Glossary:  gloss,
		Searcher:  rag.NewSearcher(cfg.RAG, loader, clients.Embedder),
		Loader:    loader,
		Web:       web,
	})
	if err != nil {
		return nil, fmt.Errorf("answers: orchestrator: %w", err)
	}

	watcher, err := civicdata.NewMirrorWatcher(cfg.Data.MirrorDir, loader)
	if err != nil {
		slog.Warn("mirror watcher unavailable, cache invalidation is TTL-only",
			slog.String("mirror_dir", cfg.Data.MirrorDir),
			slog.String("error", err.Error()),
		)
		watcher = nil
	}

	return &Service{
		cfg:     cfg,
		limiter: ratelimit.New(cfg.RateLimit),
		loader:  loader,
		watcher: watcher,
		web:     web,
		orch:    orch,
	}, nil
}

// Start launches the background loops: the rate limiter janitor, the
// mirror watcher and the warmup prefetch. All exit when ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	go s.limiter.Start(ctx)
	if s.watcher != nil {
		go s.watcher.Start(ctx)
	}
	go s.warm(ctx)
}

// Ready reports whether warmup has finished. The readiness probe and the
// ask guard middleware both key off this.
func (s *Service) Ready() bool { return s.ready.Load() }

// warm prefetches the documents every request path touches: the trend
// summary, the latest councillor roster and the embedding index.
//
// Description:
//
//	Prefetches run in a bounded errgroup so a cold boot does not fan all
//	fetches out at once against the remote. Warmup failure is not fatal;
//	the loader retries on demand and falls back to the mirror, so the
//	service is marked ready either way once the attempts finish.
func (s *Service) warm(ctx context.Context) {
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(2)

	g.Go(func() error {
		if _, _, err := s.loader.Trends(ctx); err != nil {
			return fmt.Errorf("trend summary: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, _, err := s.loader.CouncillorRoster(ctx); err != nil {
			return fmt.Errorf("councillor roster: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, _, err := s.loader.EmbeddingIndex(ctx); err != nil {
			return fmt.Errorf("embedding index: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Warn("warmup finished with errors",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
	} else {
		slog.Info("warmup complete", slog.Duration("elapsed", time.Since(start)))
	}
	s.ready.Store(true)
}
