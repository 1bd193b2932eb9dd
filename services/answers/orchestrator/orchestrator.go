// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator walks one inbound question through the
// retrieval cascade and hands back a grounded retrieval context.
//
// Description:
//
//	Five stages run in order, each terminal on success: LLM tool
//	routing, the glossary heuristic, exact record lookup,
//	entity-filtered record search with year fallback, and semantic
//	embedding search. A trailing-window aggregate overlay then
//	decorates whatever the cascade produced. Every dead end maps to a
//	fail-closed no-answer context; no stage fabricates data.
//
// Thread Safety: Orchestrator holds no per-request state; safe for
// concurrent use once constructed.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/WardlightCivic/Wardlight/services/answers/civicdata"
	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
	"github.com/WardlightCivic/Wardlight/services/answers/entities"
	"github.com/WardlightCivic/Wardlight/services/answers/glossary"
	"github.com/WardlightCivic/Wardlight/services/answers/rag"
	"github.com/WardlightCivic/Wardlight/services/answers/tools"
	"github.com/WardlightCivic/Wardlight/services/answers/weblookup"
)

const orchestratorTracerName = "wardlight-answers/orchestrator"

// maxFilteredRecords caps how many matched records the filtered-search
// stage carries into the context.
const maxFilteredRecords = 8

// =============================================================================
// Metrics
// =============================================================================

var (
	cascadeTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wardlight",
		Subsystem: "ask",
		Name:      "cascade_terminal_total",
		Help:      "Terminal cascade results by stage and outcome.",
	}, []string{"stage", "outcome"})

	resolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wardlight",
		Subsystem: "ask",
		Name:      "resolve_duration_seconds",
		Help:      "End-to-end cascade resolution time.",
		Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 20},
	})
)

// =============================================================================
// Construction
// =============================================================================

// Question is one inbound ask with its conversation context.
type Question struct {
	Text           string
	ConversationID string
	History        []datatypes.Message
}

// Deps are the orchestrator's collaborators. All fields except Web are
// required; a nil Web disables web fallbacks and enrichment.
type Deps struct {
	Router    *tools.Router
	Executor  *tools.Executor
	Extractor *entities.Extractor
	Glossary  *glossary.Glossary
	Searcher  *rag.Searcher
	Loader    *civicdata.Loader
	Web       *weblookup.Client
}

// Orchestrator resolves questions against the civic record corpus.
type Orchestrator struct {
	router    *tools.Router
	executor  *tools.Executor
	extractor *entities.Extractor
	gloss     *glossary.Glossary
	searcher  *rag.Searcher
	loader    *civicdata.Loader
	web       *weblookup.Client

	now func() time.Time
}

// New validates the dependency set and builds an Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Router == nil:
		return nil, fmt.Errorf("orchestrator: router is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("orchestrator: executor is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("orchestrator: entity extractor is required")
	case deps.Glossary == nil:
		return nil, fmt.Errorf("orchestrator: glossary is required")
	case deps.Searcher == nil:
		return nil, fmt.Errorf("orchestrator: searcher is required")
	case deps.Loader == nil:
		return nil, fmt.Errorf("orchestrator: loader is required")
	}
	return &Orchestrator{
		router:    deps.Router,
		executor:  deps.Executor,
		extractor: deps.Extractor,
		gloss:     deps.Glossary,
		searcher:  deps.Searcher,
		loader:    deps.Loader,
		web:       deps.Web,
		now:       time.Now,
	}, nil
}

// =============================================================================
// Cascade
// =============================================================================

// stage is one cascade step. A nil context means "no claim, fall
// through"; a non-nil context is terminal, whether answered or
// fail-closed.
type stage struct {
	name string
	run  func(ctx context.Context, q Question) *datatypes.RetrievalContext
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{"tool_route", o.stageToolRoute},
		{"glossary", o.stageGlossary},
		{"exact_record", o.stageExactRecord},
		{"filtered_search", o.stageFilteredSearch},
		{"semantic", o.stageSemantic},
	}
}

// Resolve walks the cascade for one question and returns the terminal
// retrieval context.
//
// Description:
//
//	Stages run strictly in order and the first non-nil result wins.
//	The semantic stage always terminates the walk, answering or
//	failing closed, so callers always receive a context. The
//	trailing-window aggregate overlay is applied to successful
//	contexts after the cascade settles.
//
// Inputs:
//   - ctx: Request-scoped context; its deadline is the only
//     cancellation signal. A stage in flight when it fires abandons
//     its result.
//   - q: The question, its conversation ID and prior turns.
//
// Outputs:
//   - *datatypes.RetrievalContext: Never nil.
func (o *Orchestrator) Resolve(ctx context.Context, q Question) *datatypes.RetrievalContext {
	ctx, span := otel.Tracer(orchestratorTracerName).Start(ctx, "orchestrator.resolve")
	defer span.End()
	timer := prometheus.NewTimer(resolveDuration)
	defer timer.ObserveDuration()

	rc, terminal := o.cascade(ctx, q)
	o.applyOverlay(ctx, q, rc)

	outcome := "answered"
	if rc.NoAnswer {
		outcome = "no_answer"
		span.SetAttributes(attribute.String("failure_reason", rc.FailureReason))
	}
	cascadeTerminal.WithLabelValues(terminal, outcome).Inc()
	span.SetAttributes(
		attribute.String("terminal_stage", terminal),
		attribute.String("outcome", outcome),
	)
	return rc
}

func (o *Orchestrator) cascade(ctx context.Context, q Question) (*datatypes.RetrievalContext, string) {
	for _, st := range o.stages() {
		if err := ctx.Err(); err != nil {
			return datatypes.NoAnswerContext(datatypes.ReasonProviderUnavailable,
				"request cancelled: "+err.Error()), st.name
		}
		stageCtx, stageSpan := otel.Tracer(orchestratorTracerName).Start(ctx, "orchestrator."+st.name)
		rc := st.run(stageCtx, q)
		stageSpan.End()
		if rc != nil {
			return rc, st.name
		}
	}
	// The semantic stage is always terminal; this is a compile-time
	// backstop, not a reachable path.
	return datatypes.NoAnswerContext(datatypes.ReasonProviderUnavailable,
		"no retrieval stage produced a result"), "none"
}

// =============================================================================
// Stage 1: tool routing
// =============================================================================

func (o *Orchestrator) stageToolRoute(ctx context.Context, q Question) *datatypes.RetrievalContext {
	call, ok := o.router.Route(ctx, q.Text)
	if !ok {
		return nil
	}
	rc, err := o.executor.Execute(ctx, call, q.ConversationID)
	if err != nil {
		slog.Info("routed tool failed, falling through",
			slog.String("tool", call.Tool),
			slog.String("error", err.Error()))
		return nil
	}
	return rc
}

// =============================================================================
// Stage 2: glossary heuristic
// =============================================================================

// stageGlossary answers definition-shaped questions straight from the
// glossary. Misses fall through: a definition question about a term we
// do not define may still be answerable by search.
func (o *Orchestrator) stageGlossary(ctx context.Context, q Question) *datatypes.RetrievalContext {
	term, ok := glossary.DefinitionTerm(q.Text)
	if !ok {
		return nil
	}
	entry, ok := o.gloss.Lookup(term)
	if !ok {
		slog.Debug("definition question without glossary entry", slog.String("term", term))
		return nil
	}
	return &datatypes.RetrievalContext{
		Tool: &datatypes.ToolResult{
			Tool:       tools.ToolGlossary,
			Dataset:    "glossary",
			Term:       entry.Term,
			Definition: entry.Definition,
			Source:     datatypes.TierGlossary,
			Sources:    []string{entry.Source},
		},
		Sources:       []string{entry.Source},
		RetrievalType: datatypes.RetrievalTool,
		Tier:          datatypes.TierGlossary,
	}
}

// =============================================================================
// Stage 5: semantic embedding search
// =============================================================================

func (o *Orchestrator) stageSemantic(ctx context.Context, q Question) *datatypes.RetrievalContext {
	query := rag.AugmentQuery(q.Text, q.History)
	result := o.searcher.Search(ctx, query)
	if result.Failed() {
		if extract := o.tryWeb(ctx, q.ConversationID, q.Text, ""); extract != nil {
			return webContext(extract)
		}
		return datatypes.NoAnswerContext(result.FailureReason, result.FailureDetail)
	}

	blocks := make([]string, 0, len(result.Hits))
	sources := make([]string, 0, len(result.Hits))
	var types []string
	seen := make(map[string]bool)
	for _, hit := range result.Hits {
		blocks = append(blocks, hit.Text)
		if hit.Metadata.Source != "" {
			sources = append(sources, hit.Metadata.Source)
		}
		if t := hit.Metadata.Type; t != "" && !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	return &datatypes.RetrievalContext{
		Data:          strings.Join(blocks, "\n\n"),
		Sources:       sources,
		DataTypes:     types,
		RetrievalType: datatypes.RetrievalRAG,
		RAGStrategy:   datatypes.StrategyEmbeddings,
		Tier:          datatypes.TierEmbeddings,
	}
}

// =============================================================================
// Web fallback
// =============================================================================

// tryWeb performs a budgeted web lookup and swallows every failure.
// Web retrieval is a best-effort garnish on the cascade, never a
// reason to error out of it.
func (o *Orchestrator) tryWeb(ctx context.Context, conversationID, query, targetURL string) *weblookup.Extract {
	if o.web == nil {
		return nil
	}
	extract, err := o.web.Lookup(ctx, conversationID, query, targetURL)
	if err != nil {
		slog.Debug("web fallback unavailable",
			slog.String("reason", weblookup.FailureReason(err)),
			slog.String("error", err.Error()))
		return nil
	}
	return extract
}

func webContext(extract *weblookup.Extract) *datatypes.RetrievalContext {
	return &datatypes.RetrievalContext{
		Data:          extract.Text,
		Sources:       []string{extract.URL},
		RetrievalType: datatypes.RetrievalRAG,
		Tier:          datatypes.TierWeb,
	}
}

// joinBlocks glues two text blocks with a blank line, tolerating
// either side being empty.
func joinBlocks(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}
