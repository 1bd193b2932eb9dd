// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the shared domain types passed between the
// Wardlight Answers pipeline stages. It has no behavior beyond small
// accessors and must stay dependency-free so every layer can import it.
package datatypes

// =============================================================================
// Conversation
// =============================================================================

// Message roles accepted in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// =============================================================================
// Entity Filter
// =============================================================================

// EntityFilter carries the structured constraints extracted from a question.
//
// Description:
//
//	Zero values mean "unconstrained". The filter is populated only by the
//	extraction and canonicalization steps and is never persisted; it lives
//	for the duration of one request.
type EntityFilter struct {
	// Ward is the ward number, 1-99. Zero means no ward constraint.
	Ward int `json:"ward,omitempty"`

	// Year is a four-digit year, 2000-2100. Zero means no year constraint.
	Year int `json:"year,omitempty"`

	// Category constrains budget/program category (e.g. "transit").
	Category string `json:"category,omitempty"`

	// Program constrains a named program or service.
	Program string `json:"program,omitempty"`

	// Councillor is a member name, canonicalized against the roster when
	// possible. An unresolvable name is kept verbatim.
	Councillor string `json:"councillor,omitempty"`

	// Keyword is a free-text term to match against record titles/summaries.
	Keyword string `json:"keyword,omitempty"`

	// Lobbyist marks questions about lobbyist registry activity.
	Lobbyist bool `json:"lobbyist,omitempty"`

	// CouncilRelated is the coarse signal that the question concerns
	// council proceedings (motions, votes, members).
	CouncilRelated bool `json:"council_related,omitempty"`
}

// HasConcreteFilter reports whether the filter constrains the record set in
// any dimension usable by the filtered-search stage.
func (f EntityFilter) HasConcreteFilter() bool {
	return f.Ward != 0 || f.Year != 0 || f.Category != "" || f.Program != "" ||
		f.Councillor != "" || f.Keyword != "" || f.Lobbyist
}

// =============================================================================
// Data tiers and provenance
// =============================================================================

// Data tiers recorded on results and used for completeness labelling.
const (
	TierTrend      = "trend"
	TierProcessed  = "processed"
	TierCKAN       = "ckan"
	TierGlossary   = "glossary"
	TierEmbeddings = "embeddings"
	TierWeb        = "web"
	TierExternal   = "external"
)

// Document origins reported by the resilient loader.
const (
	SourceRemote        = "remote"
	SourceLocalFallback = "local_fallback"
)

// Provenance describes where a loaded document came from and the state of
// the circuit guarding its endpoint at fetch time.
type Provenance struct {
	Source       string `json:"source"`
	CircuitState string `json:"circuit_state"`
}

// =============================================================================
// Tool results
// =============================================================================

// RankEntry is one row of a ranking result, ordered by descending value.
type RankEntry struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// YearValue is one year's metric in a multi-year comparison.
type YearValue struct {
	Year  int     `json:"year"`
	Value float64 `json:"value"`
}

// ToolResult is the outcome of executing one validated tool call.
//
// Description:
//
//	Result fields are populated per tool: Value for scalar metrics
//	(count, sum, balance), Comparison for compare_years, Ranking for
//	top_k, Record for motion lookups, Definition for glossary hits and
//	Excerpt for web lookups. Source records the data tier that satisfied
//	the call and drives completeness labelling downstream.
type ToolResult struct {
	Tool    string `json:"tool"`
	Dataset string `json:"dataset"`

	Value      float64     `json:"value,omitempty"`
	Count      int         `json:"count,omitempty"`
	Comparison []YearValue `json:"comparison,omitempty"`
	Metric     string      `json:"metric,omitempty"`
	Ranking    []RankEntry `json:"ranking,omitempty"`
	GroupBy    string      `json:"group_by,omitempty"`
	Revenue    float64     `json:"revenue,omitempty"`
	Spend      float64     `json:"spend,omitempty"`
	Record     *CivicRecord `json:"record,omitempty"`
	Definition string      `json:"definition,omitempty"`
	Term       string      `json:"term,omitempty"`
	Excerpt    string      `json:"excerpt,omitempty"`

	// Source is the satisfying tier: trend, processed, glossary or web.
	Source string `json:"source"`

	// Year and Years record which years the computation covered.
	// UsedLatest marks that the year was resolved implicitly.
	Year       int   `json:"year,omitempty"`
	Years      []int `json:"years,omitempty"`
	UsedLatest bool  `json:"used_latest,omitempty"`

	Filters EntityFilter `json:"filters,omitzero"`
	Sources []string     `json:"sources,omitempty"`
}

// =============================================================================
// Civic records
// =============================================================================

// CivicRecord is one row of a processed per-year dataset: a budget line,
// motion, vote, contract or lobbyist registration.
type CivicRecord struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Year       int     `json:"year"`
	Ward       int     `json:"ward,omitempty"`
	Category   string  `json:"category,omitempty"`
	Program    string  `json:"program,omitempty"`
	Councillor string  `json:"councillor,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
	Title      string  `json:"title"`
	Summary    string  `json:"summary,omitempty"`
	Outcome    string  `json:"outcome,omitempty"`
	Source     string  `json:"source,omitempty"`
	Lobbyist   bool    `json:"lobbyist,omitempty"`
}

// Record types found in processed datasets.
const (
	RecordTypeBudgetLine = "budget_line"
	RecordTypeMotion     = "motion"
	RecordTypeVote       = "vote"
	RecordTypeContract   = "contract"
	RecordTypeLobbying   = "lobbying"
)

// Motion outcomes. Lost and withdrawn motions count as failed outcomes for
// the "why" enrichment path.
const (
	OutcomeCarried   = "carried"
	OutcomeLost      = "lost"
	OutcomeReferred  = "referred"
	OutcomeWithdrawn = "withdrawn"
)

// FailedOutcome reports whether a motion outcome is a failure.
func FailedOutcome(outcome string) bool {
	return outcome == OutcomeLost || outcome == OutcomeWithdrawn
}

// =============================================================================
// Retrieval context
// =============================================================================

// Retrieval types distinguishing how a context was produced.
const (
	RetrievalTool = "tool"
	RetrievalRAG  = "rag"
)

// RAG strategies within retrieval type "rag".
const (
	StrategyFilters    = "filters"
	StrategyEmbeddings = "embeddings"
)

// RetrievalContext is the unit handed to the response envelope builder.
//
// Description:
//
//	Exactly one of {Tool, Data+Sources, NoAnswer} is populated by the
//	orchestrator. A populated Data field always travels with at least one
//	source reference; embedding retrieval satisfies this by attaching each
//	chunk's own source. Year fallback metadata rides along when the
//	filtered-search stage answered from a different year than requested.
type RetrievalContext struct {
	Tool *ToolResult `json:"tool,omitempty"`

	Data      string   `json:"data,omitempty"`
	Sources   []string `json:"sources,omitempty"`
	DataTypes []string `json:"data_types,omitempty"`
	Year      int      `json:"year,omitempty"`

	RetrievalType string `json:"retrieval_type,omitempty"`
	RAGStrategy   string `json:"rag_strategy,omitempty"`

	// Tier is the data tier backing this context, used for completeness.
	Tier string `json:"tier,omitempty"`

	RequestedYear int  `json:"requested_year,omitempty"`
	ActualYear    int  `json:"actual_year,omitempty"`
	FellBack      bool `json:"fell_back,omitempty"`

	NoAnswer      bool   `json:"no_answer,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	FailureDetail string `json:"failure_detail,omitempty"`
}
