// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package envelope renders a retrieval context into the response
// envelope callers receive. Everything here is pure formatting: value
// compaction, sentence assembly, label pluralization and source
// de-duplication. No aggregation or retrieval decisions are made at
// this layer.
package envelope

import (
	"fmt"
	"strings"

	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
)

// SchemaVersion identifies the envelope wire format.
const SchemaVersion = 1

// Response types.
const (
	TypeMetric     = "metric"
	TypeComparison = "comparison"
	TypeRanking    = "ranking"
	TypeRecord     = "record"
	TypeDefinition = "definition"
	TypeRecords    = "records"
	TypePassage    = "passage"
	TypeNoAnswer   = "no_answer"
)

// Completeness labels, derived from the provenance tier that produced
// the answer.
const (
	CompletenessComplete = "complete"
	CompletenessPartial  = "partial"
	CompletenessPreview  = "preview"
)

// maxPassageSummary caps excerpt-style summaries. Full text stays
// available to callers through the sources.
const maxPassageSummary = 700

// Envelope is the typed answer returned for every question.
type Envelope struct {
	SchemaVersion int    `json:"schema_version"`
	ResponseType  string `json:"response_type"`

	// Summary is the human-readable answer sentence or passage.
	Summary string `json:"summary"`

	Structured *Structured `json:"structured,omitempty"`

	Completeness string   `json:"completeness"`
	Sources      []string `json:"sources"`

	NoAnswer      bool   `json:"no_answer,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Structured carries the machine-readable fields behind the summary.
type Structured struct {
	Tool *datatypes.ToolResult `json:"tool,omitempty"`

	DataTypes []string `json:"data_types,omitempty"`
	Tier      string   `json:"tier,omitempty"`
	Strategy  string   `json:"strategy,omitempty"`

	Year          int  `json:"year,omitempty"`
	RequestedYear int  `json:"requested_year,omitempty"`
	ActualYear    int  `json:"actual_year,omitempty"`
	FellBack      bool `json:"fell_back,omitempty"`
}

// Build renders one retrieval context into its envelope.
//
// Description:
//
//	Tool-typed contexts get a sentence assembled from the result's
//	typed fields. Search contexts carry their retrieved text as the
//	summary, prefixed with a year-fallback note when an older year
//	substituted for the requested one. Failed contexts become a
//	fail-closed no-answer envelope with a per-reason explanation.
//	Completeness derives from the satisfying tier alone.
//
// Thread Safety: pure function.
func Build(rc *datatypes.RetrievalContext) *Envelope {
	if rc == nil || rc.NoAnswer {
		return buildNoAnswer(rc)
	}
	if rc.Tool != nil {
		return buildTool(rc)
	}
	return buildRetrieved(rc)
}

func completenessFor(tier string) string {
	switch tier {
	case datatypes.TierTrend, datatypes.TierProcessed, datatypes.TierCKAN, datatypes.TierGlossary:
		return CompletenessComplete
	case datatypes.TierEmbeddings:
		return CompletenessPartial
	default:
		return CompletenessPreview
	}
}

// =============================================================================
// Tool results
// =============================================================================

func buildTool(rc *datatypes.RetrievalContext) *Envelope {
	result := rc.Tool
	responseType, summary := toolSummary(result, rc.DataTypes)
	// Tool stages leave Data empty; the orchestrator attaches web
	// enrichment and aggregate overlay text there.
	if extra := strings.TrimSpace(rc.Data); extra != "" {
		summary = summary + "\n\n" + capSummary(extra)
	}
	return &Envelope{
		SchemaVersion: SchemaVersion,
		ResponseType:  responseType,
		Summary:       summary,
		Structured: &Structured{
			Tool:      result,
			DataTypes: rc.DataTypes,
			Tier:      rc.Tier,
			Year:      rc.Year,
		},
		Completeness: completenessFor(rc.Tier),
		Sources:      dedupeSources(rc.Sources),
	}
}

// toolSummary picks the response type and assembles the answer sentence
// for one tool result.
func toolSummary(t *datatypes.ToolResult, dataTypes []string) (string, string) {
	switch {
	case t.Definition != "":
		return TypeDefinition, t.Definition
	case t.Record != nil:
		return TypeRecord, recordSentence(t.Record)
	case len(t.Comparison) > 0:
		return TypeComparison, comparisonSentence(t)
	case len(t.Ranking) > 0:
		return TypeRanking, rankingSentence(t)
	case t.Excerpt != "":
		return TypePassage, capSummary(t.Excerpt)
	case t.Revenue != 0 || t.Spend != 0:
		return TypeMetric, balanceSentence(t)
	case t.Count != 0 || isCountTool(t.Tool):
		return TypeMetric, countSentence(t, dataTypes)
	default:
		return TypeMetric, sumSentence(t)
	}
}

func isCountTool(tool string) bool { return tool == "count_records" }

func countSentence(t *datatypes.ToolResult, dataTypes []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %s %s", FormatCount(t.Count), recordLabel(dataTypes, t.Count))
	if clause := filterClause(t.Filters); clause != "" {
		b.WriteString(" " + clause)
	}
	fmt.Fprintf(&b, " in %d%s.", t.Year, latestNote(t.UsedLatest))
	return b.String()
}

func sumSentence(t *datatypes.ToolResult) string {
	subject := "spending"
	if t.Filters.Category != "" {
		subject = t.Filters.Category + " spending"
	} else if t.Filters.Program != "" {
		subject = fmt.Sprintf("spending on %s", t.Filters.Program)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Total %s", subject)
	if t.Filters.Ward != 0 {
		fmt.Fprintf(&b, " in Ward %d", t.Filters.Ward)
	}
	fmt.Fprintf(&b, " in %d%s: %s.", t.Year, latestNote(t.UsedLatest), CompactMoney(t.Value))
	return b.String()
}

func comparisonSentence(t *datatypes.ToolResult) string {
	metricName, renderValue := metricPresentation(t.Metric)

	parts := make([]string, 0, len(t.Comparison))
	for _, yv := range t.Comparison {
		parts = append(parts, fmt.Sprintf("%s in %d", renderValue(yv.Value), yv.Year))
	}
	sentence := metricName + " was " + strings.Join(parts, ", ")

	first := t.Comparison[0].Value
	last := t.Comparison[len(t.Comparison)-1].Value
	if first != 0 && first != last {
		direction := "up"
		delta := (last - first) / first
		if delta < 0 {
			direction = "down"
			delta = -delta
		}
		sentence += fmt.Sprintf(" (%s %s overall)", direction, FormatPercent(delta))
	}
	return sentence + "."
}

// metricPresentation maps a comparison metric to its display name and
// value renderer.
func metricPresentation(metric string) (string, func(float64) string) {
	switch metric {
	case "revenue":
		return "Total revenue", CompactMoney
	case "count":
		return "Record count", func(v float64) string { return FormatCount(int(v)) }
	default:
		return "Total spending", CompactMoney
	}
}

func rankingSentence(t *datatypes.ToolResult) string {
	noun := "groups"
	switch t.GroupBy {
	case "category":
		noun = "categories"
	case "ward":
		noun = "wards"
	case "program":
		noun = "programs"
	}

	parts := make([]string, 0, len(t.Ranking))
	for _, entry := range t.Ranking {
		parts = append(parts, fmt.Sprintf("%s (%s)", entry.Label, CompactMoney(entry.Value)))
	}
	return fmt.Sprintf("Top %d spending %s in %d%s: %s.",
		len(t.Ranking), noun, t.Year, latestNote(t.UsedLatest), strings.Join(parts, ", "))
}

func balanceSentence(t *datatypes.ToolResult) string {
	balance := t.Value
	label := "surplus"
	if balance < 0 {
		label = "deficit"
		balance = -balance
	}

	var share string
	if t.Revenue > 0 {
		share = fmt.Sprintf(" (%s of revenue)", FormatPercent(balance/t.Revenue))
	}
	if t.Value == 0 {
		return fmt.Sprintf("In %d%s revenue and spending both came to %s.",
			t.Year, latestNote(t.UsedLatest), CompactMoney(t.Revenue))
	}
	return fmt.Sprintf("In %d%s revenue was %s against %s spent, a %s of %s%s.",
		t.Year, latestNote(t.UsedLatest), CompactMoney(t.Revenue), CompactMoney(t.Spend),
		label, CompactMoney(balance), share)
}

// recordSentence renders one civic record as a sentence, by type.
func recordSentence(r *datatypes.CivicRecord) string {
	switch r.Type {
	case datatypes.RecordTypeMotion, datatypes.RecordTypeVote:
		var mover string
		if r.Councillor != "" {
			mover = fmt.Sprintf(", moved by %s,", r.Councillor)
		}
		return fmt.Sprintf("%s %q%s %s in %d.", r.ID, r.Title, mover, outcomePhrase(r.Outcome), r.Year)
	case datatypes.RecordTypeBudgetLine, datatypes.RecordTypeContract:
		var ward string
		if r.Ward != 0 {
			ward = fmt.Sprintf(" (Ward %d)", r.Ward)
		}
		return fmt.Sprintf("%s %q%s: %s in %d.", r.ID, r.Title, ward, CompactMoney(r.Amount), r.Year)
	default:
		return fmt.Sprintf("%s %q, %d.", r.ID, r.Title, r.Year)
	}
}

func filterClause(f datatypes.EntityFilter) string {
	parts := make([]string, 0, 4)
	if f.Ward != 0 {
		parts = append(parts, fmt.Sprintf("Ward %d", f.Ward))
	}
	if f.Category != "" {
		parts = append(parts, f.Category)
	}
	if f.Program != "" {
		parts = append(parts, f.Program)
	}
	if f.Councillor != "" {
		parts = append(parts, f.Councillor)
	}
	if len(parts) == 0 {
		return ""
	}
	return "for " + strings.Join(parts, ", ")
}

func latestNote(usedLatest bool) string {
	if usedLatest {
		return " (latest available)"
	}
	return ""
}

// =============================================================================
// Retrieved contexts
// =============================================================================

func buildRetrieved(rc *datatypes.RetrievalContext) *Envelope {
	responseType := TypePassage
	if rc.RAGStrategy == datatypes.StrategyFilters {
		responseType = TypeRecords
	}

	summary := strings.TrimSpace(rc.Data)
	if rc.FellBack {
		summary = fmt.Sprintf("No %d records matched; showing %d.\n\n%s",
			rc.RequestedYear, rc.ActualYear, summary)
	}

	return &Envelope{
		SchemaVersion: SchemaVersion,
		ResponseType:  responseType,
		Summary:       capSummary(summary),
		Structured: &Structured{
			DataTypes:     rc.DataTypes,
			Tier:          rc.Tier,
			Strategy:      rc.RAGStrategy,
			Year:          rc.Year,
			RequestedYear: rc.RequestedYear,
			ActualYear:    rc.ActualYear,
			FellBack:      rc.FellBack,
		},
		Completeness: completenessFor(rc.Tier),
		Sources:      dedupeSources(rc.Sources),
	}
}

// capSummary truncates at a rune boundary with an ellipsis marker.
func capSummary(s string) string {
	if len(s) <= maxPassageSummary {
		return s
	}
	cut := maxPassageSummary
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}

// =============================================================================
// Fail-closed answers
// =============================================================================

// failureSummaries explain each terminal failure in caller language.
var failureSummaries = map[string]string{
	datatypes.ReasonNoFilteredRecords:     "No records matched those filters in any available year.",
	datatypes.ReasonNoEmbeddingsHits:      "Nothing in the indexed documents matched the question closely enough.",
	datatypes.ReasonEmbeddingLookupFailed: "The semantic search backend was unavailable.",
	datatypes.ReasonRAGIndexMissing:       "The semantic index is not available right now.",
	datatypes.ReasonMotionNotFound:        "No record with that identifier or title was found.",
	datatypes.ReasonNoGlossaryMatch:       "That term is not in the glossary.",
	datatypes.ReasonWebLookupFailed:       "The approved council sites could not be reached.",
	datatypes.ReasonDisallowedDomain:      "The requested site is not on the approved list.",
	datatypes.ReasonProviderUnavailable:   "The language model provider is unavailable.",
	datatypes.ReasonRateLimited:           "The lookup budget for this conversation is used up.",
}

func buildNoAnswer(rc *datatypes.RetrievalContext) *Envelope {
	reason := ""
	if rc != nil {
		reason = rc.FailureReason
	}
	summary, ok := failureSummaries[reason]
	if !ok {
		summary = "No grounded answer was found in the available records."
	}
	env := &Envelope{
		SchemaVersion: SchemaVersion,
		ResponseType:  TypeNoAnswer,
		Summary:       summary,
		Completeness:  CompletenessPreview,
		NoAnswer:      true,
		FailureReason: reason,
	}
	if rc != nil {
		env.Sources = dedupeSources(rc.Sources)
	}
	return env
}
