// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package civicdata fetches the published municipal dataset documents
// (trend rollups, per-year records, embedding index, councillor roster)
// from the remote collection with a local mirror fallback, guarded by a
// per-endpoint circuit breaker.
package civicdata

import (
	"sort"
	"strconv"
	"time"

	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
)

// =============================================================================
// Collection Addressing
// =============================================================================

// Dataset names within the published collection. A document lives at
// {base}/{dataset}/{version}.json remotely and at
// {mirror_dir}/{dataset}/{version}.json locally.
const (
	DatasetTrends      = "budget_trends"
	DatasetRecords     = "records"
	DatasetEmbeddings  = "embeddings"
	DatasetCouncillors = "councillors"
)

// VersionLatest addresses the newest published version of a dataset.
// Per-year datasets also accept a four-digit year as the version.
const VersionLatest = "latest"

// =============================================================================
// Trend Summary
// =============================================================================

// YearRollup is one budget year pre-aggregated by the publishing ETL.
//
// Description:
//
//	Rollups make the common tool calls O(1): totals, per-dimension sums
//	and motion outcome counts are precomputed. Queries needing a
//	combination the rollup lacks (say ward AND category) fall back to
//	scanning the per-year record set.
type YearRollup struct {
	TotalSpend    float64            `json:"total_spend"`
	TotalRevenue  float64            `json:"total_revenue"`
	RecordCount   int                `json:"record_count"`
	ByCategory    map[string]float64 `json:"by_category"`
	ByWard        map[string]float64 `json:"by_ward"`
	ByProgram     map[string]float64 `json:"by_program"`
	MotionsPassed int                `json:"motions_passed"`
	MotionsFailed int                `json:"motions_failed"`
}

// TrendSummary is the multi-year rollup document.
//
// Thread Safety: Immutable after load; safe for concurrent reads.
type TrendSummary struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Years       map[string]YearRollup `json:"years"`
}

// YearList returns the rollup years in ascending order. Keys that are
// not four-digit years are skipped.
func (t *TrendSummary) YearList() []int {
	years := make([]int, 0, len(t.Years))
	for key := range t.Years {
		if year, err := strconv.Atoi(key); err == nil {
			years = append(years, year)
		}
	}
	sort.Ints(years)
	return years
}

// Rollup returns the rollup for one year.
func (t *TrendSummary) Rollup(year int) (YearRollup, bool) {
	rollup, ok := t.Years[strconv.Itoa(year)]
	return rollup, ok
}

// LatestYear returns the newest rollup year not exceeding maxYear.
//
// Outputs:
//   - int: The resolved year.
//   - bool: False when no rollup year qualifies.
func (t *TrendSummary) LatestYear(maxYear int) (int, bool) {
	best, found := 0, false
	for _, year := range t.YearList() {
		if year <= maxYear && year > best {
			best, found = year, true
		}
	}
	return best, found
}

// =============================================================================
// Record Sets
// =============================================================================

// RecordSet is one published year of processed civic records.
//
// Thread Safety: Immutable after load; safe for concurrent reads.
type RecordSet struct {
	Year    int                     `json:"year"`
	Records []datatypes.CivicRecord `json:"records"`
}

// =============================================================================
// Embedding Index
// =============================================================================

// ChunkMetadata situates one embedding chunk in the corpus.
type ChunkMetadata struct {
	Type   string `json:"type"`
	Year   int    `json:"year"`
	Source string `json:"source"`
}

// EmbeddingChunk is one precomputed text chunk with its vector. Chunks
// are immutable; they are loaded once per cache window and never mutated
// at query time.
type EmbeddingChunk struct {
	Text      string        `json:"text"`
	Metadata  ChunkMetadata `json:"metadata"`
	Embedding []float32     `json:"embedding"`
}

// EmbeddingIndexDoc is the published embedding index document.
type EmbeddingIndexDoc struct {
	Model  string           `json:"model"`
	Dims   int              `json:"dims"`
	Chunks []EmbeddingChunk `json:"chunks"`
}

// =============================================================================
// Councillor Roster
// =============================================================================

// Councillor is one council member with the years they served.
type Councillor struct {
	Name  string `json:"name"`
	Ward  int    `json:"ward"`
	Years []int  `json:"years"`
}

// ServedIn reports whether the councillor served in the given year.
func (c Councillor) ServedIn(year int) bool {
	for _, y := range c.Years {
		if y == year {
			return true
		}
	}
	return false
}

// Roster is the published councillor roster document.
//
// Thread Safety: Immutable after load; safe for concurrent reads.
type Roster struct {
	Councillors []Councillor `json:"councillors"`
}

// ForYear returns the councillors who served in the given year. Year 0
// returns the full roster.
func (r *Roster) ForYear(year int) []Councillor {
	if year == 0 {
		return r.Councillors
	}
	out := make([]Councillor, 0, len(r.Councillors))
	for _, c := range r.Councillors {
		if c.ServedIn(year) {
			out = append(out, c)
		}
	}
	return out
}
