// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/WardlightCivic/Wardlight/services/answers/civicdata"
	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
	"github.com/WardlightCivic/Wardlight/services/answers/entities"
	"github.com/WardlightCivic/Wardlight/services/answers/envelope"
	"github.com/WardlightCivic/Wardlight/services/answers/tools"
)

var (
	// Record identifiers read like "2024.EX10.1" or "2024.BL.101":
	// year, committee or dataset code, sequence number. Citations also
	// show up without the year prefix, as "EX10.1".
	recordIDPattern = regexp.MustCompile(`\b20\d{2}\.[A-Z]{1,6}\d{0,4}\.\d{1,4}\b`)
	bareItemPattern = regexp.MustCompile(`\b[A-Z]{2,4}\d{1,3}\.\d{1,4}\b`)

	// A quoted span long enough to be a record title rather than a
	// term of art. Single quotes are excluded; contractions would
	// false-match.
	quotedTitlePattern = regexp.MustCompile(`[“"]([^"”]{4,120})[”"]`)

	whyPattern = regexp.MustCompile(`(?i)\bwhy\b`)
)

// =============================================================================
// Stage 3: exact record lookup
// =============================================================================

// stageExactRecord resolves questions that point at one specific
// record, by identifier or by quoted title.
//
// Description:
//
//	An identifier names exactly one record, so a miss is terminal:
//	answering a question about "2024.EX10.1" with anything else would
//	be fabrication. A quoted-title miss falls through instead; quotes
//	are a hint, not an address. When a located motion failed and the
//	question asks why, a web lookup against the record's own source
//	page is appended as extra context.
func (o *Orchestrator) stageExactRecord(ctx context.Context, q Question) *datatypes.RetrievalContext {
	id := recordID(q.Text)
	title := quotedTitle(q.Text)
	if id == "" && title == "" {
		return nil
	}

	call := &tools.ToolCall{
		Tool:       tools.ToolMotion,
		Confidence: 1,
		Params:     tools.MotionParams{ID: id, Title: title},
	}
	rc, err := o.executor.Execute(ctx, call, q.ConversationID)
	if err != nil {
		if id != "" && errors.Is(err, tools.ErrMotionNotFound) {
			return datatypes.NoAnswerContext(datatypes.ReasonMotionNotFound,
				fmt.Sprintf("record %s is not present in any published year", id))
		}
		slog.Debug("exact record lookup missed, falling through",
			slog.String("id", id),
			slog.String("title", title),
			slog.String("error", err.Error()))
		return nil
	}

	if record := rc.Tool.Record; record != nil &&
		datatypes.FailedOutcome(record.Outcome) && whyPattern.MatchString(q.Text) {
		o.enrichFailedMotion(ctx, q, rc, record)
	}
	return rc
}

// recordID pulls a record citation, preferring the fully qualified
// form over a bare agenda item.
func recordID(message string) string {
	if id := recordIDPattern.FindString(message); id != "" {
		return id
	}
	return bareItemPattern.FindString(message)
}

// quotedTitle pulls the first quoted span that looks like a title.
func quotedTitle(message string) string {
	m := quotedTitlePattern.FindStringSubmatch(message)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// enrichFailedMotion appends web context explaining a failed motion.
// The record's own source page is the lookup target, so the allowlist
// and conversation budget still apply.
func (o *Orchestrator) enrichFailedMotion(ctx context.Context, q Question, rc *datatypes.RetrievalContext, record *datatypes.CivicRecord) {
	query := fmt.Sprintf("%s %s outcome", record.ID, record.Title)
	extract := o.tryWeb(ctx, q.ConversationID, query, record.Source)
	if extract == nil {
		return
	}
	rc.Data = joinBlocks(rc.Data, extract.Text)
	rc.Sources = append(rc.Sources, extract.URL)
}

// =============================================================================
// Stage 4: entity-filtered search with year fallback
// =============================================================================

// stageFilteredSearch runs when extracted entities constrain the
// record set, or when the question asks about recent council
// activity.
//
// Description:
//
//	The requested year is searched first; on empty results the walk
//	continues through the remaining published years newest-first
//	until records match or every year is exhausted. A match from a
//	year other than the requested one is reported, never hidden: the
//	context carries requested year, actual year and a fell-back flag.
//	Exhaustion attempts one web lookup before failing closed.
func (o *Orchestrator) stageFilteredSearch(ctx context.Context, q Question) *datatypes.RetrievalContext {
	filter := o.extractor.Extract(ctx, q.Text, o.roster(ctx))
	recent := entities.RecentCouncilQuery(q.Text)
	if !filter.HasConcreteFilter() && !recent {
		return nil
	}
	// Voting questions and bare recency queries are about council
	// proceedings; budget lines would be noise.
	councilOnly := entities.VotingQuestion(q.Text) || (recent && !filter.HasConcreteFilter())

	for _, year := range o.searchYears(ctx, filter.Year) {
		if ctx.Err() != nil {
			break
		}
		set, _, err := o.loader.Records(ctx, year)
		if err != nil {
			slog.Debug("filtered search skipping year",
				slog.Int("year", year),
				slog.String("error", err.Error()))
			continue
		}
		matched := filterRecords(set.Records, filter, councilOnly)
		if len(matched) == 0 {
			continue
		}
		return o.recordsContext(filter, matched, year)
	}

	if extract := o.tryWeb(ctx, q.ConversationID, q.Text, ""); extract != nil {
		return webContext(extract)
	}
	return datatypes.NoAnswerContext(datatypes.ReasonNoFilteredRecords,
		"no records matched "+describeFilter(filter))
}

// roster fetches the councillor roster for name canonicalization. A
// missing roster degrades extraction, it never blocks the stage.
func (o *Orchestrator) roster(ctx context.Context) *civicdata.Roster {
	roster, _, err := o.loader.CouncillorRoster(ctx)
	if err != nil {
		slog.Debug("councillor roster unavailable", slog.String("error", err.Error()))
		return nil
	}
	return roster
}

// searchYears orders the years to visit: the requested year first when
// there is one, then every other published year newest-first.
func (o *Orchestrator) searchYears(ctx context.Context, requested int) []int {
	var years []int
	if requested != 0 {
		years = append(years, requested)
	}
	trends, _, err := o.loader.Trends(ctx)
	if err != nil {
		slog.Debug("trend summary unavailable for year walk", slog.String("error", err.Error()))
		return years
	}
	list := trends.YearList()
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] != requested {
			years = append(years, list[i])
		}
	}
	return years
}

func filterRecords(records []datatypes.CivicRecord, filter datatypes.EntityFilter, councilOnly bool) []datatypes.CivicRecord {
	var matched []datatypes.CivicRecord
	for _, r := range records {
		if matchRecord(filter, r, councilOnly) {
			matched = append(matched, r)
		}
	}
	return matched
}

func matchRecord(filter datatypes.EntityFilter, r datatypes.CivicRecord, councilOnly bool) bool {
	if councilOnly && r.Type != datatypes.RecordTypeMotion && r.Type != datatypes.RecordTypeVote {
		return false
	}
	if filter.Ward != 0 && r.Ward != filter.Ward {
		return false
	}
	if filter.Category != "" && !strings.EqualFold(r.Category, filter.Category) {
		return false
	}
	if filter.Program != "" && !strings.EqualFold(r.Program, filter.Program) {
		return false
	}
	if filter.Councillor != "" && !strings.EqualFold(r.Councillor, filter.Councillor) {
		return false
	}
	if filter.Keyword != "" && !containsFold(r.Title, filter.Keyword) && !containsFold(r.Summary, filter.Keyword) {
		return false
	}
	if filter.Lobbyist && !r.Lobbyist && r.Type != datatypes.RecordTypeLobbying {
		return false
	}
	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// recordsContext packages matched records as a filters-strategy
// retrieval context.
func (o *Orchestrator) recordsContext(filter datatypes.EntityFilter, matched []datatypes.CivicRecord, year int) *datatypes.RetrievalContext {
	if len(matched) > maxFilteredRecords {
		matched = matched[:maxFilteredRecords]
	}

	lines := make([]string, 0, len(matched))
	sources := make([]string, 0, len(matched))
	var types []string
	seen := make(map[string]bool)
	for _, r := range matched {
		lines = append(lines, recordLine(r))
		if r.Source != "" {
			sources = append(sources, r.Source)
		}
		if !seen[r.Type] {
			seen[r.Type] = true
			types = append(types, r.Type)
		}
	}
	if len(sources) == 0 {
		sources = []string{o.loader.DocumentSource(civicdata.DatasetRecords, strconv.Itoa(year))}
	}

	return &datatypes.RetrievalContext{
		Data:          strings.Join(lines, "\n"),
		Sources:       sources,
		DataTypes:     types,
		Year:          year,
		RetrievalType: datatypes.RetrievalRAG,
		RAGStrategy:   datatypes.StrategyFilters,
		Tier:          datatypes.TierProcessed,
		RequestedYear: filter.Year,
		ActualYear:    year,
		FellBack:      filter.Year != 0 && year != filter.Year,
	}
}

// recordLine renders one matched record as a single context line.
func recordLine(r datatypes.CivicRecord) string {
	switch r.Type {
	case datatypes.RecordTypeMotion, datatypes.RecordTypeVote:
		line := fmt.Sprintf("- %s %q: %s", r.ID, r.Title, outcomeWord(r.Outcome))
		if r.Councillor != "" {
			line += ", moved by " + r.Councillor
		}
		return line
	case datatypes.RecordTypeBudgetLine, datatypes.RecordTypeContract:
		line := fmt.Sprintf("- %s %q: %s", r.ID, r.Title, envelope.CompactMoney(r.Amount))
		if r.Ward != 0 {
			line += fmt.Sprintf(", Ward %d", r.Ward)
		}
		if r.Category != "" {
			line += ", " + r.Category
		}
		return line
	default:
		return fmt.Sprintf("- %s %q", r.ID, r.Title)
	}
}

func outcomeWord(outcome string) string {
	if outcome == "" {
		return "recorded"
	}
	return outcome
}

// describeFilter renders a filter for failure details and logs.
func describeFilter(f datatypes.EntityFilter) string {
	var parts []string
	if f.Ward != 0 {
		parts = append(parts, fmt.Sprintf("ward=%d", f.Ward))
	}
	if f.Year != 0 {
		parts = append(parts, fmt.Sprintf("year=%d", f.Year))
	}
	if f.Category != "" {
		parts = append(parts, "category="+f.Category)
	}
	if f.Program != "" {
		parts = append(parts, "program="+f.Program)
	}
	if f.Councillor != "" {
		parts = append(parts, "councillor="+f.Councillor)
	}
	if f.Keyword != "" {
		parts = append(parts, "keyword="+f.Keyword)
	}
	if f.Lobbyist {
		parts = append(parts, "lobbyist=true")
	}
	if len(parts) == 0 {
		return "recent council activity"
	}
	return strings.Join(parts, " ")
}
