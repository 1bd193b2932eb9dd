// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package entities extracts structured filters (ward, year, councillor,
// category, keyword) from free-text questions. A mechanical regex stage
// always runs; a semantic LLM stage runs only when the mechanical stage
// found nothing usable and the question is worth the call.
package entities

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WardlightCivic/Wardlight/services/answers/civicdata"
	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
	"github.com/WardlightCivic/Wardlight/services/llm"
)

const entitiesTracerName = "wardlight-answers/entities"

// Accepted value ranges. Values outside these are discarded, not clamped.
const (
	minYear = 2000
	maxYear = 2100
	minWard = 1
	maxWard = 99
)

// minSemanticLength is the message length below which the semantic stage
// is skipped unless the question is a per-person voting question. Short
// messages rarely carry entities the regexes miss.
const minSemanticLength = 60

// maxSemanticFieldLength caps each string field taken from the semantic
// stage so a malformed completion cannot smuggle paragraphs into filters.
const maxSemanticFieldLength = 80

// =============================================================================
// Mechanical patterns
// =============================================================================

var (
	wardPattern = regexp.MustCompile(`(?i)\bward\s+(\d{1,2})\b`)
	yearPattern = regexp.MustCompile(`\b(20\d{2})\b`)

	councilPattern = regexp.MustCompile(
		`(?i)\b(council(?:lors?)?|motions?|votes?|voted|voting|bylaws?|by-laws?|agenda|meetings?|mayor|deputations?)\b`)

	votingQuestionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bhow\s+did\s+.+?\s+vote\b`),
		regexp.MustCompile(`(?i)\bdid\s+.+?\s+vote\s+(?:for|against|on)\b`),
		regexp.MustCompile(`(?i)\bvoting\s+record\b`),
		regexp.MustCompile(`(?i)\bwho\s+voted\b`),
	}

	recencyPattern = regexp.MustCompile(`(?i)\b(recent(?:ly)?|latest|last)\b`)
)

// VotingQuestion reports whether the message asks about a specific
// person's voting behavior.
func VotingQuestion(message string) bool {
	for _, pattern := range votingQuestionPatterns {
		if pattern.MatchString(message) {
			return true
		}
	}
	return false
}

// RecentCouncilQuery reports whether the message asks about recent
// council activity without naming a concrete filter, e.g. "what happened
// at the last council meeting".
func RecentCouncilQuery(message string) bool {
	return recencyPattern.MatchString(message) && councilPattern.MatchString(message)
}

// =============================================================================
// Extractor
// =============================================================================

// Extractor runs the two-stage extraction pipeline.
//
// Thread Safety: safe for concurrent use; all state is read-only after
// construction.
type Extractor struct {
	chat llm.ChatClient
}

// NewExtractor builds an extractor. A nil chat client disables the
// semantic stage; mechanical extraction still works.
func NewExtractor(chat llm.ChatClient) *Extractor {
	return &Extractor{chat: chat}
}

// Extract produces the entity filter for a question.
//
// Description:
//
//	Stage 1 (always): regex extraction of ward, year and the coarse
//	council signal. Stage 2 (conditional): an LLM structured-extraction
//	call, run only when stage 1 found no concrete filter and the
//	question either asks about a person's vote or is long enough to
//	plausibly hide entities. Fields merge deterministic-first, then the
//	merged values are range-validated and the councillor name is
//	canonicalized against the roster for the target year.
//
// Outputs:
//   - datatypes.EntityFilter: The validated filter. Semantic-stage
//     failures degrade to the mechanical result, never to an error.
func (e *Extractor) Extract(ctx context.Context, message string, roster *civicdata.Roster) datatypes.EntityFilter {
	filter := e.mechanical(message)

	if e.semanticWorthwhile(message, filter) {
		if semantic, ok := e.semantic(ctx, message); ok {
			filter = merge(filter, semantic)
		}
	}

	filter = validate(filter)

	if filter.Councillor != "" && roster != nil {
		candidates := roster.ForYear(filter.Year)
		if canonical, ok := CanonicalizeCouncillor(filter.Councillor, candidates); ok {
			filter.Councillor = canonical
		}
	}
	return filter
}

// mechanical is the always-on regex stage.
func (e *Extractor) mechanical(message string) datatypes.EntityFilter {
	var filter datatypes.EntityFilter

	if m := wardPattern.FindStringSubmatch(message); m != nil {
		if ward, err := strconv.Atoi(m[1]); err == nil {
			filter.Ward = ward
		}
	}
	if m := yearPattern.FindStringSubmatch(message); m != nil {
		if year, err := strconv.Atoi(m[1]); err == nil {
			filter.Year = year
		}
	}
	filter.CouncilRelated = councilPattern.MatchString(message)
	return filter
}

func (e *Extractor) semanticWorthwhile(message string, mechanical datatypes.EntityFilter) bool {
	if e.chat == nil {
		return false
	}
	if mechanical.HasConcreteFilter() {
		return false
	}
	return VotingQuestion(message) || len(message) >= minSemanticLength
}

// semanticEntities is the wire shape the extraction prompt asks for.
// Ward and year are decoded loosely because models occasionally quote
// numbers.
type semanticEntities struct {
	Ward       any    `json:"ward"`
	Year       any    `json:"year"`
	Category   string `json:"category"`
	Program    string `json:"program"`
	Councillor string `json:"councillor"`
	Keyword    string `json:"keyword"`
	Lobbyist   bool   `json:"lobbyist"`
}

const extractionSystemPrompt = `You extract structured entities from questions about municipal budgets, council motions and votes. Respond with a single JSON object and nothing else, in exactly this shape:
{"ward": <integer or null>, "year": <integer or null>, "category": <string or null>, "program": <string or null>, "councillor": <string or null>, "keyword": <string or null>, "lobbyist": <true or false>}
Rules:
- Fill a field only when the question actually states or clearly implies it. Use null otherwise. Never guess.
- "category" is a broad spending area such as transit, housing, parks or policing.
- "councillor" is a person's name only, with no title.
- "keyword" is a short phrase worth matching against record titles.
- "lobbyist" is true only for questions about lobbying or the lobbyist registry.`

// semantic is the conditional LLM stage. Any failure is logged and
// reported as a miss; extraction never fails the request.
func (e *Extractor) semantic(ctx context.Context, message string) (semanticEntities, bool) {
	ctx, span := otel.Tracer(entitiesTracerName).Start(ctx, "entities.semantic")
	defer span.End()
	span.SetAttributes(attribute.Int("message_length", len(message)))

	temperature := float32(0)
	maxTokens := 200
	result, err := e.chat.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: extractionSystemPrompt,
		UserMessage:  message,
	}, llm.GenerationParams{Temperature: &temperature, MaxTokens: &maxTokens})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "semantic extraction failed")
		slog.Debug("semantic entity extraction failed",
			slog.String("error", err.Error()),
		)
		return semanticEntities{}, false
	}

	payload, ok := extractJSONObject(result.Text)
	if !ok {
		slog.Debug("semantic extraction returned no JSON object",
			slog.String("response", llm.SafeLogString(result.Text)),
		)
		return semanticEntities{}, false
	}

	var entities semanticEntities
	if err := json.Unmarshal([]byte(payload), &entities); err != nil {
		span.RecordError(err)
		slog.Debug("semantic extraction JSON malformed",
			slog.String("error", err.Error()),
			slog.String("response", llm.SafeLogString(result.Text)),
		)
		return semanticEntities{}, false
	}
	return entities, true
}

// =============================================================================
// Merge and validation
// =============================================================================

// merge applies the deterministic-first rule: a stage-1 field wins over
// the semantic value for the same field.
func merge(mechanical datatypes.EntityFilter, semantic semanticEntities) datatypes.EntityFilter {
	merged := mechanical

	if merged.Ward == 0 {
		if ward, ok := coerceInt(semantic.Ward); ok {
			merged.Ward = ward
		}
	}
	if merged.Year == 0 {
		if year, ok := coerceInt(semantic.Year); ok {
			merged.Year = year
		}
	}
	merged.Category = cleanField(semantic.Category)
	merged.Program = cleanField(semantic.Program)
	merged.Councillor = cleanField(semantic.Councillor)
	merged.Keyword = cleanField(semantic.Keyword)
	merged.Lobbyist = semantic.Lobbyist
	return merged
}

// validate discards out-of-range values instead of clamping them; a ward
// 250 is a misparse, not a request for ward 99.
func validate(filter datatypes.EntityFilter) datatypes.EntityFilter {
	if filter.Ward < minWard || filter.Ward > maxWard {
		filter.Ward = 0
	}
	if filter.Year < minYear || filter.Year > maxYear {
		filter.Year = 0
	}
	return filter
}

func cleanField(value string) string {
	value = strings.TrimSpace(strings.Trim(strings.TrimSpace(value), `"'`))
	if strings.EqualFold(value, "null") || strings.EqualFold(value, "none") {
		return ""
	}
	if len(value) > maxSemanticFieldLength {
		value = value[:maxSemanticFieldLength]
	}
	return value
}

// coerceInt accepts the number shapes JSON decoding can produce.
func coerceInt(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// extractJSONObject strips markdown fences and returns the outermost
// JSON object in raw, if any.
func extractJSONObject(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
