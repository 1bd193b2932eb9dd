// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
)

// Parameter bounds. Out-of-range years are misparses, not requests.
const (
	minParamYear = 2000
	maxParamYear = 2100

	minTopK     = 1
	maxTopK     = 10
	defaultTopK = 5

	// maxCompareYears caps a comparison at the newest N years so a
	// "compare every year since 1990" question cannot fan out.
	maxCompareYears = 8

	maxStringParam = 80
)

// Metric names for compare_years.
const (
	MetricSpend   = "spend"
	MetricRevenue = "revenue"
	MetricCount   = "count"
)

// GroupBy dimensions for top_k.
const (
	GroupByCategory = "category"
	GroupByWard     = "ward"
	GroupByProgram  = "program"
)

// =============================================================================
// Validated Parameter Types
// =============================================================================

// Params is one tool's validated parameter set. Construction goes
// through parseParams only, so an executor receiving a Params value can
// trust its fields.
type Params interface {
	tool() string
}

// CountParams filters a record count. All fields optional; an empty
// filter counts the whole resolved year.
type CountParams struct {
	Year       int
	Ward       int
	Category   string
	Program    string
	Councillor string
	RecordType string
}

func (CountParams) tool() string { return ToolCount }

// SumParams filters a budget amount summation.
type SumParams struct {
	Year     int
	Ward     int
	Category string
	Program  string
}

func (SumParams) tool() string { return ToolSum }

// CompareParams holds at least two distinct in-range years, newest
// first, and the metric to compare.
type CompareParams struct {
	Years  []int
	Metric string
}

func (CompareParams) tool() string { return ToolCompare }

// TopKParams ranks spending groups along one dimension.
type TopKParams struct {
	K       int
	GroupBy string
	Year    int
}

func (TopKParams) tool() string { return ToolTopK }

// BalanceParams selects the budget year to balance.
type BalanceParams struct {
	Year int
}

func (BalanceParams) tool() string { return ToolBalance }

// MotionParams identifies one record by ID or exact title. At least one
// is always set.
type MotionParams struct {
	ID    string
	Title string
}

func (MotionParams) tool() string { return ToolMotion }

// GlossaryParams names the term to define.
type GlossaryParams struct {
	Term string
}

func (GlossaryParams) tool() string { return ToolGlossary }

// WebParams carries the lookup query.
type WebParams struct {
	Query string
}

func (WebParams) tool() string { return ToolWeb }

// =============================================================================
// Parsing & Validation
// =============================================================================

// parseParams validates raw classifier output against the schema of the
// named tool.
//
// Description:
//
//	Numbers are coerced from any JSON shape, strings are trimmed and
//	length-capped, enums are checked by membership, year lists are
//	de-duplicated and clamped to the newest maxCompareYears. A missing
//	required field or an unfixable value is an error; the caller
//	discards the whole call.
func parseParams(tool string, raw map[string]any) (Params, error) {
	switch tool {
	case ToolCount:
		return parseCountParams(raw)
	case ToolSum:
		return parseSumParams(raw)
	case ToolCompare:
		return parseCompareParams(raw)
	case ToolTopK:
		return parseTopKParams(raw)
	case ToolBalance:
		return parseBalanceParams(raw)
	case ToolMotion:
		return parseMotionParams(raw)
	case ToolGlossary:
		return parseGlossaryParams(raw)
	case ToolWeb:
		return parseWebParams(raw)
	default:
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
}

func parseCountParams(raw map[string]any) (Params, error) {
	p := CountParams{
		Category:   stringParam(raw, "category"),
		Program:    stringParam(raw, "program"),
		Councillor: stringParam(raw, "councillor"),
	}

	year, err := yearParam(raw, "year")
	if err != nil {
		return nil, err
	}
	p.Year = year

	ward, err := wardParam(raw)
	if err != nil {
		return nil, err
	}
	p.Ward = ward

	recordType := stringParam(raw, "record_type")
	if recordType != "" {
		normalized, ok := normalizeRecordType(recordType)
		if !ok {
			return nil, fmt.Errorf("record_type %q not in schema", recordType)
		}
		p.RecordType = normalized
	}
	return p, nil
}

func parseSumParams(raw map[string]any) (Params, error) {
	p := SumParams{
		Category: stringParam(raw, "category"),
		Program:  stringParam(raw, "program"),
	}

	year, err := yearParam(raw, "year")
	if err != nil {
		return nil, err
	}
	p.Year = year

	ward, err := wardParam(raw)
	if err != nil {
		return nil, err
	}
	p.Ward = ward
	return p, nil
}

func parseCompareParams(raw map[string]any) (Params, error) {
	years, err := yearListParam(raw, "years")
	if err != nil {
		return nil, err
	}
	if len(years) < 2 {
		return nil, fmt.Errorf("compare_years needs at least 2 distinct years, got %d", len(years))
	}

	metric := stringParam(raw, "metric")
	switch metric {
	case "":
		metric = MetricSpend
	case MetricSpend, MetricRevenue, MetricCount:
	default:
		return nil, fmt.Errorf("metric %q not in schema", metric)
	}
	return CompareParams{Years: years, Metric: metric}, nil
}

func parseTopKParams(raw map[string]any) (Params, error) {
	groupBy := stringParam(raw, "group_by")
	switch groupBy {
	case GroupByCategory, GroupByWard, GroupByProgram:
	case "":
		return nil, fmt.Errorf("top_k requires group_by")
	default:
		return nil, fmt.Errorf("group_by %q not in schema", groupBy)
	}

	k := defaultTopK
	if value, present := raw["k"]; present {
		n, ok := coerceInt(value)
		if !ok {
			return nil, fmt.Errorf("k %v is not a number", value)
		}
		// Clamp rather than reject: "top 50" is a reasonable ask for
		// a bounded answer.
		if n < minTopK {
			n = minTopK
		}
		if n > maxTopK {
			n = maxTopK
		}
		k = n
	}

	year, err := yearParam(raw, "year")
	if err != nil {
		return nil, err
	}
	return TopKParams{K: k, GroupBy: groupBy, Year: year}, nil
}

func parseBalanceParams(raw map[string]any) (Params, error) {
	year, err := yearParam(raw, "year")
	if err != nil {
		return nil, err
	}
	return BalanceParams{Year: year}, nil
}

func parseMotionParams(raw map[string]any) (Params, error) {
	p := MotionParams{
		ID:    stringParam(raw, "id"),
		Title: stringParam(raw, "title"),
	}
	if p.ID == "" && p.Title == "" {
		return nil, fmt.Errorf("motion_lookup requires id or title")
	}
	return p, nil
}

func parseGlossaryParams(raw map[string]any) (Params, error) {
	term := stringParam(raw, "term")
	if term == "" {
		return nil, fmt.Errorf("glossary_lookup requires term")
	}
	return GlossaryParams{Term: term}, nil
}

func parseWebParams(raw map[string]any) (Params, error) {
	query := stringParam(raw, "query")
	if query == "" {
		return nil, fmt.Errorf("web_lookup requires query")
	}
	return WebParams{Query: query}, nil
}

// =============================================================================
// Field Coercion
// =============================================================================

// stringParam returns the trimmed, length-capped string value for key.
// Absent, non-string and null-ish values yield "".
func stringParam(raw map[string]any, key string) string {
	value, ok := raw[key].(string)
	if !ok {
		return ""
	}
	value = strings.TrimSpace(strings.Trim(strings.TrimSpace(value), `"'`))
	if strings.EqualFold(value, "null") || strings.EqualFold(value, "none") {
		return ""
	}
	if len(value) > maxStringParam {
		value = value[:maxStringParam]
	}
	return value
}

// yearParam reads an optional year. Absent is 0; present but
// unparseable or out of range is an error.
func yearParam(raw map[string]any, key string) (int, error) {
	value, present := raw[key]
	if !present || value == nil {
		return 0, nil
	}
	year, ok := coerceInt(value)
	if !ok {
		return 0, fmt.Errorf("%s %v is not a year", key, value)
	}
	// Classifiers sometimes emit 0 for "not specified".
	if year == 0 {
		return 0, nil
	}
	if year < minParamYear || year > maxParamYear {
		return 0, fmt.Errorf("%s %d out of range", key, year)
	}
	return year, nil
}

// wardParam reads an optional ward number.
func wardParam(raw map[string]any) (int, error) {
	value, present := raw["ward"]
	if !present || value == nil {
		return 0, nil
	}
	ward, ok := coerceInt(value)
	if !ok {
		return 0, fmt.Errorf("ward %v is not a number", value)
	}
	if ward == 0 {
		return 0, nil
	}
	if ward < 1 || ward > 99 {
		return 0, fmt.Errorf("ward %d out of range", ward)
	}
	return ward, nil
}

// yearListParam reads a year array: coerced, range-checked,
// de-duplicated, sorted newest first and capped at maxCompareYears.
func yearListParam(raw map[string]any, key string) ([]int, error) {
	value, present := raw[key]
	if !present || value == nil {
		return nil, fmt.Errorf("%s is required", key)
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%s %v is not an array", key, value)
	}

	seen := make(map[int]bool, len(list))
	years := make([]int, 0, len(list))
	for _, item := range list {
		year, ok := coerceInt(item)
		if !ok {
			return nil, fmt.Errorf("%s entry %v is not a year", key, item)
		}
		if year < minParamYear || year > maxParamYear {
			return nil, fmt.Errorf("%s entry %d out of range", key, year)
		}
		if seen[year] {
			continue
		}
		seen[year] = true
		years = append(years, year)
	}

	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	if len(years) > maxCompareYears {
		years = years[:maxCompareYears]
	}
	return years, nil
}

// coerceInt accepts the number shapes JSON decoding can produce.
func coerceInt(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
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

// normalizeRecordType maps loose classifier output onto the record type
// enum.
func normalizeRecordType(value string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "budget_line", "budget line", "budget lines", "budget":
		return datatypes.RecordTypeBudgetLine, true
	case "motion", "motions":
		return datatypes.RecordTypeMotion, true
	case "vote", "votes":
		return datatypes.RecordTypeVote, true
	case "contract", "contracts":
		return datatypes.RecordTypeContract, true
	case "lobbying", "lobbyist":
		return datatypes.RecordTypeLobbying, true
	}
	return "", false
}
