// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package envelope

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
)

func TestCompactMoney(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{1234567890, "$1.23B"},
		{4500000, "$4.5M"},
		{15200000000, "$15.2B"},
		{125000000, "$125M"},
		{1200, "$1.2K"},
		{500, "$500"},
		{0, "$0"},
		{-100000000, "-$100M"},
	}
	for _, tc := range cases {
		if got := CompactMoney(tc.in); got != tc.want {
			t.Errorf("CompactMoney(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatPercent(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0.078, "7.8%"},
		{0.25, "25%"},
		{1.0, "100%"},
		{0.0066, "0.7%"},
	}
	for _, tc := range cases {
		if got := FormatPercent(tc.in); got != tc.want {
			t.Errorf("FormatPercent(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatCount(t *testing.T) {
	cases := []struct {
		in   int
		want string
	}{
		{0, "0"},
		{352, "352"},
		{1000, "1,000"},
		{4312, "4,312"},
		{1234567, "1,234,567"},
		{-4312, "-4,312"},
	}
	for _, tc := range cases {
		if got := FormatCount(tc.in); got != tc.want {
			t.Errorf("FormatCount(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuild_SumResult(t *testing.T) {
	rc := &datatypes.RetrievalContext{
		Tool: &datatypes.ToolResult{
			Tool:    "sum_amount",
			Value:   125000000,
			Year:    2024,
			Source:  datatypes.TierTrend,
			Filters: datatypes.EntityFilter{Ward: 10, Category: "transit"},
		},
		Sources:       []string{"https://data.wardlight.org/civic/budget_trends/latest.json"},
		Year:          2024,
		RetrievalType: datatypes.RetrievalTool,
		Tier:          datatypes.TierTrend,
	}

	env := Build(rc)
	if env.ResponseType != TypeMetric {
		t.Errorf("response type = %q, want metric", env.ResponseType)
	}
	want := "Total transit spending in Ward 10 in 2024: $125M."
	if env.Summary != want {
		t.Errorf("summary = %q, want %q", env.Summary, want)
	}
	if env.Completeness != CompletenessComplete {
		t.Errorf("completeness = %q, want complete", env.Completeness)
	}
	if len(env.Sources) != 1 {
		t.Errorf("sources = %v", env.Sources)
	}
	if env.Structured == nil || env.Structured.Tool == nil {
		t.Fatal("structured tool result missing")
	}
	if env.NoAnswer {
		t.Error("successful result marked no_answer")
	}
}

func TestBuild_CountWithLatestNote(t *testing.T) {
	rc := &datatypes.RetrievalContext{
		Tool: &datatypes.ToolResult{
			Tool:       "count_records",
			Count:      4312,
			Year:       2024,
			UsedLatest: true,
			Source:     datatypes.TierTrend,
		},
		Tier: datatypes.TierTrend,
	}

	env := Build(rc)
	want := "Found 4,312 records in 2024 (latest available)."
	if env.Summary != want {
		t.Errorf("summary = %q, want %q", env.Summary, want)
	}
}

func TestBuild_CountPluralizesRecordType(t *testing.T) {
	rc := &datatypes.RetrievalContext{
		Tool: &datatypes.ToolResult{
			Tool:  "count_records",
			Count: 352,
			Year:  2024,
		},
		DataTypes: []string{datatypes.RecordTypeMotion},
		Tier:      datatypes.TierTrend,
	}
	if got := Build(rc).Summary; got != "Found 352 motions in 2024." {
		t.Errorf("summary = %q", got)
	}

	rc.Tool.Count = 1
	if got := Build(rc).Summary; got != "Found 1 motion in 2024." {
		t.Errorf("singular summary = %q", got)
	}
}

func TestBuild_Comparison(t *testing.T) {
	rc := &datatypes.RetrievalContext{
		Tool: &datatypes.ToolResult{
			Tool: "compare_years",
			Comparison: []datatypes.YearValue{
				{Year: 2022, Value: 14100000000},
				{Year: 2024, Value: 15200000000},
			},
			Metric: "spend",
		},
		Tier: datatypes.TierTrend,
	}

	env := Build(rc)
	if env.ResponseType != TypeComparison {
		t.Errorf("response type = %q, want comparison", env.ResponseType)
	}
	want := "Total spending was $14.1B in 2022, $15.2B in 2024 (up 7.8% overall)."
	if env.Summary != want {
		t.Errorf("summary = %q, want %q", env.Summary, want)
	}
}

func TestBuild_ComparisonCountMetric(t *testing.T) {
	rc := &datatypes.RetrievalContext{
		Tool: &datatypes.ToolResult{
			Tool: "compare_years",
			Comparison: []datatypes.YearValue{
				{Year: 2023, Value: 4100},
				{Year: 2024, Value: 4312},
			},
			Metric: "count",
		},
		Tier: datatypes.TierTrend,
	}

	got := Build(rc).Summary
	if !strings.Contains(got, "Record count was 4,100 in 2023, 4,312 in 2024") {
		t.Errorf("summary = %q", got)
	}
}

func TestBuild_Ranking(t *testing.T) {
	rc := &datatypes.RetrievalContext{
		Tool: &datatypes.ToolResult{
			Tool: "top_k",
			Ranking: []datatypes.RankEntry{
				{Label: "transit", Value: 2400000000},
				{Label: "housing", Value: 1100000000},
			},
			GroupBy: "category",
			Year:    2024,
		},
		Tier: datatypes.TierTrend,
	}

	env := Build(rc)
	if env.ResponseType != TypeRanking {
		t.Errorf("response type = %q, want ranking", env.ResponseType)
	}
	want := "Top 2 spending categories in 2024: transit ($2.4B), housing ($1.1B)."
	if env.Summary != want {
		t.Errorf("summary = %q, want %q", env.Summary, want)
	}
}

func TestBuild_BalanceDeficit(t *testing.T) {
	rc := &datatypes.RetrievalContext{
		Tool: &datatypes.ToolResult{
			Tool:    "budget_balance",
			Revenue: 15100000000,
			Spend:   15200000000,
			Value:   -100000000,
			Year:    2024,
		},
		Tier: datatypes.TierTrend,
	}

	got := Build(rc).Summary
	want := "In 2024 revenue was $15.1B against $15.2B spent, a deficit of $100M (0.7% of revenue)."
	if got != want {
		t.Errorf("summary = %q, want %q", got, want)
	}
}

func TestBuild_MotionRecord(t *testing.T) {
	rc := &datatypes.RetrievalContext{
		Tool: &datatypes.ToolResult{
			Tool: "motion_lookup",
			Record: &datatypes.CivicRecord{
				ID:         "2024.EX10.1",
				Type:       datatypes.RecordTypeMotion,
				Year:       2024,
				Title:      "Transit expansion phase two",
				Outcome:    datatypes.OutcomeCarried,
				Councillor: "Maria Vasquez",
			},
		},
		DataTypes: []string{datatypes.RecordTypeMotion},
		Tier:      datatypes.TierProcessed,
	}

	env := Build(rc)
	if env.ResponseType != TypeRecord {
		t.Errorf("response type = %q, want record", env.ResponseType)
	}
	want := `2024.EX10.1 "Transit expansion phase two", moved by Maria Vasquez, was carried in 2024.`
	if env.Summary != want {
		t.Errorf("summary = %q, want %q", env.Summary, want)
	}
	if env.Completeness != CompletenessComplete {
		t.Errorf("completeness = %q, want complete", env.Completeness)
	}
}

func TestBuild_BudgetLineRecord(t *testing.T) {
	rc := &datatypes.RetrievalContext{
		Tool: &datatypes.ToolResult{
			Record: &datatypes.CivicRecord{
				ID:     "2024.BL.101",
				Type:   datatypes.RecordTypeBudgetLine,
				Year:   2024,
				Ward:   10,
				Title:  "Bus electrification capital line",
				Amount: 125000000,
			},
		},
		Tier: datatypes.TierProcessed,
	}

	want := `2024.BL.101 "Bus electrification capital line" (Ward 10): $125M in 2024.`
	if got := Build(rc).Summary; got != want {
		t.Errorf("summary = %q, want %q", got, want)
	}
}

func TestBuild_Definition(t *testing.T) {
	rc := &datatypes.RetrievalContext{
		Tool: &datatypes.ToolResult{
			Tool:       "glossary_lookup",
			Term:       "debenture",
			Definition: "A debenture is a long-term borrowing instrument municipalities issue to fund capital projects.",
		},
		Tier: datatypes.TierGlossary,
	}

	env := Build(rc)
	if env.ResponseType != TypeDefinition {
		t.Errorf("response type = %q, want definition", env.ResponseType)
	}
	if env.Summary != rc.Tool.Definition {
		t.Errorf("summary = %q", env.Summary)
	}
	if env.Completeness != CompletenessComplete {
		t.Errorf("completeness = %q, want complete", env.Completeness)
	}
}

func TestBuild_RetrievedRecordsWithFallback(t *testing.T) {
	rc := &datatypes.RetrievalContext{
		Data:          "2023.EX2.9 Winter service level review (carried)",
		Sources:       []string{"https://data.wardlight.org/civic/records/2023.json"},
		Year:          2023,
		RetrievalType: datatypes.RetrievalRAG,
		RAGStrategy:   datatypes.StrategyFilters,
		Tier:          datatypes.TierProcessed,
		RequestedYear: 2024,
		ActualYear:    2023,
		FellBack:      true,
	}

	env := Build(rc)
	if env.ResponseType != TypeRecords {
		t.Errorf("response type = %q, want records", env.ResponseType)
	}
	if !strings.HasPrefix(env.Summary, "No 2024 records matched; showing 2023.") {
		t.Errorf("summary missing fallback note: %q", env.Summary)
	}
	if !strings.Contains(env.Summary, "Winter service level review") {
		t.Errorf("summary missing retrieved content: %q", env.Summary)
	}
	if env.Completeness != CompletenessComplete {
		t.Errorf("completeness = %q, want complete", env.Completeness)
	}
	if env.Structured == nil || !env.Structured.FellBack {
		t.Error("structured fallback metadata missing")
	}
}

func TestBuild_EmbeddingsArePartial(t *testing.T) {
	rc := &datatypes.RetrievalContext{
		Data:          "The 2024 operating budget allocated new transit service hours.",
		RetrievalType: datatypes.RetrievalRAG,
		RAGStrategy:   datatypes.StrategyEmbeddings,
		Tier:          datatypes.TierEmbeddings,
	}

	env := Build(rc)
	if env.ResponseType != TypePassage {
		t.Errorf("response type = %q, want passage", env.ResponseType)
	}
	if env.Completeness != CompletenessPartial {
		t.Errorf("completeness = %q, want partial", env.Completeness)
	}
}

func TestBuild_WebIsPreview(t *testing.T) {
	rc := &datatypes.RetrievalContext{
		Tool: &datatypes.ToolResult{
			Tool:    "web_lookup",
			Excerpt: "The shelter levy consultation runs through March.",
		},
		Tier: datatypes.TierWeb,
	}

	env := Build(rc)
	if env.ResponseType != TypePassage {
		t.Errorf("response type = %q, want passage", env.ResponseType)
	}
	if env.Completeness != CompletenessPreview {
		t.Errorf("completeness = %q, want preview", env.Completeness)
	}
}

func TestBuild_NoAnswer(t *testing.T) {
	rc := datatypes.NoAnswerContext(datatypes.ReasonNoFilteredRecords, "councillor=nobody")

	env := Build(rc)
	if env.ResponseType != TypeNoAnswer {
		t.Errorf("response type = %q, want no_answer", env.ResponseType)
	}
	if !env.NoAnswer {
		t.Error("no_answer flag not set")
	}
	if env.FailureReason != datatypes.ReasonNoFilteredRecords {
		t.Errorf("failure reason = %q", env.FailureReason)
	}
	if env.Summary != "No records matched those filters in any available year." {
		t.Errorf("summary = %q", env.Summary)
	}
	if env.Completeness != CompletenessPreview {
		t.Errorf("completeness = %q, want preview", env.Completeness)
	}
}

func TestBuild_NilContextFailsClosed(t *testing.T) {
	env := Build(nil)
	if !env.NoAnswer || env.ResponseType != TypeNoAnswer {
		t.Errorf("envelope = %+v, want generic no_answer", env)
	}
	if env.Summary == "" {
		t.Error("generic failure needs a summary")
	}
}

func TestDedupeSources(t *testing.T) {
	in := []string{"a", "b", "a", "", "c", "b"}
	want := []string{"a", "b", "c"}
	if got := dedupeSources(in); !reflect.DeepEqual(got, want) {
		t.Errorf("dedupeSources = %v, want %v", got, want)
	}
	if got := dedupeSources(nil); got != nil {
		t.Errorf("dedupeSources(nil) = %v, want nil", got)
	}
}

func TestCapSummary(t *testing.T) {
	long := strings.Repeat("é", maxPassageSummary)
	capped := capSummary(long)
	if len(capped) > maxPassageSummary+len("…") {
		t.Errorf("capped length = %d", len(capped))
	}
	if !utf8.ValidString(capped) {
		t.Error("cap split a rune")
	}
	if !strings.HasSuffix(capped, "…") {
		t.Error("cap marker missing")
	}

	short := "fits"
	if capSummary(short) != short {
		t.Error("short summaries must pass through unchanged")
	}
}
