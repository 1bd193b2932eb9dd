// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WardlightCivic/Wardlight/services/answers/civicdata"
	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
	"github.com/WardlightCivic/Wardlight/services/answers/glossary"
	"github.com/WardlightCivic/Wardlight/services/answers/weblookup"
)

// Typed execution failures the orchestrator maps onto the failure
// taxonomy.
var (
	// ErrMotionNotFound means the identified record does not exist in
	// any searched year.
	ErrMotionNotFound = errors.New("motion not found")

	// ErrNoGlossaryMatch means the term is not in the glossary.
	ErrNoGlossaryMatch = errors.New("no glossary match")
)

// Executor metrics.
//
// wardlight_executor_executions_total: per tool, outcome = ok | error.
// wardlight_executor_duration_seconds: execution latency per tool.
var (
	executorExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardlight",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Tool executions by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	executorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wardlight",
			Subsystem: "executor",
			Name:      "duration_seconds",
			Help:      "Tool execution latency.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.25, 1, 5, 20},
		},
		[]string{"tool"},
	)
)

// =============================================================================
// Executor
// =============================================================================

// Executor runs validated tool calls against the civic datasets.
//
// Description:
//
//	Aggregation tools try the pre-computed trend rollups first; a
//	filter combination the rollup cannot answer (say ward AND category)
//	falls back to scanning that year's processed records. Every result
//	records the tier that satisfied it, which drives completeness
//	labelling downstream. Years resolve uniformly: an explicit year is
//	used as given, otherwise the latest rollup year not in the future.
//
// Thread Safety: safe for concurrent use.
type Executor struct {
	loader *civicdata.Loader
	gloss  *glossary.Glossary
	web    *weblookup.Client

	now func() time.Time
}

// NewExecutor wires an executor. gloss and web may be nil; the matching
// tools then fail at execution and the cascade moves on.
func NewExecutor(loader *civicdata.Loader, gloss *glossary.Glossary, web *weblookup.Client) (*Executor, error) {
	if loader == nil {
		return nil, fmt.Errorf("tools: loader must not be nil")
	}
	return &Executor{loader: loader, gloss: gloss, web: web, now: time.Now}, nil
}

// Execute runs one accepted call and wraps the result as a retrieval
// context.
//
// Outputs:
//   - *datatypes.RetrievalContext: Tool-typed context. Nil on error.
//   - error: Execution failure; the cascade treats it as a miss, not a
//     terminal answer.
func (e *Executor) Execute(ctx context.Context, call *ToolCall, conversationID string) (*datatypes.RetrievalContext, error) {
	if call == nil || call.Params == nil {
		return nil, fmt.Errorf("tools: empty call")
	}

	ctx, span := otel.Tracer(toolsTracerName).Start(ctx, "tools.execute")
	defer span.End()
	span.SetAttributes(attribute.String("tool", call.Tool))
	start := e.now()

	var (
		result *datatypes.ToolResult
		err    error
	)
	switch p := call.Params.(type) {
	case CountParams:
		result, err = e.countRecords(ctx, p)
	case SumParams:
		result, err = e.sumAmount(ctx, p)
	case CompareParams:
		result, err = e.compareYears(ctx, p)
	case TopKParams:
		result, err = e.topK(ctx, p)
	case BalanceParams:
		result, err = e.budgetBalance(ctx, p)
	case MotionParams:
		result, err = e.motionLookup(ctx, p)
	case GlossaryParams:
		result, err = e.glossaryLookup(p)
	case WebParams:
		result, err = e.webLookup(ctx, conversationID, p)
	default:
		err = fmt.Errorf("tools: no executor for %T", call.Params)
	}

	executorDuration.WithLabelValues(call.Tool).Observe(e.now().Sub(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		executorExecutions.WithLabelValues(call.Tool, "error").Inc()
		slog.Info("tool execution failed",
			slog.String("tool", call.Tool),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	result.Tool = call.Tool
	executorExecutions.WithLabelValues(call.Tool, "ok").Inc()
	span.SetAttributes(attribute.String("tier", result.Source))

	return &datatypes.RetrievalContext{
		Tool:          result,
		Sources:       result.Sources,
		DataTypes:     dataTypesFor(result, call.Params),
		Year:          result.Year,
		RetrievalType: datatypes.RetrievalTool,
		Tier:          result.Source,
	}, nil
}

// dataTypesFor lists the record types a result speaks about.
func dataTypesFor(result *datatypes.ToolResult, params Params) []string {
	if result.Record != nil {
		return []string{result.Record.Type}
	}
	if p, ok := params.(CountParams); ok && p.RecordType != "" {
		return []string{p.RecordType}
	}
	switch result.Tool {
	case ToolSum, ToolCompare, ToolTopK, ToolBalance:
		return []string{datatypes.RecordTypeBudgetLine}
	}
	return nil
}

// resolveYear applies the uniform year rule: explicit wins, otherwise
// the latest rollup year not exceeding the current calendar year.
func (e *Executor) resolveYear(trends *civicdata.TrendSummary, explicit int) (int, bool, error) {
	if explicit != 0 {
		return explicit, false, nil
	}
	year, ok := trends.LatestYear(e.now().Year())
	if !ok {
		return 0, false, fmt.Errorf("no rollup year at or before %d", e.now().Year())
	}
	return year, true, nil
}

// =============================================================================
// count_records
// =============================================================================

func (e *Executor) countRecords(ctx context.Context, p CountParams) (*datatypes.ToolResult, error) {
	trends, _, err := e.loader.Trends(ctx)
	if err != nil {
		return nil, fmt.Errorf("count_records: %w", err)
	}
	year, usedLatest, err := e.resolveYear(trends, p.Year)
	if err != nil {
		return nil, fmt.Errorf("count_records: %w", err)
	}

	result := &datatypes.ToolResult{
		Year:       year,
		UsedLatest: usedLatest,
		Filters: datatypes.EntityFilter{
			Ward:       p.Ward,
			Category:   p.Category,
			Program:    p.Program,
			Councillor: p.Councillor,
		},
	}

	unfiltered := p.Ward == 0 && p.Category == "" && p.Program == "" && p.Councillor == ""
	if rollup, ok := trends.Rollup(year); ok && unfiltered {
		switch p.RecordType {
		case "":
			result.Count = rollup.RecordCount
			result.Dataset = civicdata.DatasetTrends
			result.Source = datatypes.TierTrend
			result.Sources = []string{e.loader.DocumentSource(civicdata.DatasetTrends, civicdata.VersionLatest)}
			return result, nil
		case datatypes.RecordTypeMotion:
			result.Count = rollup.MotionsPassed + rollup.MotionsFailed
			result.Dataset = civicdata.DatasetTrends
			result.Source = datatypes.TierTrend
			result.Sources = []string{e.loader.DocumentSource(civicdata.DatasetTrends, civicdata.VersionLatest)}
			return result, nil
		}
	}

	records, _, err := e.loader.Records(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("count_records: %w", err)
	}
	count := 0
	for _, r := range records.Records {
		if matchesCount(r, p) {
			count++
		}
	}
	result.Count = count
	result.Dataset = civicdata.DatasetRecords
	result.Source = datatypes.TierProcessed
	result.Sources = []string{e.loader.DocumentSource(civicdata.DatasetRecords, strconv.Itoa(year))}
	return result, nil
}

// matchesCount applies the count filter to one record. String filters
// compare case-insensitively.
func matchesCount(r datatypes.CivicRecord, p CountParams) bool {
	if p.Ward != 0 && r.Ward != p.Ward {
		return false
	}
	if p.Category != "" && !strings.EqualFold(r.Category, p.Category) {
		return false
	}
	if p.Program != "" && !strings.EqualFold(r.Program, p.Program) {
		return false
	}
	if p.Councillor != "" && !strings.EqualFold(r.Councillor, p.Councillor) {
		return false
	}
	if p.RecordType != "" && r.Type != p.RecordType {
		return false
	}
	return true
}

// =============================================================================
// sum_amount
// =============================================================================

func (e *Executor) sumAmount(ctx context.Context, p SumParams) (*datatypes.ToolResult, error) {
	trends, _, err := e.loader.Trends(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum_amount: %w", err)
	}
	year, usedLatest, err := e.resolveYear(trends, p.Year)
	if err != nil {
		return nil, fmt.Errorf("sum_amount: %w", err)
	}

	result := &datatypes.ToolResult{
		Year:       year,
		UsedLatest: usedLatest,
		Filters: datatypes.EntityFilter{
			Ward:     p.Ward,
			Category: p.Category,
			Program:  p.Program,
		},
	}

	// One-dimensional sums come straight off the rollup when the key
	// exists. Missing keys and multi-dimension filters scan.
	if rollup, ok := trends.Rollup(year); ok {
		if value, ok := rollupSum(rollup, p); ok {
			result.Value = value
			result.Dataset = civicdata.DatasetTrends
			result.Source = datatypes.TierTrend
			result.Sources = []string{e.loader.DocumentSource(civicdata.DatasetTrends, civicdata.VersionLatest)}
			return result, nil
		}
	}

	records, _, err := e.loader.Records(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("sum_amount: %w", err)
	}
	total := 0.0
	for _, r := range records.Records {
		if r.Type != datatypes.RecordTypeBudgetLine {
			continue
		}
		if p.Ward != 0 && r.Ward != p.Ward {
			continue
		}
		if p.Category != "" && !strings.EqualFold(r.Category, p.Category) {
			continue
		}
		if p.Program != "" && !strings.EqualFold(r.Program, p.Program) {
			continue
		}
		total += r.Amount
	}
	result.Value = total
	result.Dataset = civicdata.DatasetRecords
	result.Source = datatypes.TierProcessed
	result.Sources = []string{e.loader.DocumentSource(civicdata.DatasetRecords, strconv.Itoa(year))}
	return result, nil
}

// rollupSum answers a sum from the rollup when exactly one dimension is
// filtered and the rollup carries that key, or no dimension is filtered
// at all.
func rollupSum(rollup civicdata.YearRollup, p SumParams) (float64, bool) {
	dimensions := 0
	if p.Ward != 0 {
		dimensions++
	}
	if p.Category != "" {
		dimensions++
	}
	if p.Program != "" {
		dimensions++
	}

	switch {
	case dimensions == 0:
		return rollup.TotalSpend, true
	case dimensions > 1:
		return 0, false
	case p.Ward != 0:
		value, ok := rollup.ByWard[strconv.Itoa(p.Ward)]
		return value, ok
	case p.Category != "":
		return foldKeyLookup(rollup.ByCategory, p.Category)
	default:
		return foldKeyLookup(rollup.ByProgram, p.Program)
	}
}

// foldKeyLookup finds a map value by case-insensitive key.
func foldKeyLookup(m map[string]float64, key string) (float64, bool) {
	if value, ok := m[key]; ok {
		return value, true
	}
	for k, value := range m {
		if strings.EqualFold(k, key) {
			return value, true
		}
	}
	return 0, false
}

// =============================================================================
// compare_years
// =============================================================================

func (e *Executor) compareYears(ctx context.Context, p CompareParams) (*datatypes.ToolResult, error) {
	trends, _, err := e.loader.Trends(ctx)
	if err != nil {
		return nil, fmt.Errorf("compare_years: %w", err)
	}

	// Oldest first reads naturally in a comparison.
	years := make([]int, len(p.Years))
	copy(years, p.Years)
	sort.Ints(years)

	comparison := make([]datatypes.YearValue, 0, len(years))
	covered := make([]int, 0, len(years))
	for _, year := range years {
		rollup, ok := trends.Rollup(year)
		if !ok {
			slog.Debug("compare_years skipping year without rollup", slog.Int("year", year))
			continue
		}
		var value float64
		switch p.Metric {
		case MetricRevenue:
			value = rollup.TotalRevenue
		case MetricCount:
			value = float64(rollup.RecordCount)
		default:
			value = rollup.TotalSpend
		}
		comparison = append(comparison, datatypes.YearValue{Year: year, Value: value})
		covered = append(covered, year)
	}
	if len(comparison) < 2 {
		return nil, fmt.Errorf("compare_years: only %d of %d requested years have rollups", len(comparison), len(years))
	}

	return &datatypes.ToolResult{
		Dataset:    civicdata.DatasetTrends,
		Comparison: comparison,
		Metric:     p.Metric,
		Years:      covered,
		Source:     datatypes.TierTrend,
		Sources:    []string{e.loader.DocumentSource(civicdata.DatasetTrends, civicdata.VersionLatest)},
	}, nil
}

// =============================================================================
// top_k
// =============================================================================

func (e *Executor) topK(ctx context.Context, p TopKParams) (*datatypes.ToolResult, error) {
	trends, _, err := e.loader.Trends(ctx)
	if err != nil {
		return nil, fmt.Errorf("top_k: %w", err)
	}
	year, usedLatest, err := e.resolveYear(trends, p.Year)
	if err != nil {
		return nil, fmt.Errorf("top_k: %w", err)
	}

	result := &datatypes.ToolResult{
		Year:       year,
		UsedLatest: usedLatest,
		GroupBy:    p.GroupBy,
	}

	if rollup, ok := trends.Rollup(year); ok {
		grouped := rollupDimension(rollup, p.GroupBy)
		if len(grouped) > 0 {
			result.Ranking = rankMap(grouped, p.GroupBy, p.K)
			result.Dataset = civicdata.DatasetTrends
			result.Source = datatypes.TierTrend
			result.Sources = []string{e.loader.DocumentSource(civicdata.DatasetTrends, civicdata.VersionLatest)}
			return result, nil
		}
	}

	records, _, err := e.loader.Records(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("top_k: %w", err)
	}
	grouped := make(map[string]float64)
	for _, r := range records.Records {
		if r.Type != datatypes.RecordTypeBudgetLine {
			continue
		}
		key := recordDimension(r, p.GroupBy)
		if key == "" {
			continue
		}
		grouped[key] += r.Amount
	}
	if len(grouped) == 0 {
		return nil, fmt.Errorf("top_k: no %s amounts in %d", p.GroupBy, year)
	}
	result.Ranking = rankMap(grouped, p.GroupBy, p.K)
	result.Dataset = civicdata.DatasetRecords
	result.Source = datatypes.TierProcessed
	result.Sources = []string{e.loader.DocumentSource(civicdata.DatasetRecords, strconv.Itoa(year))}
	return result, nil
}

// rollupDimension picks the rollup map for a grouping dimension.
func rollupDimension(rollup civicdata.YearRollup, groupBy string) map[string]float64 {
	switch groupBy {
	case GroupByWard:
		return rollup.ByWard
	case GroupByProgram:
		return rollup.ByProgram
	default:
		return rollup.ByCategory
	}
}

// recordDimension picks the grouping key off one record.
func recordDimension(r datatypes.CivicRecord, groupBy string) string {
	switch groupBy {
	case GroupByWard:
		if r.Ward == 0 {
			return ""
		}
		return strconv.Itoa(r.Ward)
	case GroupByProgram:
		return r.Program
	default:
		return r.Category
	}
}

// rankMap turns grouped sums into the top-k ranking: stable sort by
// value descending, equal values keep key order. Ward keys render as
// "Ward N".
func rankMap(grouped map[string]float64, groupBy string, k int) []datatypes.RankEntry {
	keys := make([]string, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([]datatypes.RankEntry, 0, len(keys))
	for _, key := range keys {
		label := key
		if groupBy == GroupByWard {
			label = "Ward " + key
		}
		entries = append(entries, datatypes.RankEntry{Label: label, Value: grouped[key]})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Value > entries[j].Value
	})
	if len(entries) > k {
		entries = entries[:k]
	}
	return entries
}

// =============================================================================
// budget_balance
// =============================================================================

func (e *Executor) budgetBalance(ctx context.Context, p BalanceParams) (*datatypes.ToolResult, error) {
	trends, _, err := e.loader.Trends(ctx)
	if err != nil {
		return nil, fmt.Errorf("budget_balance: %w", err)
	}
	year, usedLatest, err := e.resolveYear(trends, p.Year)
	if err != nil {
		return nil, fmt.Errorf("budget_balance: %w", err)
	}
	rollup, ok := trends.Rollup(year)
	if !ok {
		return nil, fmt.Errorf("budget_balance: no rollup for %d", year)
	}

	return &datatypes.ToolResult{
		Dataset:    civicdata.DatasetTrends,
		Revenue:    rollup.TotalRevenue,
		Spend:      rollup.TotalSpend,
		Value:      rollup.TotalRevenue - rollup.TotalSpend,
		Year:       year,
		UsedLatest: usedLatest,
		Source:     datatypes.TierTrend,
		Sources:    []string{e.loader.DocumentSource(civicdata.DatasetTrends, civicdata.VersionLatest)},
	}, nil
}

// =============================================================================
// motion_lookup
// =============================================================================

func (e *Executor) motionLookup(ctx context.Context, p MotionParams) (*datatypes.ToolResult, error) {
	years, err := e.lookupYears(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("motion_lookup: %w", err)
	}

	for _, year := range years {
		records, _, err := e.loader.Records(ctx, year)
		if err != nil {
			// A missing year set is not the caller's fault; keep
			// walking the remaining years.
			slog.Debug("motion_lookup skipping year",
				slog.Int("year", year),
				slog.String("error", err.Error()),
			)
			continue
		}
		for i := range records.Records {
			r := &records.Records[i]
			if !matchesMotion(r, p) {
				continue
			}
			source := r.Source
			if source == "" {
				source = e.loader.DocumentSource(civicdata.DatasetRecords, strconv.Itoa(year))
			}
			return &datatypes.ToolResult{
				Dataset: civicdata.DatasetRecords,
				Record:  r,
				Year:    r.Year,
				Source:  datatypes.TierProcessed,
				Sources: []string{source},
			}, nil
		}
	}
	return nil, fmt.Errorf("motion_lookup %q%s: %w", p.ID, titleHint(p), ErrMotionNotFound)
}

func titleHint(p MotionParams) string {
	if p.Title == "" {
		return ""
	}
	return fmt.Sprintf(" (title %q)", p.Title)
}

// lookupYears decides which record years to search: the year embedded
// in the record ID when present, otherwise every available year newest
// first.
func (e *Executor) lookupYears(ctx context.Context, p MotionParams) ([]int, error) {
	if year, ok := yearFromRecordID(p.ID); ok {
		return []int{year}, nil
	}
	trends, _, err := e.loader.Trends(ctx)
	if err != nil {
		return nil, err
	}
	years := trends.YearList()
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	if len(years) == 0 {
		return nil, fmt.Errorf("no record years available")
	}
	return years, nil
}

// yearFromRecordID parses the year prefix of IDs like 2024.EX10.1.
func yearFromRecordID(id string) (int, bool) {
	head, _, found := strings.Cut(id, ".")
	if !found || len(head) != 4 {
		return 0, false
	}
	year, err := strconv.Atoi(head)
	if err != nil || year < minParamYear || year > maxParamYear {
		return 0, false
	}
	return year, true
}

func matchesMotion(r *datatypes.CivicRecord, p MotionParams) bool {
	if p.ID != "" {
		if strings.EqualFold(r.ID, p.ID) {
			return true
		}
		// Callers often cite the agenda item without its year prefix,
		// "EX10.1" for "2024.EX10.1".
		if _, ok := yearFromRecordID(r.ID); ok {
			if _, rest, found := strings.Cut(r.ID, "."); found && strings.EqualFold(rest, p.ID) {
				return true
			}
		}
	}
	if p.Title != "" && strings.EqualFold(r.Title, p.Title) {
		return true
	}
	return false
}

// =============================================================================
// glossary_lookup
// =============================================================================

func (e *Executor) glossaryLookup(p GlossaryParams) (*datatypes.ToolResult, error) {
	if e.gloss == nil {
		return nil, fmt.Errorf("glossary_lookup: no glossary configured")
	}
	entry, ok := e.gloss.Lookup(p.Term)
	if !ok {
		return nil, fmt.Errorf("glossary_lookup %q: %w", p.Term, ErrNoGlossaryMatch)
	}
	return &datatypes.ToolResult{
		Dataset:    "glossary",
		Term:       entry.Term,
		Definition: entry.Definition,
		Source:     datatypes.TierGlossary,
		Sources:    []string{entry.Source},
	}, nil
}

// =============================================================================
// web_lookup
// =============================================================================

func (e *Executor) webLookup(ctx context.Context, conversationID string, p WebParams) (*datatypes.ToolResult, error) {
	if e.web == nil {
		return nil, fmt.Errorf("web_lookup: no web client configured")
	}
	extract, err := e.web.Lookup(ctx, conversationID, p.Query, "")
	if err != nil {
		return nil, fmt.Errorf("web_lookup: %w", err)
	}
	return &datatypes.ToolResult{
		Dataset: "web",
		Excerpt: extract.Text,
		Source:  datatypes.TierWeb,
		Sources: []string{extract.URL},
	}, nil
}
