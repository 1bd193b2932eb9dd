// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/WardlightCivic/Wardlight/services/answers/civicdata"
	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
	"github.com/WardlightCivic/Wardlight/services/answers/envelope"
)

// maxOverlayYears bounds the trailing window; rollups rarely reach
// further back anyway.
const maxOverlayYears = 10

var overlayApplied = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "wardlight",
	Subsystem: "ask",
	Name:      "aggregate_overlay_total",
	Help:      "Questions that received the trailing-window aggregate overlay.",
})

var trailingWindowPattern = regexp.MustCompile(
	`(?i)\b(?:last|past|previous)\s+(\d{1,2}|two|three|four|five|six|seven|eight|nine|ten)\s+years\b`)

var numberWords = map[string]int{
	"two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// trailingWindow parses a "last N years" request out of the message.
func trailingWindow(message string) (int, bool) {
	m := trailingWindowPattern.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	raw := strings.ToLower(m[1])
	n, ok := numberWords[raw]
	if !ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return 0, false
		}
		n = parsed
	}
	if n < 2 {
		return 0, false
	}
	if n > maxOverlayYears {
		n = maxOverlayYears
	}
	return n, true
}

// applyOverlay prepends trailing-window council aggregates to an
// answered context.
//
// Description:
//
//	Runs after the cascade settles, independent of which stage
//	answered. A question asking about the last N years gets per-year
//	spend, revenue, record counts and motion outcomes from the trend
//	rollup prepended to the context text, with the rollup document
//	added as a source. Fail-closed contexts stay closed: grounded
//	statistics bolted onto a no-answer would read as half an answer.
func (o *Orchestrator) applyOverlay(ctx context.Context, q Question, rc *datatypes.RetrievalContext) {
	if rc == nil || rc.NoAnswer {
		return
	}
	n, ok := trailingWindow(q.Text)
	if !ok {
		return
	}
	trends, _, err := o.loader.Trends(ctx)
	if err != nil {
		slog.Debug("aggregate overlay skipped", slog.String("error", err.Error()))
		return
	}
	latest, ok := trends.LatestYear(o.now().Year())
	if !ok {
		return
	}

	first, last := 0, 0
	var lines []string
	for year := latest - n + 1; year <= latest; year++ {
		rollup, ok := trends.Rollup(year)
		if !ok {
			continue
		}
		if first == 0 {
			first = year
		}
		last = year
		lines = append(lines, overlayLine(year, rollup))
	}
	if len(lines) == 0 {
		return
	}

	header := fmt.Sprintf("Council aggregates, %d to %d:", first, last)
	rc.Data = joinBlocks(header+"\n"+strings.Join(lines, "\n"), rc.Data)
	source := o.loader.DocumentSource(civicdata.DatasetTrends, civicdata.VersionLatest)
	rc.Sources = append([]string{source}, rc.Sources...)
	overlayApplied.Inc()
}

func overlayLine(year int, r civicdata.YearRollup) string {
	line := fmt.Sprintf("- %d: spend %s, revenue %s, %s records",
		year,
		envelope.CompactMoney(r.TotalSpend),
		envelope.CompactMoney(r.TotalRevenue),
		envelope.FormatCount(r.RecordCount))
	if r.MotionsPassed != 0 || r.MotionsFailed != 0 {
		line += fmt.Sprintf("; motions %d passed, %d failed", r.MotionsPassed, r.MotionsFailed)
	}
	return line
}
