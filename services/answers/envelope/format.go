// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package envelope

import (
	"strconv"
	"strings"

	"github.com/WardlightCivic/Wardlight/services/answers/datatypes"
)

// CompactMoney renders a dollar amount in compact form:
// 1234567890 → "$1.23B", 4500000 → "$4.5M", 1200 → "$1.2K".
func CompactMoney(amount float64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}

	var scaled float64
	var suffix string
	switch {
	case amount >= 1e9:
		scaled, suffix = amount/1e9, "B"
	case amount >= 1e6:
		scaled, suffix = amount/1e6, "M"
	case amount >= 1e3:
		scaled, suffix = amount/1e3, "K"
	default:
		return sign + "$" + trimTrailingZeros(strconv.FormatFloat(amount, 'f', 2, 64))
	}
	return sign + "$" + trimTrailingZeros(strconv.FormatFloat(scaled, 'f', 2, 64)) + suffix
}

// FormatPercent renders a fraction as a percentage with at most one
// decimal: 0.078 → "7.8%", 0.25 → "25%".
func FormatPercent(fraction float64) string {
	return trimTrailingZeros(strconv.FormatFloat(fraction*100, 'f', 1, 64)) + "%"
}

// FormatCount renders an integer with thousands separators.
func FormatCount(n int) string {
	s := strconv.Itoa(n)
	start := 0
	if s[0] == '-' {
		start = 1
	}
	digits := len(s) - start
	if digits <= 3 {
		return s
	}

	var b strings.Builder
	b.WriteString(s[:start])
	lead := digits % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(s[start : start+lead])
	for i := start + lead; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func trimTrailingZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// recordTypeLabels map record type codes to display nouns.
var recordTypeLabels = map[string]string{
	datatypes.RecordTypeBudgetLine: "budget line",
	datatypes.RecordTypeMotion:     "motion",
	datatypes.RecordTypeVote:       "vote",
	datatypes.RecordTypeContract:   "contract",
	datatypes.RecordTypeLobbying:   "lobbying registration",
}

// recordLabel renders a pluralized display noun for n records of the
// given types. Mixed or unknown types fall back to "record".
func recordLabel(dataTypes []string, n int) string {
	label := "record"
	if len(dataTypes) == 1 {
		if known, ok := recordTypeLabels[dataTypes[0]]; ok {
			label = known
		}
	}
	if n == 1 {
		return label
	}
	return label + "s"
}

// outcomePhrase renders a motion outcome as a verb phrase.
func outcomePhrase(outcome string) string {
	switch outcome {
	case datatypes.OutcomeCarried:
		return "was carried"
	case datatypes.OutcomeLost:
		return "was lost"
	case datatypes.OutcomeReferred:
		return "was referred"
	case datatypes.OutcomeWithdrawn:
		return "was withdrawn"
	default:
		return "is on record"
	}
}

// dedupeSources keeps the first occurrence of each source, preserving
// order.
func dedupeSources(sources []string) []string {
	if len(sources) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(sources))
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
