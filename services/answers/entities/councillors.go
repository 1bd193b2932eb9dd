// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package entities

import (
	"strings"

	"github.com/WardlightCivic/Wardlight/services/answers/civicdata"
)

// honorifics are dropped before name matching; "Councillor Vasquez" and
// "Vasquez" should resolve identically.
var honorifics = map[string]bool{
	"councillor":   true,
	"councilwoman": true,
	"councilman":   true,
	"mayor":        true,
	"deputy":       true,
	"mr":           true,
	"ms":           true,
	"mrs":          true,
	"dr":           true,
}

// CanonicalizeCouncillor resolves a free-text name to a roster member.
//
// Description:
//
//	Three rungs, strictest first:
//	 1. exact case-insensitive match on the full name,
//	 2. a single-token query matching exactly one candidate's token
//	    (the surname case),
//	 3. multi-token overlap scoring, requiring at least two shared
//	    tokens, ties broken toward the candidate with fewer total
//	    tokens; a remaining tie resolves nothing.
//
// Outputs:
//   - string: The candidate's canonical name on success, the input
//     otherwise. Unresolvable names are preserved, not discarded.
//   - bool: Whether a candidate was resolved.
func CanonicalizeCouncillor(name string, candidates []civicdata.Councillor) (string, bool) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || len(candidates) == 0 {
		return name, false
	}

	for _, candidate := range candidates {
		if strings.EqualFold(trimmed, candidate.Name) {
			return candidate.Name, true
		}
	}

	queryTokens := nameTokens(trimmed)
	if len(queryTokens) == 0 {
		return name, false
	}

	if len(queryTokens) == 1 {
		return matchSingleToken(name, queryTokens[0], candidates)
	}
	return matchTokenOverlap(name, queryTokens, candidates)
}

// matchSingleToken accepts a lone token only when exactly one candidate
// carries it; "smith" with two Smiths on the roster stays unresolved.
func matchSingleToken(name, token string, candidates []civicdata.Councillor) (string, bool) {
	var match string
	matches := 0
	for _, candidate := range candidates {
		for _, candidateToken := range nameTokens(candidate.Name) {
			if candidateToken == token {
				match = candidate.Name
				matches++
				break
			}
		}
	}
	if matches == 1 {
		return match, true
	}
	return name, false
}

func matchTokenOverlap(name string, queryTokens []string, candidates []civicdata.Councillor) (string, bool) {
	bestIndex := -1
	bestOverlap := 0
	bestTokenCount := 0
	tied := false

	for i, candidate := range candidates {
		candidateTokens := nameTokens(candidate.Name)
		overlap := tokenOverlap(queryTokens, candidateTokens)
		if overlap < 2 {
			continue
		}
		switch {
		case overlap > bestOverlap:
			bestIndex, bestOverlap, bestTokenCount, tied = i, overlap, len(candidateTokens), false
		case overlap == bestOverlap && len(candidateTokens) < bestTokenCount:
			bestIndex, bestTokenCount, tied = i, len(candidateTokens), false
		case overlap == bestOverlap && len(candidateTokens) == bestTokenCount:
			tied = true
		}
	}

	if bestIndex < 0 || tied {
		return name, false
	}
	return candidates[bestIndex].Name, true
}

// nameTokens lowercases, strips per-token punctuation and drops
// honorifics and empty fragments.
func nameTokens(name string) []string {
	fields := strings.Fields(strings.ToLower(name))
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		token := strings.Trim(field, ".,'\"")
		if token == "" || honorifics[token] {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}

// tokenOverlap counts distinct shared tokens.
func tokenOverlap(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, token := range a {
		set[token] = true
	}
	overlap := 0
	seen := make(map[string]bool, len(b))
	for _, token := range b {
		if set[token] && !seen[token] {
			overlap++
			seen[token] = true
		}
	}
	return overlap
}
