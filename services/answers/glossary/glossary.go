// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package glossary answers "what is X" questions about municipal finance
// and council procedure from an embedded, curated term list. Definitions
// ship with the binary so glossary answers work with no network access
// and no LLM involvement.
package glossary

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed glossary.yaml
var seedYAML []byte

// Entry is one curated glossary definition.
type Entry struct {
	// Term is the canonical display form, e.g. "operating budget".
	Term string `yaml:"term" json:"term"`

	// Aliases are alternative wordings that resolve to this entry.
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`

	// Definition is the plain-language explanation, two to four sentences.
	Definition string `yaml:"definition" json:"definition"`

	// SeeAlso lists related canonical terms.
	SeeAlso []string `yaml:"see_also,omitempty" json:"see_also,omitempty"`

	// Source is the citable reference for this definition.
	Source string `yaml:"source" json:"source"`
}

// Glossary is the loaded term list with a normalized lookup index.
//
// Thread Safety: immutable after Load; safe for concurrent readers.
type Glossary struct {
	entries []Entry
	index   map[string]int
}

type seedFile struct {
	Terms []Entry `yaml:"terms"`
}

// Load parses the embedded seed glossary and builds the lookup index.
//
// Description:
//
//	Every canonical term and alias is indexed under its normalized form.
//	Two entries claiming the same normalized key is a packaging mistake
//	and fails loudly rather than silently shadowing a definition.
//
// Outputs:
//   - *Glossary: The ready-to-query glossary.
//   - error: Non-nil if the seed is malformed or self-conflicting.
func Load() (*Glossary, error) {
	var seed seedFile
	if err := yaml.Unmarshal(seedYAML, &seed); err != nil {
		return nil, fmt.Errorf("glossary: parsing embedded seed: %w", err)
	}
	if len(seed.Terms) == 0 {
		return nil, fmt.Errorf("glossary: embedded seed contains no terms")
	}

	g := &Glossary{
		entries: seed.Terms,
		index:   make(map[string]int, len(seed.Terms)*2),
	}
	for i, entry := range seed.Terms {
		if entry.Term == "" || entry.Definition == "" || entry.Source == "" {
			return nil, fmt.Errorf("glossary: entry %d missing term, definition or source", i)
		}
		keys := append([]string{entry.Term}, entry.Aliases...)
		for _, key := range keys {
			normalized := Normalize(key)
			if normalized == "" {
				return nil, fmt.Errorf("glossary: entry %q has an empty key after normalization", entry.Term)
			}
			if prev, exists := g.index[normalized]; exists && prev != i {
				return nil, fmt.Errorf("glossary: key %q claimed by both %q and %q",
					normalized, g.entries[prev].Term, entry.Term)
			}
			g.index[normalized] = i
		}
	}
	return g, nil
}

// Lookup resolves a term or alias to its entry.
//
// Description:
//
//	The query is normalized the same way index keys are, so casing,
//	leading articles and trailing punctuation never matter. A plain
//	trailing "s" is retried stripped, which covers pluralized queries
//	the alias list does not spell out.
//
// Outputs:
//   - Entry: The matched definition. Zero value on miss.
//   - bool: False when nothing matched.
func (g *Glossary) Lookup(term string) (Entry, bool) {
	key := Normalize(term)
	if key == "" {
		return Entry{}, false
	}
	if i, ok := g.index[key]; ok {
		return g.entries[i], true
	}
	if singular, found := strings.CutSuffix(key, "s"); found {
		if i, ok := g.index[singular]; ok {
			return g.entries[i], true
		}
	}
	return Entry{}, false
}

// Terms returns all canonical terms, sorted, for listings.
func (g *Glossary) Terms() []string {
	terms := make([]string, len(g.entries))
	for i, entry := range g.entries {
		terms[i] = entry.Term
	}
	sort.Strings(terms)
	return terms
}

// Normalize produces the canonical lookup key for a term: lowercased,
// whitespace collapsed, surrounding quotes, trailing punctuation and a
// single leading article removed.
func Normalize(term string) string {
	key := strings.ToLower(strings.TrimSpace(term))
	key = strings.Trim(key, `"'`)
	key = strings.TrimRight(key, "?.!,;:")
	key = strings.Join(strings.Fields(key), " ")
	for _, article := range []string{"a ", "an ", "the "} {
		if rest, found := strings.CutPrefix(key, article); found {
			key = rest
			break
		}
	}
	return key
}

// ============================================================================
// Definition-question detection
// ============================================================================

// definitionPatterns are tried in order; the first capture wins. More
// specific shapes come before the catch-all "what is".
var definitionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwhat\s+does\s+(.+?)\s+mean\b`),
	regexp.MustCompile(`(?i)\b(?:definition|meaning)\s+of\s+(.+?)[?.!]*\s*$`),
	regexp.MustCompile(`(?i)\bdefine\s+(.+?)[?.!]*\s*$`),
	regexp.MustCompile(`(?i)\bwhat\s+(?:is|are)\s+(.+?)[?.!]*\s*$`),
	regexp.MustCompile(`(?i)\bwhat's\s+(.+?)[?.!]*\s*$`),
}

// DefinitionTerm reports whether the message reads like a definition
// question and, if so, returns the candidate term text.
//
// Limitations: the candidate is raw message text; callers still have to
// Lookup it, and a miss there means the message was not really asking
// for a glossary definition.
func DefinitionTerm(message string) (string, bool) {
	for _, pattern := range definitionPatterns {
		if m := pattern.FindStringSubmatch(message); m != nil {
			candidate := strings.TrimSpace(m[1])
			if candidate != "" {
				return candidate, true
			}
		}
	}
	return "", false
}
