// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package glossary

import (
	"strings"
	"testing"
)

func loadGlossary(t *testing.T) *Glossary {
	t.Helper()
	g, err := Load()
	if err != nil {
		t.Fatalf("loading embedded glossary: %v", err)
	}
	return g
}

func TestLoad_EmbeddedSeed(t *testing.T) {
	g := loadGlossary(t)

	terms := g.Terms()
	if len(terms) < 15 {
		t.Errorf("terms = %d, want at least 15", len(terms))
	}
	for i := 1; i < len(terms); i++ {
		if terms[i-1] > terms[i] {
			t.Fatalf("terms not sorted: %q before %q", terms[i-1], terms[i])
		}
	}

	entry, ok := g.Lookup("operating budget")
	if !ok {
		t.Fatal("operating budget missing from seed")
	}
	if entry.Definition == "" || entry.Source == "" {
		t.Errorf("entry incomplete: %+v", entry)
	}
	if !strings.HasPrefix(entry.Source, "https://wardlight.org/glossary#") {
		t.Errorf("source = %q, want a wardlight.org glossary anchor", entry.Source)
	}
}

func TestGlossary_Lookup(t *testing.T) {
	g := loadGlossary(t)

	tests := []struct {
		name     string
		query    string
		wantTerm string
		wantOK   bool
	}{
		{"exact", "operating budget", "operating budget", true},
		{"case insensitive", "Operating Budget", "operating budget", true},
		{"alias", "levy", "property tax levy", true},
		{"hyphenated alias", "by-law", "bylaw", true},
		{"leading article", "the capital budget", "capital budget", true},
		{"trailing punctuation", "debenture?", "debenture", true},
		{"quoted", `"reserve fund"`, "reserve fund", true},
		{"plural fallback", "reserve funds", "reserve fund", true},
		{"plural alias", "reserves", "reserve fund", true},
		{"uppercase alias", "DCs", "development charges", true},
		{"extra whitespace", "  recorded   vote  ", "recorded vote", true},
		{"unknown term", "quantum computing", "", false},
		{"empty", "", "", false},
		{"only punctuation", "???", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			entry, ok := g.Lookup(tc.query)
			if ok != tc.wantOK {
				t.Fatalf("Lookup(%q) ok = %v, want %v", tc.query, ok, tc.wantOK)
			}
			if ok && entry.Term != tc.wantTerm {
				t.Errorf("Lookup(%q) = %q, want %q", tc.query, entry.Term, tc.wantTerm)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Operating Budget", "operating budget"},
		{"  the   tax levy?  ", "tax levy"},
		{`"assessment"`, "assessment"},
		{"an agenda item.", "agenda item"},
		{"A Motion!", "motion"},
		{"", ""},
	}

	for _, tc := range tests {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDefinitionTerm(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
		wantOK  bool
	}{
		{"what is", "What is a debenture?", "a debenture", true},
		{"what are", "what are development charges", "development charges", true},
		{"what does mean", "What does DCs mean?", "DCs", true},
		{"contraction", "What's a bylaw?", "a bylaw", true},
		{"define", "define reserve fund", "reserve fund", true},
		{"meaning of", "Meaning of recorded vote", "recorded vote", true},
		{"definition of", "definition of the tax levy?", "the tax levy", true},
		{"amount question", "How much did ward 10 spend on transit?", "", false},
		{"imperative", "Sum transit spending for 2024", "", false},
		{"empty", "", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := DefinitionTerm(tc.message)
			if ok != tc.wantOK {
				t.Fatalf("DefinitionTerm(%q) ok = %v, want %v", tc.message, ok, tc.wantOK)
			}
			if got != tc.want {
				t.Errorf("DefinitionTerm(%q) = %q, want %q", tc.message, got, tc.want)
			}
		})
	}
}

// The heuristic hands raw text to Lookup; together they should accept a
// clean definition question and reject one carrying extra qualifiers.
func TestDefinitionTerm_ThenLookup(t *testing.T) {
	g := loadGlossary(t)

	candidate, ok := DefinitionTerm("What is the operating budget?")
	if !ok {
		t.Fatal("definition question not detected")
	}
	entry, ok := g.Lookup(candidate)
	if !ok || entry.Term != "operating budget" {
		t.Fatalf("Lookup(%q) = %+v,%v, want operating budget", candidate, entry, ok)
	}

	candidate, ok = DefinitionTerm("What is the operating budget for ward 10 in 2024?")
	if !ok {
		t.Fatal("definition shape should still be detected")
	}
	if _, ok := g.Lookup(candidate); ok {
		t.Fatalf("Lookup(%q) matched, want miss so the cascade can continue", candidate)
	}
}
