// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package weblookup

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestExtractHTML(t *testing.T) {
	doc := `<!DOCTYPE html>
<html>
<head>
  <title>  Council Meeting 2024.EX10 — Agenda  </title>
  <style>body { color: red; }</style>
  <script>window.tracker = "nope";</script>
</head>
<body>
  <nav>Home | Agendas | Contact</nav>
  <h1>Executive Committee</h1>
  <p>Item <b>EX10.1</b> carried   unanimously.</p>
  <noscript>Please enable JavaScript.</noscript>
  <div>Budget impact: $4,500,000.</div>
</body>
</html>`

	title, text, err := extractHTML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("extractHTML: %v", err)
	}
	if title != "Council Meeting 2024.EX10 — Agenda" {
		t.Errorf("title = %q", title)
	}
	for _, want := range []string{
		"Executive Committee",
		"Item EX10.1 carried unanimously.",
		"Budget impact: $4,500,000.",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q\ngot: %q", want, text)
		}
	}
	for _, reject := range []string{"color: red", "window.tracker", "enable JavaScript"} {
		if strings.Contains(text, reject) {
			t.Errorf("text contains non-prose content %q", reject)
		}
	}
	if strings.Contains(text, "Council Meeting 2024.EX10") {
		t.Error("title text leaked into body text")
	}
}

func TestExtractHTML_BlockElementsBreakLines(t *testing.T) {
	doc := `<html><body><h2>Revenue</h2><p>Up 3%.</p><h2>Spending</h2><p>Flat.</p></body></html>`

	_, text, err := extractHTML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("extractHTML: %v", err)
	}
	if strings.Contains(text, "RevenueUp") || strings.Contains(text, "SpendingFlat") {
		t.Errorf("headings glued to paragraphs: %q", text)
	}
}

func TestExtractHTML_TruncatedInputStillExtracts(t *testing.T) {
	// A size-capped fetch can cut a page mid-tag. The parser must still
	// yield the leading content.
	doc := `<html><head><title>Budget Variance Report</title></head><body><p>Q3 variance was $2.1M favourable.</p><p>Detail tabl`

	title, text, err := extractHTML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("extractHTML on truncated input: %v", err)
	}
	if title != "Budget Variance Report" {
		t.Errorf("title = %q", title)
	}
	if !strings.Contains(text, "favourable") {
		t.Errorf("leading content lost: %q", text)
	}
}

func TestExtractHTML_NoTitle(t *testing.T) {
	title, text, err := extractHTML(strings.NewReader(`<html><body><p>hello</p></body></html>`))
	if err != nil {
		t.Fatalf("extractHTML: %v", err)
	}
	if title != "" {
		t.Errorf("title = %q, want empty", title)
	}
	if text != "hello" {
		t.Errorf("text = %q, want %q", text, "hello")
	}
}

func TestCollapseWhitespace(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"spaces collapse", "a   b\t\tc", "a b c"},
		{"blank lines collapse", "a\n\n\n\nb", "a\nb"},
		{"trailing space before newline dropped", "a  \nb", "a\nb"},
		{"nbsp treated as space", "a  b", "a b"},
		{"leading and trailing trimmed", "  \n a \n  ", "a"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := collapseWhitespace(tt.in); got != tt.want {
				t.Errorf("collapseWhitespace(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractPDF_RejectsNonPDF(t *testing.T) {
	if _, err := extractPDF([]byte("<html><body>not a pdf</body></html>")); err == nil {
		t.Error("expected error for non-PDF bytes")
	}
	if _, err := extractPDF(nil); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestCapText(t *testing.T) {
	long := strings.Repeat("démonstration ", 1200)
	capped := capText(long)
	if len(capped) > maxExtractedChars {
		t.Errorf("capped length = %d, want <= %d", len(capped), maxExtractedChars)
	}
	if !utf8.ValidString(capped) {
		t.Error("cap split a multi-byte rune")
	}
	if short := capText("short"); short != "short" {
		t.Errorf("capText(short) = %q", short)
	}
}
