// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package weblookup

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// maxExtractedChars caps the text handed back to the caller. Council
// documents run long and the downstream prompt only has room for the
// first stretch of the page anyway.
const maxExtractedChars = 12000

// =============================================================================
// HTML extraction
// =============================================================================

// Tags whose text content is never prose. Their subtrees are skipped
// entirely during the walk.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
	"template": true,
	"iframe":   true,
	"svg":      true,
}

// Block-level tags that force a line break between text runs so that
// headings and paragraphs do not glue together.
var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "tr": true, "br": true, "table": true, "ul": true, "ol": true,
	"header": true, "footer": true, "nav": true, "blockquote": true,
}

// extractHTML parses an HTML document and returns its title and visible
// text.
//
// Description:
//
//	Walks the parse tree collecting text nodes. Script, style and other
//	non-prose subtrees are skipped. Block elements insert line breaks;
//	runs of whitespace collapse to a single space within a line. The
//	parser tolerates truncated input, so a size-capped fetch still
//	yields the leading portion of the page.
//
// Outputs:
//   - title: contents of the first <title> element, trimmed.
//   - text: visible text, capped at maxExtractedChars.
func extractHTML(r io.Reader) (title, text string, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", fmt.Errorf("parsing html: %w", err)
	}

	var sb strings.Builder
	var walk func(n *html.Node, inTitle bool)
	walk = func(n *html.Node, inTitle bool) {
		switch n.Type {
		case html.ElementNode:
			if skippedElements[n.Data] {
				// Title lives inside <head>, pull it before skipping.
				if n.Data == "head" {
					if t := findTitle(n); title == "" {
						title = t
					}
				}
				return
			}
			if n.Data == "title" {
				inTitle = true
			}
			if blockElements[n.Data] {
				sb.WriteByte('\n')
			}
		case html.TextNode:
			if inTitle {
				if title == "" {
					title = strings.TrimSpace(n.Data)
				}
				return
			}
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inTitle)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			sb.WriteByte('\n')
		}
	}
	walk(doc, false)

	return title, capText(collapseWhitespace(sb.String())), nil
}

// findTitle returns the text of the first <title> under n.
func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" {
		var sb strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				sb.WriteString(c.Data)
			}
		}
		return strings.TrimSpace(sb.String())
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// collapseWhitespace normalizes extracted text: spaces and tabs collapse
// within a line, blank lines collapse to one newline, and leading or
// trailing whitespace is dropped.
func collapseWhitespace(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	lastSpace := false
	lastNewline := true
	for _, r := range s {
		switch r {
		case '\n', '\r':
			if !lastNewline {
				sb.WriteByte('\n')
				lastNewline = true
			}
			lastSpace = false
		case ' ', '\t', ' ':
			if !lastSpace && !lastNewline {
				sb.WriteByte(' ')
				lastSpace = true
			}
		default:
			sb.WriteRune(r)
			lastSpace = false
			lastNewline = false
		}
	}
	return strings.TrimSpace(sb.String())
}

// =============================================================================
// PDF extraction
// =============================================================================

// extractPDF pulls plain text out of a PDF document held in memory.
// Pages that fail to decode are skipped; staff reports often mix
// scanned and native pages and the native ones alone are usually
// enough. Returns an error when no page yields any text, which also
// covers documents truncated by the fetch size cap.
func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		if sb.Len() >= maxExtractedChars {
			break
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(text)
	}

	if sb.Len() == 0 {
		return "", fmt.Errorf("no extractable text in %d-page pdf", reader.NumPage())
	}
	return capText(collapseWhitespace(sb.String())), nil
}

// capText truncates text to maxExtractedChars at a rune boundary.
func capText(s string) string {
	if len(s) <= maxExtractedChars {
		return s
	}
	cut := maxExtractedChars
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
