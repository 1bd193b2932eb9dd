// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools classifies questions onto a fixed catalog of
// deterministic retrieval tools and executes the accepted call against
// the civic datasets.
//
// The classifier LLM only ever proposes; nothing it outputs is trusted.
// Every proposed call is re-validated against the tool's parameter
// schema before execution, and anything that fails validation or lands
// under the confidence floor is discarded so the retrieval cascade can
// move on.
package tools

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Tool names. The catalog is closed: the classifier must answer with
// one of these or the explicit no-tool sentinel.
const (
	ToolCount    = "count_records"
	ToolSum      = "sum_amount"
	ToolCompare  = "compare_years"
	ToolTopK     = "top_k"
	ToolBalance  = "budget_balance"
	ToolMotion   = "motion_lookup"
	ToolGlossary = "glossary_lookup"
	ToolWeb      = "web_lookup"
)

// NoToolSentinel is the classifier's explicit "no tool applies" answer.
const NoToolSentinel = "none"

// ToolSpec describes one catalog entry to the classifier.
type ToolSpec struct {
	// Name is the wire name of the tool.
	Name string

	// Description says what the tool computes.
	Description string

	// Params lists the accepted parameters with their types.
	Params []string

	// Example is a question the tool is right for.
	Example string
}

// Catalog returns the full tool catalog in presentation order.
func Catalog() []ToolSpec {
	return []ToolSpec{
		{
			Name:        ToolCount,
			Description: "Count civic records matching filters (ward, category, program, councillor, record type) for one year.",
			Params:      []string{"year (int)", "ward (int)", "category (string)", "program (string)", "councillor (string)", "record_type (budget_line|motion|vote|contract|lobbying)"},
			Example:     "How many motions were filed in 2024?",
		},
		{
			Name:        ToolSum,
			Description: "Sum budget amounts matching filters (ward, category, program) for one year.",
			Params:      []string{"year (int)", "ward (int)", "category (string)", "program (string)"},
			Example:     "How much did Ward 10 get for transit in 2024?",
		},
		{
			Name:        ToolCompare,
			Description: "Compare a budget metric across two or more years.",
			Params:      []string{"years (int array, at least 2)", "metric (spend|revenue|count)"},
			Example:     "Compare total spending in 2022 and 2024.",
		},
		{
			Name:        ToolTopK,
			Description: "Rank the largest spending groups for one year, grouped by category, ward or program.",
			Params:      []string{"k (int, 1-10)", "group_by (category|ward|program)", "year (int)"},
			Example:     "What were the top 5 spending categories in 2024?",
		},
		{
			Name:        ToolBalance,
			Description: "Report total revenue versus total spend for one budget year.",
			Params:      []string{"year (int)"},
			Example:     "Did the city run a surplus in 2023?",
		},
		{
			Name:        ToolMotion,
			Description: "Look up a single motion or agenda item by its identifier or exact title.",
			Params:      []string{"id (string, e.g. 2024.EX10.1)", "title (string)"},
			Example:     "What happened with item 2024.EX10.1?",
		},
		{
			Name:        ToolGlossary,
			Description: "Define a municipal finance or council term from the curated glossary.",
			Params:      []string{"term (string)"},
			Example:     "What is a debenture?",
		},
		{
			Name:        ToolWeb,
			Description: "Fetch a page from an approved council site when the curated datasets cannot answer.",
			Params:      []string{"query (string)"},
			Example:     "What does the council site say about the new shelter levy?",
		},
	}
}

// classifierPromptTemplate renders the tool catalog into the system
// prompt. Output-format instructions are strict: bare JSON with the
// exact field set, or the sentinel. The parser downstream tolerates
// fenced output anyway because small models ignore instructions.
const classifierPromptTemplate = `You are a tool classifier for a municipal civic-data question service. Select the SINGLE best tool for the user's question, or decide that no tool applies.

## Available Tools
{{range .Tools}}
### {{.Name}}
{{.Description}}
Parameters: {{join .Params ", "}}
Example: "{{.Example}}"
{{end}}
## Rules

- Pick a tool ONLY when the question is a direct computation or lookup the tool performs.
- Questions asking "why", asking for opinions, or needing narrative context do not get a tool; answer "{{.Sentinel}}".
- Do not invent parameter values the question does not contain. Omit absent parameters.
- "this year" or "latest" means: omit the year parameter.
- compare_years needs at least two distinct years stated in the question.

## Output Format
Respond with ONLY a JSON object. No explanation, no markdown, just JSON:
{"tool": "<tool_name>", "confidence": <0.0-1.0>, "params": {<parameter values>}}

If no tool applies:
{"tool": "{{.Sentinel}}", "confidence": <0.0-1.0>, "params": {}}

Example outputs:
{"tool": "sum_amount", "confidence": 0.92, "params": {"ward": 10, "category": "transit", "year": 2024}}
{"tool": "compare_years", "confidence": 0.85, "params": {"years": [2022, 2024], "metric": "spend"}}
{"tool": "none", "confidence": 0.7, "params": {}}`

type classifierPromptData struct {
	Tools    []ToolSpec
	Sentinel string
}

// BuildClassifierPrompt renders the routing system prompt from the
// catalog.
func BuildClassifierPrompt() (string, error) {
	tmpl, err := template.New("classifier").
		Funcs(template.FuncMap{"join": strings.Join}).
		Parse(classifierPromptTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing classifier template: %w", err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, classifierPromptData{Tools: Catalog(), Sentinel: NoToolSentinel})
	if err != nil {
		return "", fmt.Errorf("rendering classifier prompt: %w", err)
	}
	return buf.String(), nil
}

// KnownTool reports whether name is a catalog tool.
func KnownTool(name string) bool {
	switch name {
	case ToolCount, ToolSum, ToolCompare, ToolTopK, ToolBalance, ToolMotion, ToolGlossary, ToolWeb:
		return true
	}
	return false
}
