// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// Mirrors of the server's diagnostic snapshot types.
type circuitInfo struct {
	Endpoint    string    `json:"endpoint"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	NextAttempt time.Time `json:"next_attempt"`
	LastError   string    `json:"last_error"`
}

type circuitsResponse struct {
	Circuits []circuitInfo `json:"circuits"`
	Count    int           `json:"count"`
}

type bucketInfo struct {
	Key        string    `json:"key"`
	Tokens     int       `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
	LastSeen   time.Time `json:"last_seen"`
}

type rateLimitResponse struct {
	Buckets []bucketInfo `json:"buckets"`
	Count   int          `json:"count"`
}

type budgetInfo struct {
	ConversationID string    `json:"conversation_id"`
	Used           int       `json:"used"`
	Remaining      int       `json:"remaining"`
	OldestLookup   time.Time `json:"oldest_lookup"`
}

type webBudgetResponse struct {
	Conversations []budgetInfo `json:"conversations"`
	Count         int          `json:"count"`
}

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Show server diagnostics: circuits, rate limits, web budgets",
	Long: `Diag prints the answers server's in-memory operational state: circuit
breaker status per upstream endpoint, active per-client rate limit
buckets, and remaining web lookup allowances per conversation.`,
	Run: runDiagCommand,
}

func runDiagCommand(cmd *cobra.Command, args []string) {
	var circuits circuitsResponse
	if err := fetchDiag("/v1/diag/circuits", &circuits); err != nil {
		log.Fatalf("Error: %v", err)
	}
	printCircuits(circuits)

	var buckets rateLimitResponse
	if err := fetchDiag("/v1/diag/ratelimit", &buckets); err != nil {
		log.Fatalf("Error: %v", err)
	}
	printBuckets(buckets)

	var budgets webBudgetResponse
	if err := fetchDiag("/v1/diag/webbudget", &budgets); err != nil {
		log.Fatalf("Error: %v", err)
	}
	printBudgets(budgets)
}

// fetchDiag GETs one diagnostics endpoint and decodes the JSON body into out.
func fetchDiag(path string, out any) error {
	url := baseURL() + path

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("contacting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}

func printCircuits(resp circuitsResponse) {
	fmt.Printf("Circuit breakers (%d)\n", resp.Count)
	if resp.Count == 0 {
		fmt.Println("  (none)")
		fmt.Println()
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ENDPOINT\tSTATE\tFAILURES\tNEXT ATTEMPT\tLAST ERROR")
	for _, c := range resp.Circuits {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\n",
			c.Endpoint, c.State, c.Failures, relTime(c.NextAttempt), truncate(c.LastError, 60))
	}
	w.Flush()
	fmt.Println()
}

func printBuckets(resp rateLimitResponse) {
	fmt.Printf("Rate limit buckets (%d)\n", resp.Count)
	if resp.Count == 0 {
		fmt.Println("  (none)")
		fmt.Println()
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  KEY\tTOKENS\tLAST SEEN")
	for _, b := range resp.Buckets {
		fmt.Fprintf(w, "  %s\t%d\t%s\n", b.Key, b.Tokens, relTime(b.LastSeen))
	}
	w.Flush()
	fmt.Println()
}

func printBudgets(resp webBudgetResponse) {
	fmt.Printf("Web lookup budgets (%d)\n", resp.Count)
	if resp.Count == 0 {
		fmt.Println("  (none)")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  CONVERSATION\tUSED\tREMAINING\tOLDEST LOOKUP")
	for _, b := range resp.Conversations {
		fmt.Fprintf(w, "  %s\t%d\t%d\t%s\n",
			b.ConversationID, b.Used, b.Remaining, relTime(b.OldestLookup))
	}
	w.Flush()
}

// relTime renders a timestamp relative to now: "in 12s" for the future,
// "3m5s ago" for the past, "-" for the zero value.
func relTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Until(t).Round(time.Second)
	if d >= 0 {
		return "in " + d.String()
	}
	return (-d).String() + " ago"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
