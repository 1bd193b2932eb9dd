// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command wardlight is the operator CLI for the Wardlight answers server.
//
// Usage:
//
//	wardlight ask "How much did Ward 10 get for transit in 2024?"
//	wardlight chat
//	wardlight diag
//	wardlight glossary "operating budget"
//
// The server address comes from --server, then WARDLIGHT_SERVER_URL, then
// http://localhost:8085.
package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// serverURL holds the --server flag value.
var serverURL string

var rootCmd = &cobra.Command{
	Use:   "wardlight",
	Short: "Ask questions about municipal budgets and council records",
	Long: `Wardlight answers natural-language questions about municipal budgets,
council motions, votes and lobbying records. Answers are grounded in
published datasets and always cite their sources; when no grounded
answer exists the server says so instead of guessing.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"Answers server base URL (default $WARDLIGHT_SERVER_URL or http://localhost:8085)")
	rootCmd.AddCommand(askCmd, chatCmd, diagCmd, glossaryCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// baseURL resolves the server address from flag, environment or default.
func baseURL() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	if env := os.Getenv("WARDLIGHT_SERVER_URL"); env != "" {
		return strings.TrimRight(env, "/")
	}
	return "http://localhost:8085"
}
