// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/WardlightCivic/Wardlight/services/answers/glossary"
)

var glossaryCmd = &cobra.Command{
	Use:   "glossary [term]",
	Short: "Look up a civic finance term, or list all terms",
	Long: `Glossary explains municipal finance vocabulary from the curated seed
shipped with the server. With no argument it lists every term; with one
it prints the definition. Works offline.

Examples:
  wardlight glossary
  wardlight glossary "operating budget"
  wardlight glossary mill rate`,
	Run: runGlossaryCommand,
}

func runGlossaryCommand(cmd *cobra.Command, args []string) {
	g, err := glossary.Load()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	if len(args) == 0 {
		for _, term := range g.Terms() {
			fmt.Println(term)
		}
		return
	}

	query := strings.Join(args, " ")
	entry, ok := g.Lookup(query)
	if !ok {
		log.Fatalf("Error: no glossary entry for %q. Run 'wardlight glossary' to list terms.", query)
	}
	printEntry(entry)
}

func printEntry(entry glossary.Entry) {
	tty := isatty.IsTerminal(os.Stdout.Fd())

	term := entry.Term
	if tty {
		term = summaryStyle.Render(term)
	}
	fmt.Println(term)
	fmt.Printf("  %s\n", entry.Definition)

	label := func(s string) string {
		if tty {
			return labelStyle.Render(s)
		}
		return s
	}
	if len(entry.Aliases) > 0 {
		fmt.Printf("\n  %s %s\n", label("Also known as:"), strings.Join(entry.Aliases, ", "))
	}
	if len(entry.SeeAlso) > 0 {
		fmt.Printf("  %s %s\n", label("See also:"), strings.Join(entry.SeeAlso, ", "))
	}
	fmt.Printf("  %s %s\n", label("Source:"), entry.Source)
}
