// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// webcache_dump inspects the answers server's web page cache.
//
// The web lookup pipeline persists extracted page text in BadgerDB so a
// repeated question can skip the network entirely (lookups are budgeted per
// conversation and rate limited per host). This tool opens the cache
// read-only and prints a human-readable summary: URLs, titles, fetch times,
// extracted text sizes, and TTL remaining.
//
// Usage:
//
//	webcache_dump [--path /path/to/web/cache]
//
// If --path is not given, reads WARDLIGHT_WEB_CACHE_DIR from the
// environment, falling back to ./data/webcache (the server default).
//
// Exit codes:
//
//	0 — success (including "empty cache" which prints a message and exits 0)
//	1 — error opening or reading the database
package main

import (
	"bytes"
	"encoding/gob"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// pageCacheKeyPrefix must match weblookup/cache.go exactly.
const pageCacheKeyPrefix = "web/page/v1/"

// page mirrors weblookup.Page field for field; gob matches by field name.
type page struct {
	URL         string
	Title       string
	Text        string
	ContentType string
	FetchedAt   time.Time
}

func main() {
	pathFlag := flag.String("path", "", "Path to web cache BadgerDB directory (overrides WARDLIGHT_WEB_CACHE_DIR env var)")
	flag.Parse()

	dbPath := *pathFlag
	if dbPath == "" {
		dbPath = os.Getenv("WARDLIGHT_WEB_CACHE_DIR")
	}
	if dbPath == "" {
		dbPath = "./data/webcache"
	}

	fmt.Printf("Web cache path: %s\n", dbPath)

	// Check existence before trying to open — gives a cleaner error message
	// than BadgerDB's "no such file or directory" buried in a long error.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("Cache directory does not exist. The server has not yet cached any pages.")
		fmt.Println("Pages appear here after an answer needed a live council or lobbying lookup.")
		os.Exit(0)
	}

	opts := dgbadger.DefaultOptions(dbPath).
		WithLogger(nil). // suppress BadgerDB internal logs
		WithReadOnly(true)

	db, err := dgbadger.Open(opts)
	if err != nil {
		fatalf("open BadgerDB at %s: %v", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	type entry struct {
		key       string
		expiresAt time.Time
		hasExpiry bool
		page      *page
		rawSize   int
		decodeErr error
	}

	var entries []entry

	err = db.View(func(txn *dgbadger.Txn) error {
		iterOpts := dgbadger.DefaultIteratorOptions
		iterOpts.PrefetchValues = true
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		prefix := []byte(pageCacheKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			var e entry
			e.key = string(item.Key())

			// TTL: item.ExpiresAt() returns Unix seconds, 0 = no expiry.
			if expiresAt := item.ExpiresAt(); expiresAt > 0 {
				e.hasExpiry = true
				e.expiresAt = time.Unix(int64(expiresAt), 0)
			}

			raw, err := item.ValueCopy(nil)
			if err != nil {
				e.decodeErr = fmt.Errorf("copy value: %w", err)
				entries = append(entries, e)
				continue
			}
			e.rawSize = len(raw)

			p, err := gobDecode(raw)
			if err != nil {
				e.decodeErr = fmt.Errorf("gob decode: %w", err)
			} else {
				e.page = p
			}

			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		fatalf("read BadgerDB: %v", err)
	}

	if len(entries) == 0 {
		fmt.Println("\nNo cached pages found.")
		fmt.Println("Either every answer so far was served from the local datasets,")
		fmt.Println("or all cached pages have passed their TTL and been collected.")
		os.Exit(0)
	}

	fmt.Printf("\nFound %d cached page%s:\n", len(entries), plural(len(entries), "", "s"))
	fmt.Println(strings.Repeat("─", 80))

	totalText := 0
	for i, e := range entries {
		fmt.Printf("\n[%d] Key:       %s\n", i+1, e.key)

		if e.hasExpiry {
			remaining := time.Until(e.expiresAt)
			if remaining < 0 {
				fmt.Printf("    TTL:       EXPIRED (%s ago)\n", (-remaining).Round(time.Second))
			} else {
				fmt.Printf("    TTL:       %s remaining (expires %s)\n",
					remaining.Round(time.Second),
					e.expiresAt.Format("2006-01-02 15:04:05 MST"),
				)
			}
		} else {
			fmt.Printf("    TTL:       no expiry set\n")
		}

		fmt.Printf("    Raw size:  %s\n", formatBytes(e.rawSize))

		if e.decodeErr != nil {
			fmt.Printf("    DECODE ERROR: %v\n", e.decodeErr)
			continue
		}

		fmt.Printf("    URL:       %s\n", e.page.URL)
		if e.page.Title != "" {
			fmt.Printf("    Title:     %s\n", e.page.Title)
		}
		fmt.Printf("    Fetched:   %s (%s ago)\n",
			e.page.FetchedAt.Format("2006-01-02 15:04:05 MST"),
			time.Since(e.page.FetchedAt).Round(time.Second),
		)
		fmt.Printf("    Content:   %s, %s extracted text\n",
			e.page.ContentType, formatBytes(len(e.page.Text)))
		totalText += len(e.page.Text)
	}

	fmt.Printf("\n%s\n", strings.Repeat("─", 80))
	fmt.Printf("Summary: %d page%s, %s extracted text, cache path: %s\n",
		len(entries), plural(len(entries), "", "s"), formatBytes(totalText), dbPath)
}

// gobDecode deserializes a cached page. Must match weblookup/cache.go exactly.
func gobDecode(data []byte) (*page, error) {
	var p page
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB (%d bytes)", float64(n)/1024/1024, n)
	case n >= 1024:
		return fmt.Sprintf("%.1f KB (%d bytes)", float64(n)/1024, n)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

// plural returns singular or plural suffix based on count.
func plural(n int, singular, pluralSuffix string) string {
	if n == 1 {
		return singular
	}
	return pluralSuffix
}

// fatalf prints to stderr and exits 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "webcache_dump: "+format+"\n", args...)
	os.Exit(1)
}
