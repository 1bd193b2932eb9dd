// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package weblookup

// =============================================================================
// Page cache
// =============================================================================
//
// Council pages change on meeting cadence, not request cadence, so a fetched
// page stays useful for hours. Persisting extracted text in BadgerDB lets a
// repeated question skip the network entirely, which matters because network
// lookups are budgeted per conversation and rate limited per host.
//
// Storage layout:
//
//	web/page/v1/{sha256(url)}  →  gob-encoded Page
//	                              TTL: config web.page_ttl
//
// TTL is enforced by BadgerDB's native GC. Expired keys return
// ErrKeyNotFound, which the cache treats as a miss.

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// pageCacheKeyPrefix is prepended to the URL hash to form the BadgerDB key.
// Versioned (v1) to allow future format changes without collision.
const pageCacheKeyPrefix = "web/page/v1/"

// errCacheMiss distinguishes "key not found" from a genuine storage error.
var errCacheMiss = errors.New("cache miss")

// Page is one fetched and extracted document as stored in the cache.
type Page struct {
	URL         string
	Title       string
	Text        string
	ContentType string
	FetchedAt   time.Time
}

// PageCache persists extracted pages between requests and restarts.
//
// Description:
//
//	Pages are gob-encoded and keyed by the SHA256 of their URL. Both
//	methods are nil-safe: a nil *PageCache behaves as an always-miss
//	cache, which is the correct mode for tests and for deployments that
//	do not configure a web cache directory.
//
// Thread Safety: safe for concurrent use. BadgerDB transactions are
// per-goroutine.
type PageCache struct {
	db  *badger.DB
	ttl time.Duration
}

// NewPageCache creates a cache backed by the given BadgerDB instance.
// The caller owns the DB lifecycle; this cache does not close it.
func NewPageCache(db *badger.DB, ttl time.Duration) *PageCache {
	if db == nil {
		panic("NewPageCache: db must not be nil")
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &PageCache{db: db, ttl: ttl}
}

// Get retrieves the cached page for a URL.
//
// Returns (nil, nil) on miss (key absent or TTL expired).
// Returns (nil, error) on storage or decode failure.
func (c *PageCache) Get(ctx context.Context, url string) (*Page, error) {
	if c == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := pageCacheKey(url)
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy value: %w", err)
		}
		return nil
	})

	if errors.Is(err, errCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("page cache load: %w", err)
	}

	page, err := decodePage(raw)
	if err != nil {
		return nil, fmt.Errorf("page cache decode: %w", err)
	}

	slog.Debug("web cache: hit",
		slog.String("url", url),
		slog.Int("text_len", len(page.Text)),
	)
	return page, nil
}

// Put stores an extracted page with the configured TTL. Persistence
// failure is non-fatal to a lookup; callers log and continue.
func (c *PageCache) Put(ctx context.Context, page *Page) error {
	if c == nil || page == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := encodePage(page)
	if err != nil {
		return fmt.Errorf("page cache encode: %w", err)
	}

	key := pageCacheKey(page.URL)
	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, raw).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("page cache save: %w", err)
	}

	slog.Debug("web cache: saved",
		slog.String("url", page.URL),
		slog.Int("text_len", len(page.Text)),
		slog.Duration("ttl", c.ttl),
	)
	return nil
}

// pageCacheKey builds the BadgerDB key for a URL.
func pageCacheKey(url string) []byte {
	sum := sha256.Sum256([]byte(url))
	return []byte(pageCacheKeyPrefix + hex.EncodeToString(sum[:]))
}

// encodePage serializes a Page using encoding/gob.
func encodePage(page *Page) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(page); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

// decodePage deserializes a Page from gob-encoded bytes.
func decodePage(data []byte) (*Page, error) {
	var page Page
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&page); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return &page, nil
}
