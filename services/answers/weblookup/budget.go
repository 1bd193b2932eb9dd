// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package weblookup

import (
	"sort"
	"sync"
	"time"
)

// Budget enforces the per-conversation lookup allowance over a rolling
// window. A lookup spends budget when it is admitted to the network;
// cache hits are free.
//
// Thread Safety: safe for concurrent use.
type Budget struct {
	mu      sync.Mutex
	lookups map[string][]time.Time

	limit  int
	window time.Duration

	now func() time.Time
}

// NewBudget creates a budget allowing limit lookups per window per
// conversation.
func NewBudget(limit int, window time.Duration) *Budget {
	return &Budget{
		lookups: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow admits one lookup for the conversation if budget remains, and
// records it. Timestamps older than the window are pruned first, so the
// allowance genuinely rolls rather than resetting on a boundary.
func (b *Budget) Allow(conversationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	recent := b.prune(conversationID, now)
	if len(recent) >= b.limit {
		return false
	}
	b.lookups[conversationID] = append(recent, now)
	return true
}

// Remaining reports how many lookups the conversation has left.
func (b *Budget) Remaining(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	recent := b.prune(conversationID, b.now())
	remaining := b.limit - len(recent)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// prune drops timestamps outside the window. Caller holds the lock.
func (b *Budget) prune(conversationID string, now time.Time) []time.Time {
	recent := b.lookups[conversationID][:0]
	for _, t := range b.lookups[conversationID] {
		if now.Sub(t) < b.window {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(b.lookups, conversationID)
		return nil
	}
	b.lookups[conversationID] = recent
	return recent
}

// BudgetInfo is one conversation's spend, for diagnostics.
type BudgetInfo struct {
	ConversationID string    `json:"conversation_id"`
	Used           int       `json:"used"`
	Remaining      int       `json:"remaining"`
	OldestLookup   time.Time `json:"oldest_lookup,omitzero"`
}

// Snapshot returns per-conversation spend, pruned and sorted by ID.
// Read-only from the caller's perspective; exposed for diagnostics.
func (b *Budget) Snapshot() []BudgetInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	infos := make([]BudgetInfo, 0, len(b.lookups))
	for id := range b.lookups {
		recent := b.prune(id, now)
		if len(recent) == 0 {
			continue
		}
		remaining := b.limit - len(recent)
		if remaining < 0 {
			remaining = 0
		}
		infos = append(infos, BudgetInfo{
			ConversationID: id,
			Used:           len(recent),
			Remaining:      remaining,
			OldestLookup:   recent[0],
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConversationID < infos[j].ConversationID
	})
	return infos
}
