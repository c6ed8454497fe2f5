// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcts

import (
	"strings"
	"sync"
	"unicode"
)

// NormalizeTask lower-cases text, strips punctuation and collapses runs of
// whitespace to a single space.
func NormalizeTask(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
		default:
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

type transpositionEntry struct {
	outcome Outcome
	reward  RewardBreakdown
	mode    Mode
}

// TranspositionTable caches simulation results by normalized task text.
//
// Thread Safety: Safe for concurrent use.
type TranspositionTable struct {
	mu    sync.RWMutex
	table map[string]transpositionEntry
	hits  int
}

// NewTranspositionTable creates an empty table.
func NewTranspositionTable() *TranspositionTable {
	return &TranspositionTable{table: make(map[string]transpositionEntry)}
}

// Lookup returns the cached result for text. Hits are counted.
func (t *TranspositionTable) Lookup(text string) (Outcome, RewardBreakdown, Mode, bool) {
	key := NormalizeTask(text)
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.table[key]
	if ok {
		t.hits++
	}
	return e.outcome, e.reward, e.mode, ok
}

// Store caches a result for text. A full-mode result is never replaced by a
// structure-mode one.
func (t *TranspositionTable) Store(text string, outcome Outcome, reward RewardBreakdown, mode Mode) {
	key := NormalizeTask(text)
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.table[key]; ok && prev.mode == ModeFull && mode != ModeFull {
		return
	}
	t.table[key] = transpositionEntry{outcome: outcome, reward: reward, mode: mode}
}

// Len returns the number of entries.
func (t *TranspositionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.table)
}

// Hits returns the number of successful lookups.
func (t *TranspositionTable) Hits() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hits
}
