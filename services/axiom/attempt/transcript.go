// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package attempt

import (
	"github.com/AleutianAI/Axiom/services/axiom/hooks"
	"github.com/AleutianAI/Axiom/services/axiom/stream"
)

// Signals used for reward shaping.
const (
	signalMetaBefore = "meta_before"
	signalMetaHow    = "meta_how"
	signalMetaAfter  = "meta_after"
)

var metaSignals = []string{signalMetaBefore, signalMetaHow, signalMetaAfter}

// Transcript summarizes what the agent said. None of it is ground truth.
type Transcript struct {
	Hedging         bool           `json:"hedging"`
	CompletionClaim bool           `json:"completion_claim"`
	Lines           int            `json:"lines"`
	CodeBlocks      int            `json:"code_blocks"`
	Signals         map[string]int `json:"signals,omitempty"`
}

// observe folds one output event into the transcript.
func (t *Transcript) observe(ev stream.Event) {
	switch ev.Kind {
	case stream.KindCodeBlock:
		t.CodeBlocks++
		return
	case stream.KindOutputChunk:
	default:
		return
	}
	t.Lines++
	for _, s := range ev.Signals {
		if t.Signals == nil {
			t.Signals = map[string]int{}
		}
		t.Signals[s]++
		switch s {
		case hooks.SignalHedging:
			t.Hedging = true
		case hooks.SignalCompletionClaim:
			t.CompletionClaim = true
		}
	}
}

// Meta is the share of the before/how/after response sections present.
func (t *Transcript) Meta() float64 {
	seen := 0
	for _, s := range metaSignals {
		if t.Signals[s] > 0 {
			seen++
		}
	}
	return float64(seen) / float64(len(metaSignals))
}
