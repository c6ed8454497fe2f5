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
	"fmt"
	"math"
	"strings"
)

// RewardConfig holds the reward shaping constants.
type RewardConfig struct {
	Implementation float64 `json:"implementation" yaml:"implementation"`
	Tests          float64 `json:"tests" yaml:"tests"`
	TestsPass      float64 `json:"tests_pass" yaml:"tests_pass"`

	// PassBonus is scaled by min(1, testsPassed/PassBonusAt).
	PassBonus   float64 `json:"pass_bonus" yaml:"pass_bonus"`
	PassBonusAt int     `json:"pass_bonus_at" yaml:"pass_bonus_at"`

	// Quality weights the scanner score of full-mode simulations.
	Quality float64 `json:"quality" yaml:"quality"`

	// Multiplier = MetaBase + MetaWeight*meta.
	MetaBase   float64 `json:"meta_base" yaml:"meta_base"`
	MetaWeight float64 `json:"meta_weight" yaml:"meta_weight"`

	// HedgingPenalty multiplies the reward of hedging or claimed-complete
	// output with no implementation.
	HedgingPenalty float64 `json:"hedging_penalty" yaml:"hedging_penalty"`
}

// DefaultRewardConfig returns the default reward constants.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		Implementation: 0.4,
		Tests:          0.2,
		TestsPass:      0.3,
		PassBonus:      0.05,
		PassBonusAt:    10,
		Quality:        0.1,
		MetaBase:       0.8,
		MetaWeight:     0.2,
		HedgingPenalty: 0.5,
	}
}

// Validate checks the constants.
func (c RewardConfig) Validate() error {
	for name, v := range map[string]float64{
		"implementation": c.Implementation,
		"tests":          c.Tests,
		"tests_pass":     c.TestsPass,
		"pass_bonus":     c.PassBonus,
		"quality":        c.Quality,
		"meta_base":      c.MetaBase,
		"meta_weight":    c.MetaWeight,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: reward.%s must be >= 0", ErrInvalidConfig, name)
		}
	}
	if c.HedgingPenalty < 0 || c.HedgingPenalty > 1 {
		return fmt.Errorf("%w: reward.hedging_penalty must be between 0 and 1", ErrInvalidConfig)
	}
	if c.PassBonusAt < 0 {
		return fmt.Errorf("%w: reward.pass_bonus_at must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// RewardBreakdown explains a reward.
type RewardBreakdown struct {
	// Base is the additive score before the multiplier and penalty.
	Base       float64 `json:"base"`
	Multiplier float64 `json:"multiplier"`
	Deceptive  bool    `json:"deceptive"`
	Reward     float64 `json:"reward"`
	Reason     string  `json:"reason"`
}

// RewardPolicy turns an attempt outcome into a reward in [0,1].
type RewardPolicy struct {
	config RewardConfig
}

// NewRewardPolicy creates a policy with the given constants.
func NewRewardPolicy(config RewardConfig) RewardPolicy {
	return RewardPolicy{config: config}
}

// Score computes the reward of an outcome.
//
// Description:
//
//	A timed out, canceled or unverified attempt scores 0. Otherwise:
//
//	base  = implementation + tests + tests passing (+ pass-count bonus)
//	        + quality * scanner score (full mode only)
//	score = base * (metaBase + metaWeight*meta)
//	score *= hedgingPenalty when hedging or claiming completion without
//	         an implementation
//
//	The result is clamped to [0,1].
func (r RewardPolicy) Score(o Outcome) RewardBreakdown {
	c := r.config
	switch {
	case o.TimedOut:
		return RewardBreakdown{Reason: "timed out"}
	case o.Canceled:
		return RewardBreakdown{Reason: "canceled"}
	case o.Proof == nil || !o.Proof.Verified:
		return RewardBreakdown{Reason: "unverified"}
	}

	p := o.Proof
	var parts []string
	base := 0.0
	if p.HasImplementation {
		base += c.Implementation
		parts = append(parts, "implementation")
	}
	if p.HasTests {
		base += c.Tests
		parts = append(parts, "tests")
	}
	if p.TestsPass {
		base += c.TestsPass
		if c.PassBonusAt > 0 {
			base += c.PassBonus * math.Min(1, float64(p.TestsPassed)/float64(c.PassBonusAt))
		}
		parts = append(parts, "tests pass")
	}
	if o.Scanned {
		base += c.Quality * clamp01(o.Quality)
		parts = append(parts, fmt.Sprintf("quality %.2f", o.Quality))
	}

	b := RewardBreakdown{
		Base:       base,
		Multiplier: c.MetaBase + c.MetaWeight*clamp01(o.Meta),
	}
	score := base * b.Multiplier
	if !p.HasImplementation && (o.Hedging || p.IsDeceptive(o.CompletionClaim)) {
		b.Deceptive = true
		score *= c.HedgingPenalty
		parts = append(parts, "deceptive")
	}
	b.Reward = clamp01(score)
	if len(parts) == 0 {
		b.Reason = "nothing produced"
	} else {
		b.Reason = strings.Join(parts, ", ")
	}
	return b
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
