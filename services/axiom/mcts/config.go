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
	"time"
)

// DefaultStrategies are the framings an expansion can add to a task.
var DefaultStrategies = []string{
	"Write the implementation first, then add tests that exercise it and run them.",
	"Start with failing tests that pin the expected behavior, then implement until they pass.",
	"Build the smallest working version in a single file with tests, then refine it.",
	"Split the work into small modules, each with its own test file, and run the full test suite.",
}

// Config configures a search.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// passing it to NewEngine.
type Config struct {
	// ExplorationConstant is C in UCB1. Default sqrt(2).
	ExplorationConstant float64 `json:"exploration_constant" yaml:"exploration_constant"`

	// MaxIterations bounds simulate/backpropagate rounds. 0 means only the
	// time budget applies.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`

	// TimeBudget bounds the whole search. 0 means only MaxIterations
	// applies.
	TimeBudget time.Duration `json:"time_budget" yaml:"time_budget"`

	// MaxDepth marks nodes at this depth terminal.
	MaxDepth int `json:"max_depth" yaml:"max_depth"`

	// QualityThreshold marks a node terminal once its implementation
	// reward reaches it.
	QualityThreshold float64 `json:"quality_threshold" yaml:"quality_threshold"`

	// Parallelism is the number of leaves simulated concurrently per batch.
	Parallelism int `json:"parallelism" yaml:"parallelism"`

	// FullModeProbability is the chance a simulation runs in full mode.
	FullModeProbability float64 `json:"full_mode_probability" yaml:"full_mode_probability"`

	// UseTransposition enables reuse of outcomes across equal task texts.
	UseTransposition bool `json:"use_transposition" yaml:"use_transposition"`

	// Strategies seeds every node's untried actions.
	Strategies []string `json:"strategies" yaml:"strategies"`

	Reward RewardConfig `json:"reward" yaml:"reward"`

	TracingEnabled bool `json:"tracing_enabled" yaml:"tracing_enabled"`
}

// DefaultConfig returns the default search configuration.
func DefaultConfig() Config {
	return Config{
		ExplorationConstant: math.Sqrt2,
		MaxIterations:       8,
		TimeBudget:          30 * time.Minute,
		MaxDepth:            3,
		QualityThreshold:    0.9,
		Parallelism:         1,
		FullModeProbability: 0.5,
		UseTransposition:    true,
		Strategies:          append([]string(nil), DefaultStrategies...),
		Reward:              DefaultRewardConfig(),
		TracingEnabled:      true,
	}
}

// Validate checks that the configuration is usable.
//
// Outputs:
//   - error: Wraps ErrInvalidConfig when a field is out of range.
func (c Config) Validate() error {
	switch {
	case c.ExplorationConstant < 0 || math.IsNaN(c.ExplorationConstant):
		return fmt.Errorf("%w: exploration_constant must be >= 0", ErrInvalidConfig)
	case c.MaxIterations < 0:
		return fmt.Errorf("%w: max_iterations must be >= 0", ErrInvalidConfig)
	case c.TimeBudget < 0:
		return fmt.Errorf("%w: time_budget must be >= 0", ErrInvalidConfig)
	case c.MaxIterations == 0 && c.TimeBudget == 0:
		return fmt.Errorf("%w: one of max_iterations or time_budget is required", ErrInvalidConfig)
	case c.MaxDepth < 1:
		return fmt.Errorf("%w: max_depth must be >= 1", ErrInvalidConfig)
	case c.QualityThreshold < 0 || c.QualityThreshold > 1:
		return fmt.Errorf("%w: quality_threshold must be between 0 and 1", ErrInvalidConfig)
	case c.Parallelism < 1:
		return fmt.Errorf("%w: parallelism must be >= 1", ErrInvalidConfig)
	case c.FullModeProbability < 0 || c.FullModeProbability > 1:
		return fmt.Errorf("%w: full_mode_probability must be between 0 and 1", ErrInvalidConfig)
	}
	return c.Reward.Validate()
}
