// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package axiom

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/Axiom/services/axiom/attempt"
	"github.com/AleutianAI/Axiom/services/axiom/mcts"
	"github.com/AleutianAI/Axiom/services/axiom/registry"
	"github.com/AleutianAI/Axiom/services/axiom/verify"
)

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// SpawnRequest describes a task to run.
//
// Search-only fields are ignored for single attempts. Zero values fall
// back to the service's search configuration.
type SpawnRequest struct {
	Prompt string `json:"prompt" validate:"required,notblank,max=65536"`

	// Search runs a framing search instead of a single attempt.
	Search bool `json:"search"`

	// SimulationMode is "full" or "structure" for single attempts.
	// Default: full.
	SimulationMode string `json:"simulation_mode,omitempty" validate:"omitempty,oneof=structure full"`

	MaxIterations     int      `json:"max_iterations,omitempty" validate:"gte=0,lte=1000"`
	TimeBudgetSeconds int      `json:"time_budget_seconds,omitempty" validate:"gte=0,lte=86400"`
	MaxDepth          int      `json:"max_depth,omitempty" validate:"gte=0,lte=16"`
	Parallelism       int      `json:"parallelism,omitempty" validate:"gte=0,lte=16"`
	Strategies        []string `json:"strategies,omitempty" validate:"omitempty,max=16,dive,required,max=512"`

	// ParentID links the task under an existing one.
	ParentID string `json:"parent_id,omitempty" validate:"omitempty,max=128,excludes=/"`
}

// Validate checks the request's fields.
func (r *SpawnRequest) Validate() error {
	return requestValidate.Struct(r)
}

func (r *SpawnRequest) applyDefaults() {
	if r.SimulationMode == "" {
		r.SimulationMode = "full"
	}
}

func (r *SpawnRequest) mode() mcts.Mode {
	if r.SimulationMode == "structure" {
		return mcts.ModeStructure
	}
	return mcts.ModeFull
}

// searchConfig overlays the request on base.
func (r *SpawnRequest) searchConfig(base mcts.Config) mcts.Config {
	cfg := base
	if r.MaxIterations > 0 {
		cfg.MaxIterations = r.MaxIterations
	}
	if r.TimeBudgetSeconds > 0 {
		cfg.TimeBudget = time.Duration(r.TimeBudgetSeconds) * time.Second
	}
	if r.MaxDepth > 0 {
		cfg.MaxDepth = r.MaxDepth
	}
	if r.Parallelism > 0 {
		cfg.Parallelism = r.Parallelism
	}
	if len(r.Strategies) > 0 {
		cfg.Strategies = append([]string(nil), r.Strategies...)
	}
	return cfg
}

// TaskResult is the final outcome of a spawned task.
type TaskResult struct {
	TaskID string          `json:"task_id"`
	Status registry.Status `json:"status"`
	Reward float64         `json:"reward"`
	Proof  *verify.Proof   `json:"proof,omitempty"`
	Dir    string          `json:"dir,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Attempt is set for single attempts.
	Attempt *attempt.Result `json:"attempt,omitempty"`

	// Search is set for searches.
	Search *SearchSummary `json:"search,omitempty"`
}

// SearchSummary describes a finished search.
type SearchSummary struct {
	BestNodeID        string        `json:"best_node_id"`
	BestTaskID        string        `json:"best_task_id,omitempty"`
	Strategy          string        `json:"strategy,omitempty"`
	Reward            float64       `json:"reward"`
	Iterations        int           `json:"iterations"`
	Nodes             int           `json:"nodes"`
	Reason            string        `json:"reason"`
	Elapsed           time.Duration `json:"elapsed"`
	TranspositionHits int           `json:"transposition_hits"`
	Tree              []mcts.Node   `json:"tree,omitempty"`
}
