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

import "errors"

var (
	// ErrNoSimulator is returned by NewEngine when no Simulator is given.
	ErrNoSimulator = errors.New("mcts: simulator is required")

	// ErrEmptyTask is returned by Search for a blank root task.
	ErrEmptyTask = errors.New("mcts: task text is empty")

	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("mcts: invalid config")

	// ErrNodeNotFound is returned for an unknown node id.
	ErrNodeNotFound = errors.New("mcts: node not found")

	// ErrNoUntriedActions is returned when expanding a node with nothing
	// left to try.
	ErrNoUntriedActions = errors.New("mcts: no untried actions")
)
