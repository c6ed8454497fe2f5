// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry records the parent/child task graph and task status.
//
// Two implementations are provided: MemoryRegistry for tests and single-run
// CLI use, and BadgerRegistry for a persistent server.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrTaskNotFound is returned for an unknown task or parent id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal is returned when updating a completed or failed task.
	ErrTaskTerminal = errors.New("task is terminal")

	// ErrTaskExists is returned when starting a task id twice.
	ErrTaskExists = errors.New("task already exists")

	// ErrInvalidTask is returned for a task or update that fails validation.
	ErrInvalidTask = errors.New("invalid task")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further updates are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Task is one node of the task graph.
type Task struct {
	ID         string     `json:"id"`
	PromptText string     `json:"prompt_text"`
	ParentID   string     `json:"parent_id,omitempty"`
	Depth      int        `json:"depth"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	// Strategy is the framing a search node added, if any.
	Strategy string  `json:"strategy,omitempty"`
	Dir      string  `json:"dir,omitempty"`
	Reward   float64 `json:"reward,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Update carries the fields to change. Nil fields are left alone.
type Update struct {
	Status *Status
	Reward *float64
	Error  *string
	Dir    *string
}

// StatusUpdate is shorthand for an Update that only changes status.
func StatusUpdate(s Status) Update {
	return Update{Status: &s}
}

// Registry stores tasks and their parent/child relation.
//
// Thread Safety: Implementations are safe for concurrent use.
type Registry interface {
	// RecordTaskStart stores a new task. A non-empty ParentID must name an
	// existing task.
	RecordTaskStart(ctx context.Context, task Task) error

	// RecordTaskUpdate changes a non-terminal task and returns the result.
	RecordTaskUpdate(ctx context.Context, id string, update Update) (Task, error)

	GetTask(ctx context.Context, id string) (Task, error)

	// GetChildren returns the direct children of id, oldest first.
	GetChildren(ctx context.Context, id string) ([]Task, error)
}

// prepareStart validates and fills defaults on a new task.
func prepareStart(task *Task, now time.Time) error {
	if task.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if strings.ContainsRune(task.ID, '/') {
		return fmt.Errorf("%w: id %q contains '/'", ErrInvalidTask, task.ID)
	}
	if task.ParentID == task.ID {
		return fmt.Errorf("%w: task %s is its own parent", ErrInvalidTask, task.ID)
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if !task.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidTask, task.Status)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.Status == StatusRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	return nil
}

// applyUpdate mutates task according to update.
//
// Outputs:
//   - error: ErrTaskTerminal if task is already terminal, ErrInvalidTask for
//     an unknown status.
func applyUpdate(task *Task, update Update, now time.Time) error {
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, task.ID, task.Status)
	}
	if update.Status != nil {
		s := *update.Status
		if !s.Valid() {
			return fmt.Errorf("%w: status %q", ErrInvalidTask, s)
		}
		task.Status = s
		if s != StatusPending && task.StartedAt == nil {
			task.StartedAt = &now
		}
		if s.Terminal() {
			task.EndedAt = &now
		}
	}
	if update.Reward != nil {
		task.Reward = *update.Reward
	}
	if update.Error != nil {
		task.Error = *update.Error
	}
	if update.Dir != nil {
		task.Dir = *update.Dir
	}
	return nil
}

func sortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
