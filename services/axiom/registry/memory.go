// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRegistry keeps tasks in process memory.
//
// Thread Safety: Safe for concurrent use.
type MemoryRegistry struct {
	mu       sync.RWMutex
	tasks    map[string]Task
	children map[string][]string
	now      func() time.Time
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		tasks:    make(map[string]Task),
		children: make(map[string][]string),
		now:      time.Now,
	}
}

// RecordTaskStart implements Registry.
func (r *MemoryRegistry) RecordTaskStart(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := prepareStart(&task, r.now()); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	if task.ParentID != "" {
		if _, ok := r.tasks[task.ParentID]; !ok {
			return fmt.Errorf("%w: parent %s", ErrTaskNotFound, task.ParentID)
		}
		r.children[task.ParentID] = append(r.children[task.ParentID], task.ID)
	}
	r.tasks[task.ID] = task
	return nil
}

// RecordTaskUpdate implements Registry.
func (r *MemoryRegistry) RecordTaskUpdate(ctx context.Context, id string, update Update) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := applyUpdate(&task, update, r.now()); err != nil {
		return Task{}, err
	}
	r.tasks[id] = task
	return task, nil
}

// GetTask implements Registry.
func (r *MemoryRegistry) GetTask(ctx context.Context, id string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, nil
}

// GetChildren implements Registry.
func (r *MemoryRegistry) GetChildren(ctx context.Context, id string) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.tasks[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	ids := r.children[id]
	out := make([]Task, 0, len(ids))
	for _, cid := range ids {
		out = append(out, r.tasks[cid])
	}
	sortTasks(out)
	return out, nil
}
