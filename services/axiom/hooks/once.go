// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hooks

import "sync"

// OnceSet remembers per-task keys a hook has already acted on.
//
// Thread Safety: Safe for concurrent use.
type OnceSet struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// NewOnceSet creates an empty set.
func NewOnceSet() *OnceSet {
	return &OnceSet{seen: make(map[string]map[string]struct{})}
}

// First records key for taskID and reports whether it was new.
func (s *OnceSet) First(taskID, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.seen[taskID]
	if !ok {
		keys = make(map[string]struct{})
		s.seen[taskID] = keys
	}
	if _, dup := keys[key]; dup {
		return false
	}
	keys[key] = struct{}{}
	return true
}

// Seen reports whether key was recorded for taskID.
func (s *OnceSet) Seen(taskID, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[taskID][key]
	return ok
}

// Forget drops all keys for taskID.
func (s *OnceSet) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, taskID)
}
