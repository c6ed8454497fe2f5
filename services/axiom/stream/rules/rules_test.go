// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Compiles(t *testing.T) {
	set, err := Default()
	require.NoError(t, err)
	require.NotEmpty(t, set.Kinds)
	require.NotEmpty(t, set.Signals)

	for i := 1; i < len(set.Kinds); i++ {
		assert.GreaterOrEqual(t, set.Kinds[i-1].Priority, set.Kinds[i].Priority,
			"kind rules must be sorted by priority")
	}
}

func TestDefault_Signals(t *testing.T) {
	set := MustDefault()

	tests := []struct {
		name   string
		line   string
		signal string
		want   bool
	}{
		{"permission dialog", "Do you want to create calc.py?", "permission_prompt", true},
		{"yes no prompt", "Overwrite file? [y/N]", "permission_prompt", true},
		{"hedging", "I would implement this using a stack.", "hedging", true},
		{"plain output", "3 passed in 0.02s", "hedging", false},
		{"research", "Let me research the best library first.", "research_intent", true},
		{"completion claim", "I have successfully implemented the calculator.", "completion_claim", true},
		{"sudo", "sudo apt-get install foo", "disallowed_command", true},
		{"pseudo is not sudo", "pseudo code follows", "disallowed_command", false},
		{"git push", "git push origin main", "disallowed_command", true},
		{"before heading", "## Before", "meta_before", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, set.HasSignal(tc.signal, tc.line))
		})
	}
}

func TestPattern_Capture(t *testing.T) {
	set := MustDefault()
	var found bool
	for _, rule := range set.Kinds {
		if rule.Kind != "file_created" {
			continue
		}
		for i := range rule.Patterns {
			if got, ok := rule.Patterns[i].Match("⏺ Write(calc.py)"); ok {
				assert.Equal(t, "calc.py", got)
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed yaml", "kinds: [ {"},
		{"unknown kind", "kinds:\n  - kind: bogus\n    patterns:\n      - id: A\n        regex: 'a'\n"},
		{"bad regex", "kinds:\n  - kind: task_started\n    patterns:\n      - id: A\n        regex: '(('\n"},
		{"missing kind", "kinds:\n  - patterns:\n      - id: A\n        regex: 'a'\n"},
		{"no patterns", "signals:\n  - name: s\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRules))
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := "signals:\n  - name: custom\n    patterns:\n      - id: C\n        regex: 'xyzzy'\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	set, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"custom"}, set.MatchSignals("say xyzzy"))
	assert.Equal(t, []string{"custom"}, set.SignalNames())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
