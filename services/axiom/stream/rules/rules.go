// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rules loads the pattern rules that drive output classification.
//
// Rules are data, not code: the default set is embedded in the binary from
// default_rules.yaml and can be replaced by a file at runtime. Each rule set
// has two sections:
//
//   - kinds: ordered line classifiers producing stream events
//   - signals: named line signals consumed by hooks and reward shaping
package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRules []byte

// ErrInvalidRules is returned when a rule file cannot be used.
var ErrInvalidRules = errors.New("invalid classification rules")

// KnownKinds are the event kinds a kind rule may produce. code_block and
// output_chunk are structural and never come from rules.
var KnownKinds = map[string]bool{
	"file_created":     true,
	"file_modified":    true,
	"command_executed": true,
	"error_occurred":   true,
	"task_started":     true,
	"task_completed":   true,
}

// Set is a compiled rule set.
//
// Thread Safety: Immutable after Parse; safe for concurrent use.
type Set struct {
	Kinds   []KindRule   `yaml:"kinds"`
	Signals []SignalRule `yaml:"signals"`
}

// KindRule classifies lines into one event kind.
type KindRule struct {
	Kind        string    `yaml:"kind"`
	Priority    int       `yaml:"priority"`
	Description string    `yaml:"description"`
	Patterns    []Pattern `yaml:"patterns"`
}

// SignalRule marks lines with a named signal.
type SignalRule struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is one regular expression within a rule.
type Pattern struct {
	ID      string `yaml:"id"`
	Regex   string `yaml:"regex"`
	Capture string `yaml:"capture"`

	compiled *regexp.Regexp
}

// Match tests line against the pattern.
//
// Outputs:
//   - string: The first capture group when the pattern has a Capture key.
//   - bool: True when the pattern matched.
func (p *Pattern) Match(line string) (string, bool) {
	m := p.compiled.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	if p.Capture != "" && len(m) > 1 {
		return m[1], true
	}
	return "", true
}

// Default returns the embedded rule set.
func Default() (*Set, error) {
	return Parse(defaultRules)
}

// MustDefault returns the embedded rule set and panics if it is invalid.
// The embedded file is covered by tests, so a panic means a broken build.
func MustDefault() *Set {
	set, err := Default()
	if err != nil {
		panic(err)
	}
	return set
}

// Load reads and compiles a rule file.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return Parse(data)
}

// Parse compiles a YAML rule document.
//
// Description:
//
//	Unmarshals the document, compiles every regex and sorts kind rules by
//	priority (highest first, stable on ties).
//
// Outputs:
//   - *Set: The compiled rules.
//   - error: Wraps ErrInvalidRules on malformed YAML, unknown kinds or bad regex.
func Parse(data []byte) (*Set, error) {
	var set Set
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}

	for i := range set.Kinds {
		rule := &set.Kinds[i]
		if rule.Kind == "" {
			return nil, fmt.Errorf("%w: kind rule %d has no kind", ErrInvalidRules, i)
		}
		if !KnownKinds[rule.Kind] {
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRules, rule.Kind)
		}
		if err := compilePatterns(rule.Kind, rule.Patterns); err != nil {
			return nil, err
		}
	}
	for i := range set.Signals {
		rule := &set.Signals[i]
		if rule.Name == "" {
			return nil, fmt.Errorf("%w: signal rule %d has no name", ErrInvalidRules, i)
		}
		if err := compilePatterns(rule.Name, rule.Patterns); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(set.Kinds, func(i, j int) bool {
		return set.Kinds[i].Priority > set.Kinds[j].Priority
	})
	return &set, nil
}

func compilePatterns(owner string, patterns []Pattern) error {
	if len(patterns) == 0 {
		return fmt.Errorf("%w: %s has no patterns", ErrInvalidRules, owner)
	}
	for j := range patterns {
		re, err := regexp.Compile(patterns[j].Regex)
		if err != nil {
			return fmt.Errorf("%w: %s/%s: %v", ErrInvalidRules, owner, patterns[j].ID, err)
		}
		patterns[j].compiled = re
	}
	return nil
}

// MatchSignals returns the names of all signals matching line, in rule order.
func (s *Set) MatchSignals(line string) []string {
	var names []string
	for i := range s.Signals {
		rule := &s.Signals[i]
		for j := range rule.Patterns {
			if _, ok := rule.Patterns[j].Match(line); ok {
				names = append(names, rule.Name)
				break
			}
		}
	}
	return names
}

// HasSignal reports whether line matches the named signal.
func (s *Set) HasSignal(name, line string) bool {
	for i := range s.Signals {
		rule := &s.Signals[i]
		if rule.Name != name {
			continue
		}
		for j := range rule.Patterns {
			if _, ok := rule.Patterns[j].Match(line); ok {
				return true
			}
		}
	}
	return false
}

// SignalNames lists the configured signal names.
func (s *Set) SignalNames() []string {
	names := make([]string, len(s.Signals))
	for i, rule := range s.Signals {
		names[i] = rule.Name
	}
	return names
}
