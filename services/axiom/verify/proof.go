// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"strings"
	"time"
)

// FileEntry is one changed file in a proof.
type FileEntry struct {
	Path      string `json:"path"`
	IsCode    bool   `json:"is_code"`
	IsTest    bool   `json:"is_test"`
	SizeBytes int64  `json:"size_bytes"`
}

// Proof is the ground-truth record of what an attempt did.
//
// A Proof is built once from filesystem and process state and never from
// text the agent printed. It is immutable after BuildProof returns.
type Proof struct {
	FilesCreated  []FileEntry     `json:"files_created"`
	FilesModified []FileEntry     `json:"files_modified"`
	FilesDeleted  []string        `json:"files_deleted,omitempty"`
	ProcessesRun  []ProcessRecord `json:"processes_run"`

	HasImplementation bool `json:"has_implementation"`
	HasTests          bool `json:"has_tests"`
	TestsPass         bool `json:"tests_pass"`
	TestsPassed       int  `json:"tests_passed"`
	TestsFailed       int  `json:"tests_failed"`

	// Verified is false when the oracle could not inspect the directory.
	Verified bool   `json:"verified"`
	Reason   string `json:"reason"`

	CreatedAt time.Time `json:"created_at"`
}

// Unverified returns a fail-closed proof.
func Unverified(reason string) *Proof {
	return &Proof{Verified: false, Reason: reason, CreatedAt: time.Now()}
}

// Success reports a verified implementation with passing tests.
func (p *Proof) Success() bool {
	return p != nil && p.Verified && p.HasImplementation && p.TestsPass
}

// Shortfall returns why the proof cannot back a successful task, or "" when
// it can. A verified implementation is always required; passing tests only
// when requireTests is set, since structure-only attempts never run them.
func (p *Proof) Shortfall(requireTests bool) string {
	switch {
	case p == nil:
		return "no proof"
	case !p.Verified:
		return "unverified: " + p.Reason
	case !p.HasImplementation:
		return "no implementation: " + p.Reason
	case requireTests && !p.TestsPass:
		return "tests not passing: " + p.Reason
	}
	return ""
}

// IsDeceptive reports a completion claim with nothing to show for it.
func (p *Proof) IsDeceptive(claimedCompletion bool) bool {
	return claimedCompletion && (p == nil || !p.HasImplementation)
}

// BuildProof derives a proof from a snapshot diff and process records.
//
// Description:
//
//	hasImplementation: at least one created file is code and not a test.
//	hasTests: a created or existing test file, or a test-runner record that
//	collected at least one test.
//	testsPass: at least one test-runner record exited 0 and its output was
//	recognized as passing.
//
// Inputs:
//   - delta: Changes during the attempt.
//   - after: The post-attempt snapshot (for existing test files and sizes).
//   - records: Processes that actually ran.
//
// Outputs:
//   - *Proof: Verified proof.
func BuildProof(delta Delta, after Snapshot, records []ProcessRecord) *Proof {
	proof := &Proof{
		FilesDeleted: delta.Deleted,
		ProcessesRun: records,
		Verified:     true,
		CreatedAt:    time.Now(),
	}

	for _, path := range delta.Created {
		entry := newEntry(path, after)
		proof.FilesCreated = append(proof.FilesCreated, entry)
		if entry.IsCode && !entry.IsTest {
			proof.HasImplementation = true
		}
	}
	for _, path := range delta.Modified {
		proof.FilesModified = append(proof.FilesModified, newEntry(path, after))
	}

	for path := range after.Files {
		if IsTestFile(path) {
			proof.HasTests = true
			break
		}
	}

	for _, rec := range records {
		if !rec.IsTestRunner {
			continue
		}
		analysis := AnalyzeTestOutput(rec.Output())
		if analysis.Collected > 0 {
			proof.HasTests = true
		}
		if rec.ExitCode == 0 && analysis.OverallPass {
			proof.TestsPass = true
			if analysis.Passed > proof.TestsPassed {
				proof.TestsPassed = analysis.Passed
			}
		}
		if analysis.Failed > proof.TestsFailed {
			proof.TestsFailed = analysis.Failed
		}
	}

	proof.Reason = summarize(proof)
	return proof
}

func newEntry(path string, after Snapshot) FileEntry {
	return FileEntry{
		Path:      path,
		IsCode:    IsCodeFile(path),
		IsTest:    IsTestFile(path),
		SizeBytes: after.Files[path].Size,
	}
}

func summarize(p *Proof) string {
	var parts []string
	if p.HasImplementation {
		parts = append(parts, "implementation present")
	} else if len(p.FilesCreated) == 0 {
		parts = append(parts, "no files created")
	} else {
		parts = append(parts, "no code files created")
	}
	switch {
	case p.TestsPass:
		parts = append(parts, "tests pass")
	case p.TestsFailed > 0:
		parts = append(parts, "tests failing")
	case p.HasTests:
		parts = append(parts, "tests present but not passing")
	default:
		parts = append(parts, "no tests")
	}
	return strings.Join(parts, "; ")
}
