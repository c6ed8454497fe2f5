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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultIgnoreDirs are never descended into.
var DefaultIgnoreDirs = []string{".git", "node_modules", "__pycache__", ".venv", "venv", "vendor", ".pytest_cache", "target", ".mypy_cache"}

// FileState is the observed state of one file.
type FileState struct {
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// Snapshot is the set of regular files under a directory at a point in time.
// Keys are slash-separated paths relative to Root.
type Snapshot struct {
	Root    string               `json:"root"`
	Files   map[string]FileState `json:"files"`
	TakenAt time.Time            `json:"taken_at"`
}

// SnapshotOptions controls TakeSnapshot.
type SnapshotOptions struct {
	// IgnoreDirs are directory base names to skip. Nil uses DefaultIgnoreDirs.
	IgnoreDirs []string

	// MaxFiles stops the walk early. Zero means 100000.
	MaxFiles int
}

// TakeSnapshot records (path, mtime, size) for every regular file under dir.
//
// Outputs:
//   - Snapshot: The observed files.
//   - error: Wraps ErrVerificationUnavailable when dir is missing, not a
//     directory or unreadable.
func TakeSnapshot(dir string, opts SnapshotOptions) (Snapshot, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	if !info.IsDir() {
		return Snapshot{}, fmt.Errorf("%w: %s is not a directory", ErrVerificationUnavailable, dir)
	}
	if _, err := os.ReadDir(dir); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}

	ignore := opts.IgnoreDirs
	if ignore == nil {
		ignore = DefaultIgnoreDirs
	}
	skip := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		skip[name] = true
	}
	limit := opts.MaxFiles
	if limit <= 0 {
		limit = 100000
	}

	snap := Snapshot{Root: dir, Files: make(map[string]FileState), TakenAt: time.Now()}
	errLimit := errors.New("file limit reached")

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			if d != nil && d.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		snap.Files[filepath.ToSlash(rel)] = FileState{ModTime: fi.ModTime(), Size: fi.Size()}
		if len(snap.Files) >= limit {
			return errLimit
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errLimit) {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrVerificationUnavailable, walkErr)
	}
	return snap, nil
}

// Delta is the difference between two snapshots.
type Delta struct {
	Created  []string `json:"created"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

// Empty reports whether nothing changed.
func (d Delta) Empty() bool {
	return len(d.Created) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Diff compares two snapshots. A file is modified when its size or mtime
// changed. Results are sorted.
func Diff(before, after Snapshot) Delta {
	var delta Delta
	for path, now := range after.Files {
		prev, ok := before.Files[path]
		switch {
		case !ok:
			delta.Created = append(delta.Created, path)
		case prev.Size != now.Size || !prev.ModTime.Equal(now.ModTime):
			delta.Modified = append(delta.Modified, path)
		}
	}
	for path := range before.Files {
		if _, ok := after.Files[path]; !ok {
			delta.Deleted = append(delta.Deleted, path)
		}
	}
	sort.Strings(delta.Created)
	sort.Strings(delta.Modified)
	sort.Strings(delta.Deleted)
	return delta
}

var codeExtensions = map[string]bool{
	".py": true, ".pyi": true, ".go": true, ".js": true, ".jsx": true,
	".mjs": true, ".cjs": true, ".ts": true, ".tsx": true, ".rs": true,
	".java": true, ".kt": true, ".rb": true, ".c": true, ".h": true,
	".cc": true, ".cpp": true, ".hpp": true, ".cs": true, ".swift": true,
	".php": true, ".sh": true, ".bash": true, ".scala": true, ".lua": true,
}

// IsCodeFile reports whether path has a source-code extension.
func IsCodeFile(path string) bool {
	return codeExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsTestFile reports whether path is a source file that holds tests:
// test_*.py, *_test.go/py, *.test.js, *.spec.ts, or any code file under a
// tests/, test/ or __tests__/ directory.
func IsTestFile(path string) bool {
	if !IsCodeFile(path) {
		return false
	}
	slashed := filepath.ToSlash(path)
	base := strings.ToLower(filepath.Base(slashed))
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	switch {
	case strings.HasPrefix(base, "test_"),
		strings.HasSuffix(stem, "_test"),
		strings.HasSuffix(stem, ".test"),
		strings.HasSuffix(stem, ".spec"):
		return true
	}
	for _, dir := range strings.Split(filepath.Dir(slashed), "/") {
		if dir == "tests" || dir == "test" || dir == "__tests__" {
			return true
		}
	}
	return false
}
