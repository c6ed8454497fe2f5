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
	"regexp"
	"strconv"
	"strings"
)

// TestAnalysis is what a test runner's output says about the run.
type TestAnalysis struct {
	Passed      int      `json:"passed"`
	Failed      int      `json:"failed"`
	Skipped     int      `json:"skipped"`
	Errors      int      `json:"errors"`
	Collected   int      `json:"collected"`
	Total       int      `json:"total"`
	OverallPass bool     `json:"overall_pass"`
	Recognized  bool     `json:"recognized"`
	FailedTests []string `json:"failed_tests,omitempty"`
}

var (
	countPassed    = regexp.MustCompile(`\b(\d+) passed\b`)
	countFailed    = regexp.MustCompile(`\b(\d+) failed\b`)
	countSkipped   = regexp.MustCompile(`\b(\d+) (?:skipped|ignored)\b`)
	countErrors    = regexp.MustCompile(`\b(\d+) errors?\b`)
	countCollected = regexp.MustCompile(`\bcollected (\d+) items?\b`)
	goPkgOK        = regexp.MustCompile(`^ok\s+\S+`)
	goPkgFail      = regexp.MustCompile(`^FAIL\s+\S+`)
	cargoResult    = regexp.MustCompile(`^test result: (ok|FAILED)\.`)
	unittestRan    = regexp.MustCompile(`^Ran (\d+) tests? in`)
)

// AnalyzeTestOutput extracts pass/fail counts from pytest, go test,
// jest/vitest, cargo test and unittest output.
//
// Description:
//
//	Summary counters ("3 passed", "1 failed") are summed across lines, which
//	covers pytest, jest and cargo (one summary per test binary). go test is
//	counted from its "--- PASS/FAIL/SKIP" lines and "ok"/"FAIL" package
//	lines. OverallPass requires a recognized success marker and no failures.
func AnalyzeTestOutput(output string) TestAnalysis {
	var a TestAnalysis
	sawSuccess, sawFailure := false, false
	goPassed := 0

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "--- PASS:"):
			goPassed++
			a.Recognized = true
			continue
		case strings.HasPrefix(line, "--- FAIL:"):
			a.Failed++
			a.Recognized = true
			if parts := strings.Fields(line); len(parts) >= 3 {
				a.FailedTests = append(a.FailedTests, parts[2])
			}
			continue
		case strings.HasPrefix(line, "--- SKIP:"):
			a.Skipped++
			a.Recognized = true
			continue
		case line == "PASS" || goPkgOK.MatchString(line):
			sawSuccess = true
			a.Recognized = true
			continue
		case line == "FAIL" || goPkgFail.MatchString(line):
			sawFailure = true
			a.Recognized = true
			continue
		}

		if m := cargoResult.FindStringSubmatch(line); m != nil {
			a.Recognized = true
			if m[1] == "ok" {
				sawSuccess = true
			} else {
				sawFailure = true
			}
		}
		if m := unittestRan.FindStringSubmatch(line); m != nil {
			a.Recognized = true
			a.Collected += atoi(m[1])
		}
		if line == "OK" || strings.HasPrefix(line, "OK (") {
			sawSuccess = true
		}
		if strings.HasPrefix(line, "FAILED (") {
			sawFailure = true
		}

		if m := countCollected.FindStringSubmatch(line); m != nil {
			a.Recognized = true
			a.Collected += atoi(m[1])
		}
		if m := countPassed.FindStringSubmatch(line); m != nil {
			a.Recognized = true
			a.Passed += atoi(m[1])
			sawSuccess = true
		}
		if m := countFailed.FindStringSubmatch(line); m != nil {
			a.Failed += atoi(m[1])
		}
		if m := countSkipped.FindStringSubmatch(line); m != nil {
			a.Skipped += atoi(m[1])
		}
		if m := countErrors.FindStringSubmatch(line); m != nil && strings.Contains(line, " in ") {
			a.Errors += atoi(m[1])
		}
	}

	a.Passed += goPassed
	a.Total = a.Passed + a.Failed + a.Skipped + a.Errors
	if a.Collected < a.Total {
		a.Collected = a.Total
	}
	a.OverallPass = sawSuccess && !sawFailure && a.Failed == 0 && a.Errors == 0
	return a
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
