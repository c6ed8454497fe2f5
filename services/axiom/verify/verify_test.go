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
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func snapshotOf(files ...string) Snapshot {
	snap := Snapshot{Files: map[string]FileState{}}
	for _, f := range files {
		snap.Files[f] = FileState{Size: 10}
	}
	return snap
}

func TestBuildProof_HasImplementationRequiresCodeFile(t *testing.T) {
	tests := []struct {
		name    string
		created []string
		want    bool
	}{
		{"code file", []string{"calc.py"}, true},
		{"only markdown", []string{"NOTES.md", "plan.txt"}, false},
		{"only a test file", []string{"test_calc.py"}, false},
		{"nothing", nil, false},
		{"code in subdir", []string{"src/app.go"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			proof := BuildProof(Delta{Created: tc.created}, snapshotOf(tc.created...), nil)
			assert.Equal(t, tc.want, proof.HasImplementation)
			assert.True(t, proof.Verified)
		})
	}
}

func TestBuildProof_CalcScenario(t *testing.T) {
	records := []ProcessRecord{
		NewProcessRecord("pytest", nil, 0, "3 passed", "", time.Second),
	}
	proof := BuildProof(Delta{Created: []string{"calc.py"}}, snapshotOf("calc.py"), records)

	assert.True(t, proof.HasImplementation)
	assert.True(t, proof.HasTests)
	assert.True(t, proof.TestsPass)
	assert.Equal(t, 3, proof.TestsPassed)
	assert.True(t, proof.Success())
}

func TestBuildProof_TestsPassRequiresZeroExitRunner(t *testing.T) {
	tests := []struct {
		name    string
		records []ProcessRecord
		want    bool
	}{
		{"non-zero exit", []ProcessRecord{NewProcessRecord("pytest", nil, 1, "1 failed, 2 passed in 0.1s", "", 0)}, false},
		{"not a runner", []ProcessRecord{NewProcessRecord("echo", []string{"3 passed"}, 0, "3 passed", "", 0)}, false},
		{"unrecognized output", []ProcessRecord{NewProcessRecord("pytest", nil, 0, "hello", "", 0)}, false},
		{"go test", []ProcessRecord{NewProcessRecord("go", []string{"test", "./..."}, 0, "--- PASS: TestAdd (0.00s)\nPASS\nok  \tcalc\t0.01s", "", 0)}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			proof := BuildProof(Delta{}, snapshotOf(), tc.records)
			assert.Equal(t, tc.want, proof.TestsPass)
			if proof.TestsPass {
				var found bool
				for _, r := range proof.ProcessesRun {
					if r.IsTestRunner && r.ExitCode == 0 {
						found = true
					}
				}
				assert.True(t, found)
			}
		})
	}
}

func TestBuildProof_ExistingTestFileCounts(t *testing.T) {
	proof := BuildProof(Delta{Created: []string{"calc.py"}}, snapshotOf("calc.py", "tests/test_calc.py"), nil)
	assert.True(t, proof.HasTests)
	assert.False(t, proof.TestsPass)
}

func TestProof_IsDeceptive(t *testing.T) {
	proof := BuildProof(Delta{}, snapshotOf(), nil)
	assert.True(t, proof.IsDeceptive(true))
	assert.False(t, proof.IsDeceptive(false))
	assert.False(t, proof.HasImplementation, "text claims never flip hasImplementation")
}

func TestProof_Shortfall(t *testing.T) {
	tests := []struct {
		name         string
		proof        *Proof
		requireTests bool
		want         string
	}{
		{"nil", nil, false, "no proof"},
		{"unverified", Unverified("gone"), false, "unverified: gone"},
		{"text only", &Proof{Verified: true, Reason: "no files created"}, false, "no implementation"},
		{"implementation without tests", &Proof{Verified: true, HasImplementation: true}, false, ""},
		{"full mode failing tests", &Proof{Verified: true, HasImplementation: true, HasTests: true}, true, "tests not passing"},
		{"full mode success", &Proof{Verified: true, HasImplementation: true, TestsPass: true}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.proof.Shortfall(tt.requireTests)
			if tt.want == "" {
				assert.Empty(t, got)
				return
			}
			assert.Contains(t, got, tt.want)
		})
	}
}

func TestSnapshotAndDiff(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.py", "x = 1\n")
	writeFile(t, dir, "change.py", "x = 1\n")
	writeFile(t, dir, "gone.py", "x = 1\n")
	writeFile(t, dir, "node_modules/pkg/index.js", "ignored")

	before, err := TakeSnapshot(dir, SnapshotOptions{})
	require.NoError(t, err)
	assert.NotContains(t, before.Files, "node_modules/pkg/index.js")

	writeFile(t, dir, "change.py", "x = 12345\n")
	writeFile(t, dir, "new/calc.py", "def add(a, b):\n    return a + b\n")
	require.NoError(t, os.Remove(filepath.Join(dir, "gone.py")))

	after, err := TakeSnapshot(dir, SnapshotOptions{})
	require.NoError(t, err)

	delta := Diff(before, after)
	assert.Equal(t, []string{"new/calc.py"}, delta.Created)
	assert.Equal(t, []string{"change.py"}, delta.Modified)
	assert.Equal(t, []string{"gone.py"}, delta.Deleted)
	assert.False(t, delta.Empty())
}

func TestTakeSnapshot_FailsClosed(t *testing.T) {
	_, err := TakeSnapshot(filepath.Join(t.TempDir(), "missing"), SnapshotOptions{})
	assert.True(t, errors.Is(err, ErrVerificationUnavailable))

	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = TakeSnapshot(file, SnapshotOptions{})
	assert.True(t, errors.Is(err, ErrVerificationUnavailable))
}

func TestOracle_VerifyUnavailable(t *testing.T) {
	oracle := NewOracle(Config{})
	proof, err := oracle.Verify(context.Background(), Input{Dir: filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVerificationUnavailable))
	require.NotNil(t, proof)
	assert.False(t, proof.Verified)
	assert.False(t, proof.Success())
}

func TestOracle_VerifyRunsDetectedRunner(t *testing.T) {
	dir := t.TempDir()
	oracle := NewOracle(Config{}, WithCommandFunc(func(ctx context.Context, d string, r Runner, timeout time.Duration) ProcessRecord {
		assert.Equal(t, dir, d)
		assert.Equal(t, "pytest", r.Name)
		return NewProcessRecord(r.Command, r.Args, 0, "collected 3 items\n\n3 passed in 0.01s", "", time.Millisecond)
	}))

	before, err := oracle.Snapshot(dir)
	require.NoError(t, err)

	writeFile(t, dir, "calc.py", "def add(a, b):\n    return a + b\n")
	writeFile(t, dir, "test_calc.py", "from calc import add\n\ndef test_add():\n    assert add(1, 2) == 3\n")

	proof, err := oracle.Verify(context.Background(), Input{Dir: dir, Before: before, RunTests: true})
	require.NoError(t, err)
	assert.True(t, proof.HasImplementation)
	assert.True(t, proof.HasTests)
	assert.True(t, proof.TestsPass)
	require.Len(t, proof.ProcessesRun, 1)
	assert.True(t, proof.ProcessesRun[0].IsTestRunner)
}

func TestOracle_RunCommandKillsOnTimeout(t *testing.T) {
	oracle := NewOracle(Config{})
	start := time.Now()
	rec := oracle.runCommand(context.Background(), t.TempDir(),
		Runner{Name: "sh", Command: "/bin/sh", Args: []string{"-c", "sleep 30"}}, 100*time.Millisecond)

	assert.Equal(t, -1, rec.ExitCode)
	assert.Contains(t, rec.Stderr, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOracle_RunCommandCapturesOutput(t *testing.T) {
	oracle := NewOracle(Config{})
	rec := oracle.runCommand(context.Background(), t.TempDir(),
		Runner{Name: "sh", Command: "/bin/sh", Args: []string{"-c", "echo out; echo err >&2; exit 2"}}, 5*time.Second)

	assert.Equal(t, 2, rec.ExitCode)
	assert.Contains(t, rec.Stdout, "out")
	assert.Contains(t, rec.Stderr, "err")
}

func TestDetectRunner(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  string
		found bool
	}{
		{"go module", []string{"go.mod", "main.go"}, "go", true},
		{"cargo", []string{"Cargo.toml", "src/main.rs"}, "cargo", true},
		{"npm", []string{"package.json"}, "npm", true},
		{"pytest", []string{"calc.py", "test_calc.py"}, "pytest", true},
		{"nothing", []string{"README.md"}, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner, ok := DetectRunner(snapshotOf(tc.files...))
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.want, runner.Name)
		})
	}
}

func TestIsTestCommand(t *testing.T) {
	tests := []struct {
		command string
		args    []string
		want    bool
	}{
		{"pytest", nil, true},
		{"/usr/bin/pytest", []string{"-q"}, true},
		{"go", []string{"test", "./..."}, true},
		{"go", []string{"build"}, false},
		{"cargo", []string{"test"}, true},
		{"npm", []string{"test"}, true},
		{"npm", []string{"run", "test:unit"}, true},
		{"npm", []string{"install"}, false},
		{"python3", []string{"-m", "pytest"}, true},
		{"python3", []string{"calc.py"}, false},
		{"sh", []string{"-c", "pytest -q"}, true},
		{"claude", []string{"-p", "write tests"}, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, IsTestCommand(tc.command, tc.args), "%s %v", tc.command, tc.args)
	}
}

func TestIsCodeAndTestFile(t *testing.T) {
	assert.True(t, IsCodeFile("calc.py"))
	assert.False(t, IsCodeFile("README.md"))
	assert.True(t, IsTestFile("test_calc.py"))
	assert.True(t, IsTestFile("calc_test.go"))
	assert.True(t, IsTestFile("src/calc.spec.ts"))
	assert.True(t, IsTestFile("__tests__/calc.js"))
	assert.False(t, IsTestFile("calc.py"))
	assert.False(t, IsTestFile("tests/fixtures.json"))
}

func TestAnalyzeTestOutput(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		passed   int
		failed   int
		overall  bool
		collects int
	}{
		{"pytest pass", "collected 3 items\n\ntest_calc.py ...\n\n===== 3 passed in 0.02s =====", 3, 0, true, 3},
		{"pytest mixed", "===== 1 failed, 2 passed in 0.05s =====", 2, 1, false, 3},
		{"go verbose", "=== RUN   TestA\n--- PASS: TestA (0.00s)\n--- FAIL: TestB (0.00s)\nFAIL\nFAIL\tcalc\t0.01s", 1, 1, false, 2},
		{"jest", "Tests:       4 passed, 4 total", 4, 0, true, 4},
		{"cargo", "test result: ok. 2 passed; 0 failed; 0 ignored; 0 measured", 2, 0, true, 2},
		{"unittest", "Ran 5 tests in 0.001s\n\nOK", 0, 0, true, 5},
		{"noise", "hello world", 0, 0, false, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := AnalyzeTestOutput(tc.output)
			assert.Equal(t, tc.passed, a.Passed)
			assert.Equal(t, tc.failed, a.Failed)
			assert.Equal(t, tc.overall, a.OverallPass)
			assert.Equal(t, tc.collects, a.Collected)
		})
	}
}

func TestScanner(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.py", "def add(a, b):\n    return a + b\n")
	writeFile(t, dir, "broken.py", "def add(a, b)\n    return a +\n")
	writeFile(t, dir, "risky.py", "import pickle\n\ndef load(b):\n    return pickle.loads(b)\n")
	writeFile(t, dir, "go.mod", "module example.com/calc\n\ngo 1.22\n")
	writeFile(t, dir, "bad/go.mod", "this is not a go.mod\n")

	scanner := NewScanner()
	ctx := context.Background()

	good, err := scanner.Scan(ctx, dir, []string{"good.py", "go.mod"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, good.Score)
	assert.Equal(t, 2, good.FilesScanned)
	assert.Empty(t, good.Findings)

	broken, err := scanner.Scan(ctx, dir, []string{"broken.py"})
	require.NoError(t, err)
	require.NotEmpty(t, broken.Findings)
	assert.Equal(t, "syntax_error", broken.Findings[0].Kind)
	assert.Less(t, broken.Score, 1.0)

	risky, err := scanner.Scan(ctx, dir, []string{"risky.py"})
	require.NoError(t, err)
	assert.Equal(t, "unsafe_deserialize", risky.Findings[0].Kind)
	assert.Equal(t, 4, risky.Findings[0].Line)

	mod, err := scanner.Scan(ctx, dir, []string{"bad/go.mod"})
	require.NoError(t, err)
	require.Len(t, mod.Findings, 1)
	assert.Equal(t, "invalid_go_mod", mod.Findings[0].Kind)

	none, err := scanner.Scan(ctx, dir, []string{"README.md"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, none.Score)
}

func TestWatcher_ReportsCreate(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeFile(t, dir, "calc.py", "x = 1\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case change, ok := <-w.Changes():
			require.True(t, ok)
			if change.Path == "calc.py" {
				assert.Contains(t, []ChangeOp{OpCreate, OpWrite}, change.Op)
				return
			}
		case <-deadline:
			t.Fatal("no change reported for calc.py")
		}
	}
}
