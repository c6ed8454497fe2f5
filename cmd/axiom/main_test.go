// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Axiom/services/axiom"
	"github.com/AleutianAI/Axiom/services/axiom/registry"
	"github.com/AleutianAI/Axiom/services/axiom/verify"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("  abc \n", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 2))
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "serve", "task", "config"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, &axiom.TaskResult{
		TaskID: "t1",
		Status: registry.StatusCompleted,
		Reward: 0.9,
		Dir:    "/tmp/t1",
		Proof: &verify.Proof{
			Verified:          true,
			HasImplementation: true,
			HasTests:          true,
			TestsPass:         true,
			TestsPassed:       3,
			FilesCreated:      []verify.FileEntry{{Path: "main.go"}, {Path: "main_test.go"}},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "task:    t1")
	assert.Contains(t, out, "reward:  0.900")
	assert.Contains(t, out, "3 passed, 0 failed")
	assert.Contains(t, out, "2 created, 0 modified")
	assert.NotContains(t, out, "error:")
}

func TestPrintTasks(t *testing.T) {
	var buf bytes.Buffer
	printTasks(&buf, []registry.Task{
		{ID: "root-n1", Status: registry.StatusCompleted, Reward: 0.5, Depth: 1, Strategy: "write tests first"},
	})
	assert.Contains(t, buf.String(), "root-n1")
	assert.Contains(t, buf.String(), "write tests first")
}

func TestHTTPTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/axiom/tasks/t1":
			_ = json.NewEncoder(w).Encode(registry.Task{ID: "t1", Status: registry.StatusRunning})
		case "/v1/axiom/tasks/t1/children":
			_ = json.NewEncoder(w).Encode(map[string]any{"children": []registry.Task{{ID: "t1-a", ParentID: "t1"}}})
		case "/v1/axiom/tasks/boom":
			http.Error(w, "kaput", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := &httpTasks{base: srv.URL, client: srv.Client()}
	ctx := context.Background()

	task, err := src.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, task.Status)

	kids, err := src.GetChildren(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, "t1-a", kids[0].ID)

	_, err = src.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, registry.ErrTaskNotFound)

	_, err = src.GetTask(ctx, "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaput")
}
