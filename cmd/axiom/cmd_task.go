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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/Axiom/services/axiom/registry"
)

var (
	taskServer string

	taskCmd = &cobra.Command{
		Use:   "task",
		Short: "Inspect recorded tasks",
		Long: `Reads tasks from the configured registry, or from a running server with
--server when the registry is held open by it.`,
	}
	taskShowCmd = &cobra.Command{
		Use:   "show [task_id]",
		Short: "Print one task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskShow,
	}
	taskChildrenCmd = &cobra.Command{
		Use:   "children [task_id]",
		Short: "List the direct children of a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskChildren,
	}
)

func init() {
	taskCmd.PersistentFlags().StringVar(&taskServer, "server", "", "base URL of a running axiom server, e.g. http://127.0.0.1:8420")
	taskCmd.AddCommand(taskShowCmd, taskChildrenCmd)
	rootCmd.AddCommand(taskCmd)
}

// taskSource reads tasks from a registry or a server.
type taskSource interface {
	GetTask(ctx context.Context, id string) (registry.Task, error)
	GetChildren(ctx context.Context, id string) ([]registry.Task, error)
}

func openTaskSource() (taskSource, func(), error) {
	if taskServer != "" {
		return &httpTasks{base: strings.TrimRight(taskServer, "/"), client: &http.Client{Timeout: 10 * time.Second}}, func() {}, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg)
	reg, closeReg, err := openRegistry(cfg, logger.Slog())
	if err != nil {
		_ = logger.Close()
		return nil, nil, fmt.Errorf("open registry: %w", err)
	}
	return reg, func() {
		_ = closeReg(context.Background())
		_ = logger.Close()
	}, nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	src, done, err := openTaskSource()
	if err != nil {
		return err
	}
	defer done()

	task, err := src.GetTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(task)
}

func runTaskChildren(cmd *cobra.Command, args []string) error {
	src, done, err := openTaskSource()
	if err != nil {
		return err
	}
	defer done()

	kids, err := src.GetChildren(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printTasks(cmd.OutOrStdout(), kids)
	return nil
}

func printTasks(w io.Writer, tasks []registry.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tREWARD\tDEPTH\tSTRATEGY")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%d\t%s\n", t.ID, t.Status, t.Reward, t.Depth, truncate(t.Strategy, 60))
	}
	_ = tw.Flush()
}

// httpTasks reads tasks through the API.
type httpTasks struct {
	base   string
	client *http.Client
}

func (h *httpTasks) GetTask(ctx context.Context, id string) (registry.Task, error) {
	var task registry.Task
	err := h.get(ctx, "/v1/axiom/tasks/"+url.PathEscape(id), &task)
	return task, err
}

func (h *httpTasks) GetChildren(ctx context.Context, id string) ([]registry.Task, error) {
	var body struct {
		Children []registry.Task `json:"children"`
	}
	err := h.get(ctx, "/v1/axiom/tasks/"+url.PathEscape(id)+"/children", &body)
	return body.Children, err
}

func (h *httpTasks) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("query server: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return registry.ErrTaskNotFound
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(into)
}
