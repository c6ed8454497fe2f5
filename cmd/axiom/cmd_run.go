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
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/Axiom/services/axiom"
	"github.com/AleutianAI/Axiom/services/axiom/events"
	"github.com/AleutianAI/Axiom/services/axiom/registry"
)

var (
	runSearch     bool
	runMode       string
	runIterations int
	runBudget     time.Duration
	runStrategies []string
	runParent     string
	runFollow     bool
	runJSON       bool

	runCmd = &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one task to completion",
		Long: `Runs a single attempt, or with --search a framing search, and prints the
verified result. Ctrl+C cancels the task and records it as failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runTask,
	}
)

func init() {
	runCmd.Flags().BoolVarP(&runSearch, "search", "s", false, "search over task framings instead of a single attempt")
	runCmd.Flags().StringVar(&runMode, "mode", "full", "simulation mode of a single attempt: full or structure")
	runCmd.Flags().IntVar(&runIterations, "iterations", 0, "search iterations (0 uses the configured value)")
	runCmd.Flags().DurationVar(&runBudget, "budget", 0, "search time budget (0 uses the configured value)")
	runCmd.Flags().StringSliceVar(&runStrategies, "strategy", nil, "framing to try; repeat to replace the configured list")
	runCmd.Flags().StringVar(&runParent, "parent", "", "record the task under an existing task id")
	runCmd.Flags().BoolVarP(&runFollow, "follow", "f", false, "print task events while it runs")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the result as JSON")
	rootCmd.AddCommand(runCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	req := axiom.SpawnRequest{
		Prompt:            strings.Join(args, " "),
		Search:            runSearch,
		SimulationMode:    runMode,
		MaxIterations:     runIterations,
		TimeBudgetSeconds: int(runBudget / time.Second),
		Strategies:        runStrategies,
		ParentID:          runParent,
	}
	id, err := a.service.Spawn(ctx, req)
	if err != nil {
		return err
	}
	a.logger.Info("task started", "task_id", id)

	if runFollow {
		stream, err := a.service.Subscribe(ctx, id)
		if err != nil {
			return err
		}
		go printEvents(cmd.ErrOrStderr(), stream)
	}

	res, err := a.service.Wait(ctx, id)
	if err != nil {
		// Interrupted: stop the task and report what was recorded.
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = a.service.Shutdown(closeCtx)
		if res, err = a.service.Result(closeCtx, id); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(out, res)
	}
	if res.Status != registry.StatusCompleted {
		return fmt.Errorf("task %s %s", id, res.Status)
	}
	return nil
}

func printEvents(w io.Writer, stream <-chan events.Event) {
	for ev := range stream {
		switch d := ev.Data.(type) {
		case events.StreamData:
			fmt.Fprintf(w, "  %-18s %s\n", d.Event.Kind, truncate(d.Event.RawText, 120))
		case events.InterventionData:
			fmt.Fprintf(w, "» %s %s %s\n", d.Hook, d.Action, d.Reason)
		case events.AttemptStartedData:
			fmt.Fprintf(w, "▶ attempt %s (%s) pid %d\n", ev.TaskID, d.Mode, d.PID)
		case events.AttemptFinishedData:
			fmt.Fprintf(w, "■ attempt %s verified=%t impl=%t tests_pass=%t %s\n",
				ev.TaskID, d.Verified, d.HasImplementation, d.TestsPass, d.Duration.Round(time.Second))
		case events.SearchProgressData:
			fmt.Fprintf(w, "◆ iteration %d node %s reward %.3f best %.3f\n", d.Iteration, d.NodeID, d.Reward, d.BestReward)
		}
		if ev.Terminal() {
			return
		}
	}
}

func printResult(w io.Writer, res *axiom.TaskResult) {
	fmt.Fprintf(w, "task:    %s\n", res.TaskID)
	fmt.Fprintf(w, "status:  %s\n", res.Status)
	fmt.Fprintf(w, "reward:  %.3f\n", res.Reward)
	if res.Dir != "" {
		fmt.Fprintf(w, "dir:     %s\n", res.Dir)
	}
	if p := res.Proof; p != nil {
		fmt.Fprintf(w, "proof:   verified=%t implementation=%t tests=%t passing=%t (%d passed, %d failed)\n",
			p.Verified, p.HasImplementation, p.HasTests, p.TestsPass, p.TestsPassed, p.TestsFailed)
		fmt.Fprintf(w, "files:   %d created, %d modified\n", len(p.FilesCreated), len(p.FilesModified))
	}
	if s := res.Search; s != nil {
		fmt.Fprintf(w, "search:  %d iterations, %d nodes, stopped on %s after %s\n",
			s.Iterations, s.Nodes, s.Reason, s.Elapsed.Round(time.Second))
		if s.Strategy != "" {
			fmt.Fprintf(w, "best:    %s\n", s.Strategy)
		}
	}
	if res.Error != "" {
		fmt.Fprintf(w, "error:   %s\n", res.Error)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
