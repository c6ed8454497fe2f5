// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command axiom drives coding agents on a pty, verifies what they built and
// searches over task framings for the best verified result.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath     string
	logLevel       string
	memoryRegistry bool

	rootCmd = &cobra.Command{
		Use:   "axiom",
		Short: "Supervise coding agents and verify their work",
		Long: `Axiom runs a coding agent as a subprocess on a pseudo-terminal, steers it
with hooks while it works, and judges the result from the filesystem and a
real test run rather than from what the agent printed. A search mode tries
several framings of the task and keeps the best verified implementation.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AXIOM_CONFIG"), "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&memoryRegistry, "memory", false, "keep tasks in memory instead of the configured registry")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
