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
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/Axiom/services/axiom/config"
)

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration (default ~/.axiom/axiom.yaml)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after file and environment overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
)

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("find home directory: %w", err)
		}
		path = filepath.Join(home, ".axiom", "axiom.yaml")
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}
