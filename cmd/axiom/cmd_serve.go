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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/Axiom/services/axiom/api"
)

var (
	serveAddr  string
	serveGrace time.Duration

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the task API",
		Long: `Starts the HTTP API. Tasks are spawned with POST /v1/axiom/tasks and followed
over the websocket at /v1/axiom/tasks/{id}/events. SIGINT or SIGTERM stops
accepting requests, cancels running tasks and waits for them to record their
outcome.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().DurationVar(&serveGrace, "grace", 30*time.Second, "how long shutdown waits for requests and tasks")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), serveGrace)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.logger.Error("shutdown incomplete", "error", err)
		}
	}()

	srv, err := api.NewServer(a.service, cfg.Server,
		api.WithLogger(a.logger),
		api.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, serveGrace)
}
