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
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/Axiom/pkg/logging"
	"github.com/AleutianAI/Axiom/services/axiom"
	"github.com/AleutianAI/Axiom/services/axiom/attempt"
	"github.com/AleutianAI/Axiom/services/axiom/config"
	"github.com/AleutianAI/Axiom/services/axiom/events"
	"github.com/AleutianAI/Axiom/services/axiom/executor"
	"github.com/AleutianAI/Axiom/services/axiom/mcts"
	"github.com/AleutianAI/Axiom/services/axiom/registry"
	"github.com/AleutianAI/Axiom/services/axiom/stream/rules"
	"github.com/AleutianAI/Axiom/services/axiom/telemetry"
	"github.com/AleutianAI/Axiom/services/axiom/verify"
)

// app holds the wired components of one process.
type app struct {
	cfg     config.Config
	log     *logging.Logger
	logger  *slog.Logger
	reg     registry.Registry
	bus     *events.Bus
	service *axiom.Service
	metrics *telemetry.Metrics

	closers []func(context.Context) error
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if memoryRegistry {
		cfg.Registry.Backend = config.BackendMemory
	}
	return cfg, cfg.Validate()
}

// newLogger builds the process logger from cfg.
func newLogger(cfg config.Config) *logging.Logger {
	l := logging.New(cfg.LoggingConfig("axiom"))
	slog.SetDefault(l.Slog())
	return l
}

// openRegistry opens the configured task registry.
func openRegistry(cfg config.Config, logger *slog.Logger) (registry.Registry, func(context.Context) error, error) {
	switch cfg.Registry.Backend {
	case config.BackendMemory:
		return registry.NewMemoryRegistry(), func(context.Context) error { return nil }, nil
	default:
		reg, err := registry.OpenBadgerRegistry(cfg.Registry.Badger, logger)
		if err != nil {
			return nil, nil, err
		}
		return reg, func(context.Context) error { return reg.Close() }, nil
	}
}

// newApp wires telemetry, the registry, the attempt pipeline and the
// service from cfg.
func newApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, log: newLogger(cfg)}
	a.logger = a.log.Slog()
	a.closers = append(a.closers, func(context.Context) error { return a.log.Close() })
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdownTelemetry)

	a.metrics, err = telemetry.NewMetrics(otel.Meter("axiom"))
	if err != nil {
		return nil, err
	}

	reg, closeReg, err := openRegistry(cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	a.reg = reg
	a.closers = append(a.closers, closeReg)

	ruleSet, err := loadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	orch, err := attempt.DefaultOrchestrator(cfg.Hooks, cfg.Builtin, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build hooks: %w", err)
	}

	a.bus = events.NewBus(events.WithLogger(a.logger))
	a.closers = append(a.closers, func(context.Context) error { a.bus.Close(); return nil })

	runner, err := attempt.NewRunner(cfg.Attempt,
		attempt.WithLogger(a.logger),
		attempt.WithExecutor(executor.NewExecutor(
			executor.WithLogger(a.logger),
			executor.WithHeartbeatInterval(cfg.Attempt.HeartbeatInterval))),
		attempt.WithRules(ruleSet),
		attempt.WithOrchestrator(orch),
		attempt.WithOracle(verify.NewOracle(cfg.Verify, verify.WithLogger(a.logger))),
		attempt.WithRegistry(reg),
		attempt.WithBus(a.bus),
		attempt.WithRewardPolicy(mcts.NewRewardPolicy(cfg.Search.Reward)),
	)
	if err != nil {
		return nil, fmt.Errorf("build runner: %w", err)
	}

	a.service, err = axiom.New(attempt.NewPool(runner, cfg.Attempt.Parallelism), reg, cfg.Search,
		axiom.WithLogger(a.logger),
		axiom.WithBus(a.bus),
		axiom.WithTracer(mcts.NewTracer(a.logger, cfg.Search.TracingEnabled)),
	)
	if err != nil {
		return nil, fmt.Errorf("build service: %w", err)
	}
	return a, nil
}

func loadRules(path string) (*rules.Set, error) {
	if path == "" {
		return rules.Default()
	}
	set, err := rules.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load classifier rules: %w", err)
	}
	return set, nil
}

// Close stops the service, then releases everything newApp opened in
// reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.service != nil {
		if err := a.service.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
