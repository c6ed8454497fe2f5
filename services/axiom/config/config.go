// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the Axiom configuration file.
//
// A configuration starts from Default, is overlaid by an optional YAML file
// and then by AXIOM_* environment variables, and is validated before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/Axiom/pkg/logging"
	"github.com/AleutianAI/Axiom/services/axiom/api"
	"github.com/AleutianAI/Axiom/services/axiom/attempt"
	"github.com/AleutianAI/Axiom/services/axiom/hooks"
	"github.com/AleutianAI/Axiom/services/axiom/mcts"
	"github.com/AleutianAI/Axiom/services/axiom/registry"
	"github.com/AleutianAI/Axiom/services/axiom/telemetry"
	"github.com/AleutianAI/Axiom/services/axiom/verify"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Registry backends.
const (
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Logging configures pkg/logging.
type Logging struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is auto, text or json.
	Format string `yaml:"format"`

	// Dir enables a JSON log file in this directory.
	Dir string `yaml:"dir"`
}

// Registry selects the task registry backend.
type Registry struct {
	Backend string                `yaml:"backend"`
	Badger  registry.BadgerConfig `yaml:"badger"`
}

// Config is the whole Axiom configuration.
type Config struct {
	Logging   Logging             `yaml:"logging"`
	Telemetry telemetry.Config    `yaml:"telemetry"`
	Server    api.Config          `yaml:"server"`
	Registry  Registry            `yaml:"registry"`
	Attempt   attempt.Config      `yaml:"attempt"`
	Hooks     hooks.Config        `yaml:"hooks"`
	Builtin   hooks.BuiltinConfig `yaml:"builtin_hooks"`
	Verify    verify.Config       `yaml:"verify"`
	Search    mcts.Config         `yaml:"search"`

	// RulesFile replaces the built-in classifier rules.
	RulesFile string `yaml:"rules_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging:   Logging{Level: "info", Format: string(logging.FormatAuto)},
		Telemetry: telemetry.DefaultConfig(),
		Server:    api.DefaultConfig(),
		Registry: Registry{
			Backend: BackendBadger,
			Badger:  registry.DefaultBadgerConfig("~/.axiom/registry"),
		},
		Attempt: attempt.DefaultConfig(),
		Hooks:   hooks.DefaultConfig(),
		Builtin: hooks.DefaultBuiltinConfig(),
		Verify:  verify.DefaultConfig(),
		Search:  mcts.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
//
// Outputs:
//   - Config: Ready to use. Paths have "~" expanded.
//   - error: Read and parse failures, or ErrInvalid.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.Registry.Badger.Path = expandHome(cfg.Registry.Badger.Path)
	cfg.Logging.Dir = expandHome(cfg.Logging.Dir)
	cfg.RulesFile = expandHome(cfg.RulesFile)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left alone.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch logging.Format(c.Logging.Format) {
	case logging.FormatAuto, logging.FormatText, logging.FormatJSON, "":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	switch c.Registry.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Registry.Badger.Path == "" && !c.Registry.Badger.InMemory {
			errs = append(errs, errors.New("registry.badger.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry backend %q", c.Registry.Backend))
	}
	if c.Hooks.HookTimeout <= 0 {
		errs = append(errs, errors.New("hooks.hook_timeout must be > 0"))
	}
	if c.Verify.TestTimeout <= 0 {
		errs = append(errs, errors.New("verify.test_timeout must be > 0"))
	}
	for _, v := range []interface{ Validate() error }{c.Telemetry, c.Server, c.Attempt, c.Search} {
		if err := v.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// LoggingConfig converts the logging section for pkg/logging.
func (c Config) LoggingConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:   level,
		Format:  logging.Format(c.Logging.Format),
		LogDir:  c.Logging.Dir,
		Service: service,
	}
}

// applyEnv overlays AXIOM_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("AXIOM_LOG_LEVEL", &cfg.Logging.Level)
	str("AXIOM_LOG_FORMAT", &cfg.Logging.Format)
	str("AXIOM_LOG_DIR", &cfg.Logging.Dir)
	str("AXIOM_ADDR", &cfg.Server.Addr)
	str("AXIOM_REGISTRY_BACKEND", &cfg.Registry.Backend)
	str("AXIOM_REGISTRY_PATH", &cfg.Registry.Badger.Path)
	str("AXIOM_WORK_ROOT", &cfg.Attempt.WorkRoot)
	str("AXIOM_AGENT_COMMAND", &cfg.Attempt.Command)
	str("AXIOM_RULES_FILE", &cfg.RulesFile)
	if v, ok := lookup("AXIOM_AGENT_ARGS"); ok && v != "" {
		cfg.Attempt.Args = strings.Fields(v)
	}
	dur("AXIOM_ATTEMPT_TIMEOUT", &cfg.Attempt.Timeout)
	num("AXIOM_PARALLELISM", &cfg.Attempt.Parallelism)
	num("AXIOM_MAX_ITERATIONS", &cfg.Search.MaxIterations)
	dur("AXIOM_TIME_BUDGET", &cfg.Search.TimeBudget)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
