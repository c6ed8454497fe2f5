// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the task service over HTTP and websockets.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/Axiom/services/axiom"
	"github.com/AleutianAI/Axiom/services/axiom/events"
	"github.com/AleutianAI/Axiom/services/axiom/registry"
	"github.com/AleutianAI/Axiom/services/axiom/telemetry"
)

// Tasks is the part of axiom.Service the API serves.
type Tasks interface {
	Spawn(ctx context.Context, req axiom.SpawnRequest) (string, error)
	Task(ctx context.Context, id string) (registry.Task, error)
	Children(ctx context.Context, id string) ([]registry.Task, error)
	Result(ctx context.Context, id string) (*axiom.TaskResult, error)
	Subscribe(ctx context.Context, id string) (<-chan events.Event, error)
}

// Config configures the HTTP server.
type Config struct {
	Addr              string        `json:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout"`

	// WriteTimeout bounds one websocket frame write.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// PingInterval is how often idle event streams are pinged.
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`

	// MaxBodyBytes caps spawn request bodies.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:8420",
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
		MaxBodyBytes:      1 << 20,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("api: addr is required")
	case c.WriteTimeout <= 0:
		return errors.New("api: write_timeout must be > 0")
	case c.PingInterval <= 0:
		return errors.New("api: ping_interval must be > 0")
	case c.MaxBodyBytes <= 0:
		return errors.New("api: max_body_bytes must be > 0")
	}
	return nil
}

// Server serves the task API.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	tasks   Tasks
	config  Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	router  *gin.Engine
	http    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request and stream metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer builds the router.
//
// Outputs:
//   - error: Invalid configuration.
func NewServer(tasks Tasks, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{tasks: tasks, config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("axiom-api"))
	if s.metrics != nil {
		router.Use(telemetry.GinMetrics(s.metrics))
	}
	s.routes(router)
	s.router = router
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := router.Group("/v1/axiom")
	{
		v1.GET("/health", s.handleHealth)

		tasks := v1.Group("/tasks")
		{
			tasks.POST("", s.handleSpawn)
			tasks.GET("/:id", s.handleGetTask)
			tasks.GET("/:id/children", s.handleChildren)
			tasks.GET("/:id/result", s.handleResult)
			tasks.GET("/:id/events", s.handleEvents)
		}
	}
}

// ListenAndServe serves until ctx is canceled, then shuts the listener down
// gracefully within grace.
//
// Outputs:
//   - error: A listen failure, or the graceful shutdown's error.
func (s *Server) ListenAndServe(ctx context.Context, grace time.Duration) error {
	s.http = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", slog.String("addr", s.config.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen %s: %w", s.config.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	s.logger.Info("api stopped")
	return nil
}
