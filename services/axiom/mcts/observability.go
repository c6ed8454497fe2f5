// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcts

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "axiom.mcts"

// Tracer wraps OpenTelemetry spans for search phases.
//
// Thread Safety: Safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a tracer. When enabled is false every span is a no-op.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{tracer: otel.Tracer(tracerName), logger: logger, enabled: enabled}
}

// StartRun starts the span covering a whole search.
func (t *Tracer) StartRun(ctx context.Context, task string, cfg Config) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "mcts.run",
		trace.WithAttributes(
			attribute.String("mcts.task", truncate(task, 100)),
			attribute.Int("mcts.max_iterations", cfg.MaxIterations),
			attribute.String("mcts.time_budget", cfg.TimeBudget.String()),
			attribute.Int("mcts.parallelism", cfg.Parallelism),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRun completes the run span.
func (t *Tracer) EndRun(span trace.Span, res *Result, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if res != nil {
		span.SetAttributes(
			attribute.Int("mcts.result.iterations", res.Iterations),
			attribute.Int("mcts.result.nodes", res.Nodes),
			attribute.String("mcts.result.reason", string(res.Reason)),
			attribute.Float64("mcts.result.best_reward", res.Best.AverageReward),
			attribute.Int("mcts.result.transposition_hits", res.TranspositionHits),
		)
	}
	span.End()
}

// TraceIteration starts a span for one batch of iterations.
func (t *Tracer) TraceIteration(ctx context.Context, iteration, batch int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "mcts.iteration",
		trace.WithAttributes(
			attribute.Int("mcts.iteration", iteration),
			attribute.Int("mcts.batch", batch),
		),
	)
}

// TraceSimulate starts a span for one simulation.
func (t *Tracer) TraceSimulate(ctx context.Context, req Request) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "mcts.simulate",
		trace.WithAttributes(
			attribute.String("mcts.node_id", req.NodeID),
			attribute.Int("mcts.depth", req.Depth),
			attribute.String("mcts.mode", req.Mode.String()),
		),
	)
}

// EndSimulate completes a simulation span.
func (t *Tracer) EndSimulate(span trace.Span, reward RewardBreakdown, reused bool, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.Float64("mcts.simulate.reward", reward.Reward),
		attribute.Float64("mcts.simulate.base", reward.Base),
		attribute.Bool("mcts.simulate.deceptive", reward.Deceptive),
		attribute.Bool("mcts.simulate.reused", reused),
	)
	span.End()
}

// TraceBackpropagate records a backpropagation as a span event on the
// current span.
func (t *Tracer) TraceBackpropagate(ctx context.Context, nodeID string, reward float64, updated int) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("backpropagate", trace.WithAttributes(
		attribute.String("node_id", nodeID),
		attribute.Float64("reward", reward),
		attribute.Int("nodes_updated", updated),
	))
}

// LoggerWithTrace returns logger annotated with the trace and span ids in
// ctx, if any.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
