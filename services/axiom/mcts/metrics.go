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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("axiom.mcts")

var (
	searchDuration    metric.Float64Histogram
	iterationsTotal   metric.Int64Counter
	simulationsTotal  metric.Int64Counter
	rewardHistogram   metric.Float64Histogram
	transpositionHits metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if searchDuration, err = meter.Float64Histogram(
			"axiom_mcts_search_duration_seconds",
			metric.WithDescription("Duration of complete searches"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
		if iterationsTotal, err = meter.Int64Counter(
			"axiom_mcts_iterations_total",
			metric.WithDescription("Search iterations completed"),
		); err != nil {
			metricsErr = err
			return
		}
		if simulationsTotal, err = meter.Int64Counter(
			"axiom_mcts_simulations_total",
			metric.WithDescription("Simulations by mode and result"),
		); err != nil {
			metricsErr = err
			return
		}
		if rewardHistogram, err = meter.Float64Histogram(
			"axiom_mcts_reward",
			metric.WithDescription("Rewards of simulated nodes"),
		); err != nil {
			metricsErr = err
			return
		}
		if transpositionHits, err = meter.Int64Counter(
			"axiom_mcts_transposition_hits_total",
			metric.WithDescription("Simulations answered from the transposition table"),
		); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSimulation(ctx context.Context, mode Mode, reward float64, reused bool, failed bool) {
	if initMetrics() != nil {
		return
	}
	result := "ok"
	switch {
	case failed:
		result = "error"
	case reused:
		result = "reused"
		transpositionHits.Add(ctx, 1)
	}
	simulationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode.String()),
		attribute.String("result", result),
	))
	rewardHistogram.Record(ctx, reward, metric.WithAttributes(attribute.String("mode", mode.String())))
}

func recordIterations(ctx context.Context, n int) {
	if initMetrics() != nil {
		return
	}
	iterationsTotal.Add(ctx, int64(n))
}

func recordSearch(ctx context.Context, d time.Duration, reason TerminationReason) {
	if initMetrics() != nil {
		return
	}
	searchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("reason", string(reason))))
}
