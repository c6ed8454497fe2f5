// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package attempt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axiom",
		Subsystem: "attempt",
		Name:      "finished_total",
		Help:      "Finished attempts by mode and status",
	}, []string{"mode", "status"})

	attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "axiom",
		Subsystem: "attempt",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of attempts including verification",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"mode"})

	attemptReward = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "axiom",
		Subsystem: "attempt",
		Name:      "reward",
		Help:      "Reward of finished attempts",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	interventionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axiom",
		Subsystem: "attempt",
		Name:      "interventions_total",
		Help:      "Hook decisions applied to running attempts",
	}, []string{"hook", "action"})

	poolInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axiom",
		Subsystem: "pool",
		Name:      "in_flight",
		Help:      "Attempts currently holding a pool slot",
	})

	poolWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axiom",
		Subsystem: "pool",
		Name:      "waiting",
		Help:      "Attempts queued for a pool slot",
	})
)
