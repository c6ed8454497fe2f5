// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axiom",
		Subsystem: "executor",
		Name:      "processes_started_total",
		Help:      "Processes started on a pseudo-terminal",
	})

	launchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axiom",
		Subsystem: "executor",
		Name:      "launch_failures_total",
		Help:      "Processes that could not be spawned",
	})

	processExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axiom",
		Subsystem: "executor",
		Name:      "exits_total",
		Help:      "Process exits by reason",
	}, []string{"reason"})

	bytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axiom",
		Subsystem: "executor",
		Name:      "bytes_read_total",
		Help:      "Bytes read from pseudo-terminals",
	})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axiom",
		Subsystem: "executor",
		Name:      "events_dropped_total",
		Help:      "Data events dropped because the events reader fell behind",
	})

	processDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "axiom",
		Subsystem: "executor",
		Name:      "process_duration_seconds",
		Help:      "Wall-clock lifetime of a process",
		Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
)
