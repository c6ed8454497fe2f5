// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hookDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axiom",
		Subsystem: "hooks",
		Name:      "decisions_total",
		Help:      "Hook decisions applied, by hook and action",
	}, []string{"hook", "action"})

	hookFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axiom",
		Subsystem: "hooks",
		Name:      "failures_total",
		Help:      "Hooks treated as Continue after an error, panic or timeout",
	}, []string{"hook", "reason"})

	hookSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axiom",
		Subsystem: "hooks",
		Name:      "suppressed_total",
		Help:      "Decisions downgraded to Continue by the cooldown",
	}, []string{"hook"})
)
