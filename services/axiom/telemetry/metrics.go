// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OTel instruments of the HTTP surface.
//
// Attempt, hook and search metrics are promauto collectors in their own
// packages; these cover requests and event streams.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPActiveRequests  metric.Int64UpDownCounter

	// TasksSpawned counts accepted spawn requests by kind (single, search).
	TasksSpawned metric.Int64Counter

	// EventStreams tracks open websocket event streams.
	EventStreams metric.Int64UpDownCounter

	// EventsStreamed counts events written to websocket clients.
	EventsStreamed metric.Int64Counter
}

// NewMetrics registers the instruments with meter.
//
// Outputs:
//   - error: The first registration failure.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"axiom_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"axiom_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"axiom_http_active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	m.TasksSpawned, err = meter.Int64Counter(
		"axiom_tasks_spawned_total",
		metric.WithDescription("Tasks accepted through the API"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tasks_spawned_total: %w", err)
	}

	m.EventStreams, err = meter.Int64UpDownCounter(
		"axiom_event_streams",
		metric.WithDescription("Open websocket event streams"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create event_streams: %w", err)
	}

	m.EventsStreamed, err = meter.Int64Counter(
		"axiom_events_streamed_total",
		metric.WithDescription("Events written to websocket clients"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events_streamed_total: %w", err)
	}

	return m, nil
}
