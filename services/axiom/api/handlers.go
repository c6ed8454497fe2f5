// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/Axiom/services/axiom"
	"github.com/AleutianAI/Axiom/services/axiom/registry"
	"github.com/AleutianAI/Axiom/services/axiom/telemetry"
)

// SpawnResponse is returned by POST /v1/axiom/tasks.
type SpawnResponse struct {
	TaskID    string `json:"task_id"`
	EventsURL string `json:"events_url"`
	ResultURL string `json:"result_url"`
	TraceID   string `json:"trace_id,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(axiom.Uptime().Seconds()),
	})
}

func (s *Server) handleSpawn(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodyBytes)

	var req axiom.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx, span := telemetry.StartSpan(c.Request.Context(), "axiom-api", "axiom.spawn",
		trace.WithAttributes(attribute.Bool("axiom.search", req.Search)))
	defer span.End()

	id, err := s.tasks.Spawn(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		s.writeError(c, err)
		return
	}
	span.SetAttributes(attribute.String("axiom.task_id", id))

	if s.metrics != nil {
		kind := "single"
		if req.Search {
			kind = "search"
		}
		s.metrics.TasksSpawned.Add(c.Request.Context(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}

	base := "/v1/axiom/tasks/" + id
	c.Header("Location", base)
	c.JSON(http.StatusAccepted, SpawnResponse{
		TaskID:    id,
		EventsURL: base + "/events",
		ResultURL: base + "/result",
		TraceID:   telemetry.TraceID(ctx),
	})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.tasks.Task(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleChildren(c *gin.Context) {
	kids, err := s.tasks.Children(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"children": kids})
}

func (s *Server) handleResult(c *gin.Context) {
	id := c.Param("id")
	res, err := s.tasks.Result(c.Request.Context(), id)
	if errors.Is(err, axiom.ErrNotFinished) {
		task, terr := s.tasks.Task(c.Request.Context(), id)
		if terr != nil {
			s.writeError(c, terr)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": id, "status": task.Status})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// writeError maps service errors to status codes. Internal errors are
// logged and not echoed.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, axiom.ErrInvalidRequest), errors.Is(err, registry.ErrInvalidTask):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, axiom.ErrShutdown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is shutting down"})
	default:
		telemetry.LoggerWithTrace(c.Request.Context(), s.logger).Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
