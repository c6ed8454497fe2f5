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
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEvents streams a task's events as JSON text frames.
//
// Description:
//
//	Replays buffered events first, then follows live ones. An "after"
//	query parameter skips events with Seq <= after so clients can resume;
//	task_done is always sent.
//	The server closes the stream with a normal closure after the task's
//	task_done event. Client frames are read only to notice disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	id := c.Param("id")

	var after uint64
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be an event sequence number"})
			return
		}
		after = n
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before upgrading so unknown tasks get a plain 404.
	stream, err := s.tasks.Subscribe(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("task_id", id), slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	if s.metrics != nil {
		s.metrics.EventStreams.Add(ctx, 1)
		defer s.metrics.EventStreams.Add(context.WithoutCancel(ctx), -1)
	}
	logger := s.logger.With(slog.String("task_id", id))
	logger.Debug("event stream opened")

	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("event stream closed by client")
			return

		case <-ping.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}

		case ev, ok := <-stream:
			if !ok {
				return
			}
			if ev.Seq <= after && !ev.Terminal() {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				logger.Warn("event stream write failed", slog.String("error", err.Error()))
				return
			}
			if s.metrics != nil {
				s.metrics.EventsStreamed.Add(ctx, 1)
			}
			if ev.Terminal() && ev.TaskID == id {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished")
				_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.config.WriteTimeout))
				logger.Debug("event stream finished")
				return
			}
		}
	}
}
