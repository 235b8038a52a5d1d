// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGuard/services/moderator/datatypes"
	"github.com/AleutianAI/AleutianGuard/services/moderator/observability"
	"github.com/AleutianAI/AleutianGuard/services/moderator/pipeline"
	"github.com/AleutianAI/AleutianGuard/services/moderator/review"
)

// keepAliveInterval is how often SSE comment pings are sent to hold the
// connection open through proxies and load balancers.
const keepAliveInterval = 15 * time.Second

// ChatStreamHandler serves the moderated chat stream endpoint.
type ChatStreamHandler struct {
	pipeline *pipeline.Pipeline
	store    *review.Store
	logger   *slog.Logger
}

// NewChatStreamHandler wires the streaming handler.
func NewChatStreamHandler(p *pipeline.Pipeline, store *review.Store, logger *slog.Logger) *ChatStreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatStreamHandler{pipeline: p, store: store, logger: logger}
}

// HandleChatStream handles POST /v1/chat/stream.
//
// # Description
//
// Runs one moderated chat turn and streams pipeline events as SSE. A
// conversation with a pending review is rejected with 423 before any work
// happens; a restricted conversation with 403. Once streaming has started,
// failures surface as error events on the stream, not as HTTP status codes.
//
// A client disconnect stops the SSE writes but the handler keeps draining the
// pipeline so the audit and review handoff complete.
func (h *ChatStreamHandler) HandleChatStream(c *gin.Context) {
	start := time.Now()

	// Step 1: Bind and validate the request.
	var req datatypes.ModeratedChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed: " + err.Error()})
		return
	}

	// Step 2: Refuse turns on restricted or locked conversations.
	restricted, err := h.store.IsRestricted(c.Request.Context(), req.ConversationID)
	if err != nil {
		h.logger.Error("restriction check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if restricted {
		c.JSON(http.StatusForbidden, gin.H{"error": "conversation is restricted"})
		return
	}

	locked, pendingID, err := h.store.IsLocked(c.Request.Context(), req.ConversationID)
	if err != nil {
		h.logger.Error("lock check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if locked {
		c.JSON(http.StatusLocked, gin.H{
			"error":      "conversation has a response pending review",
			"message_id": pendingID,
		})
		return
	}

	// Step 3: Switch to SSE.
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.ActiveStreams.Inc()
		defer m.ActiveStreams.Dec()
	}

	// Step 4: Run the pipeline and relay its events.
	events := h.pipeline.Process(c.Request.Context(), &req)

	stopKeepAlive := make(chan struct{})
	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = writer.WriteKeepAlive()
			case <-stopKeepAlive:
				return
			}
		}
	}()

	// Keep draining even after a write failure so moderation side effects
	// (audit, review persistence) always complete.
	writable := true
	success := false
	for ev := range events {
		h.record(ev)
		switch ev.Type {
		case datatypes.EventDone:
			success = true
		case datatypes.EventError:
			success = false
		}

		if !writable {
			continue
		}
		if werr := writer.WriteEvent(ev); werr != nil {
			writable = false
			if m := observability.DefaultMetrics; m != nil {
				m.ClientDisconnectsTotal.Inc()
			}
			h.logger.Info("client disconnected mid-stream, draining pipeline",
				slog.String("request_id", req.RequestID))
		}
	}
	close(stopKeepAlive)

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest("chat_stream", success)
		m.RecordStreamDuration(time.Since(start).Seconds(), success)
	}
}

// record feeds stream events into the moderation metrics.
func (h *ChatStreamHandler) record(ev datatypes.StreamEvent) {
	m := observability.DefaultMetrics
	if m == nil {
		return
	}
	switch ev.Type {
	case datatypes.EventDetection:
		if ev.Detection != nil {
			m.RecordVerdict(ev.Detection.IsBlocked, ev.Detection.IsWarning)
			for _, f := range ev.Detection.Findings {
				m.RecordFinding(string(f.Kind), string(f.Severity))
			}
		}
	case datatypes.EventRetry:
		m.RetriesTotal.Inc()
	case datatypes.EventSemanticVerdict:
		if ev.Verdict != nil {
			switch {
			case ev.Verdict.FailureReason != "":
				m.RecordAudit("fallback")
			case ev.Verdict.RequiresHumanReview:
				m.RecordAudit("flagged")
			default:
				m.RecordAudit("clean")
			}
		}
	case datatypes.EventDone:
		if ev.Done != nil && ev.Done.IsPendingReview {
			m.RecordPending()
		}
	}
}
