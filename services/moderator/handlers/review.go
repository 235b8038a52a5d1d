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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGuard/services/moderator/datatypes"
	"github.com/AleutianAI/AleutianGuard/services/moderator/observability"
	"github.com/AleutianAI/AleutianGuard/services/moderator/review"
)

// ReviewHandler serves the human review queue endpoints.
type ReviewHandler struct {
	store  *review.Store
	logger *slog.Logger
}

// NewReviewHandler wires the review handler.
func NewReviewHandler(store *review.Store, logger *slog.Logger) *ReviewHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewHandler{store: store, logger: logger}
}

// HandleListPending handles GET /v1/review/pending.
//
// Returns queued messages oldest first so reviewers work in arrival order.
func (h *ReviewHandler) HandleListPending(c *gin.Context) {
	msgs, err := h.store.ListPending(c.Request.Context())
	if err != nil {
		h.logger.Error("list pending failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending": msgs,
		"count":   len(msgs),
	})
}

// HandleReviewAction handles POST /v1/review/:messageId.
//
// # Description
//
// Applies exactly one disposition to a pending message. A message that has
// already been resolved, or is being resolved concurrently, returns 409 with
// no change. A correct action without a replacement response returns 400.
func (h *ReviewHandler) HandleReviewAction(c *gin.Context) {
	messageID := c.Param("messageId")
	if messageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messageId is required"})
		return
	}

	// Step 1: Bind and validate the action.
	var req datatypes.ReviewActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed: " + err.Error()})
		return
	}

	// Step 2: Map the action to a target disposition.
	var target review.Disposition
	switch req.Action {
	case datatypes.ReviewApprove:
		target = review.DispositionApproved
	case datatypes.ReviewBlock:
		target = review.DispositionBlocked
	case datatypes.ReviewCorrect:
		target = review.DispositionCorrected
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		return
	}

	// Step 3: Apply the transition.
	msg, err := h.store.Transition(c.Request.Context(), messageID, target,
		req.ReviewerID, req.ReviewerResponse, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, review.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		case errors.Is(err, review.ErrReviewConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "message has already been reviewed"})
		case errors.Is(err, review.ErrMissingResponse):
			c.JSON(http.StatusBadRequest, gin.H{"error": "correct action requires a reviewer_response"})
		default:
			h.logger.Error("review transition failed",
				slog.String("message_id", messageID),
				slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordTransition(string(target))
	}
	h.logger.Info("review resolved",
		slog.String("message_id", messageID),
		slog.String("disposition", string(target)),
		slog.String("reviewer_id", req.ReviewerID))

	c.JSON(http.StatusOK, gin.H{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"disposition":     string(msg.Disposition),
		"visible_content": msg.VisibleContent,
		"resolved_at":     msg.ResolvedAt,
	})
}

// HandleRestrictConversation handles POST /v1/review/restrict.
//
// Restriction is a reviewer-initiated account-level measure; blocking a single
// message never restricts the conversation by itself.
func (h *ReviewHandler) HandleRestrictConversation(c *gin.Context) {
	var req datatypes.RestrictConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed: " + err.Error()})
		return
	}

	if err := h.store.RestrictConversation(c.Request.Context(), req.ConversationID,
		req.ReviewerID, req.Reason); err != nil {
		h.logger.Error("restrict conversation failed",
			slog.String("conversation_id", req.ConversationID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.logger.Info("conversation restricted",
		slog.String("conversation_id", req.ConversationID),
		slog.String("reviewer_id", req.ReviewerID))

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": req.ConversationID,
		"restricted":      true,
	})
}
