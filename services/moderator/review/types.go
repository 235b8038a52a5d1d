// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package review implements the human review state machine and its store.
//
// A message flagged by the semantic auditor is persisted as pending together
// with a conversation-level lock, atomically. A reviewer resolves it with
// exactly one transition (approve, block, or correct); any second attempt is
// a conflict and mutates nothing. Resolving clears the conversation lock.
package review

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianGuard/services/audit"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned when a message or lock does not exist.
	ErrNotFound = errors.New("review message not found")

	// ErrReviewConflict is returned when a message has already been resolved.
	// The losing transition mutates nothing.
	ErrReviewConflict = errors.New("message already reviewed")

	// ErrConversationLocked is returned when a conversation has a pending
	// review and cannot accept new turns.
	ErrConversationLocked = errors.New("conversation has a pending review")

	// ErrConversationRestricted is returned when a reviewer has restricted the
	// conversation outright.
	ErrConversationRestricted = errors.New("conversation is restricted")

	// ErrMissingResponse is returned when a correct transition carries no
	// replacement text.
	ErrMissingResponse = errors.New("correction requires a reviewer response")
)

// =============================================================================
// Review State
// =============================================================================

// Disposition is the review state of a withheld message.
//
// pending is the only state a transition may start from; the other three are
// terminal.
type Disposition string

const (
	DispositionPending   Disposition = "pending"
	DispositionApproved  Disposition = "approved"
	DispositionBlocked   Disposition = "blocked"
	DispositionCorrected Disposition = "corrected"
)

// ReviewableMessage is one withheld assistant reply awaiting (or past) review.
//
// # Fields
//
//   - RawContent: The generated reply as produced. Held server-side only
//     while pending; surfaces as VisibleContent only on approval.
//   - VisibleContent: What the end user may see. Empty while pending and for
//     blocked messages; the raw reply for approved; the reviewer's
//     replacement for corrected.
//   - Verdict: The semantic verdict that caused the withholding.
//
// Blocking a message says nothing about the account; restricting a
// conversation is a separate reviewer action.
type ReviewableMessage struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	UserText       string                `json:"user_text"`
	RawContent     string                `json:"raw_content"`
	VisibleContent string                `json:"visible_content"`
	Verdict        audit.SemanticVerdict `json:"verdict"`
	Disposition    Disposition           `json:"disposition"`
	ReviewerID     string                `json:"reviewer_id,omitempty"`
	ReviewerNotes  string                `json:"reviewer_notes,omitempty"`
	CreatedAt      int64                 `json:"created_at"`
	ResolvedAt     int64                 `json:"resolved_at,omitempty"`
}

// =============================================================================
// Outbound Interfaces
// =============================================================================

// NotificationEvent is pushed to connected reviewer dashboards when a message
// enters or leaves the pending state.
type NotificationEvent struct {
	Type           string      `json:"type"`
	MessageID      string      `json:"message_id"`
	ConversationID string      `json:"conversation_id"`
	Disposition    Disposition `json:"disposition"`
	Timestamp      int64       `json:"timestamp"`
}

// Notifier receives review lifecycle events. Implementations must not block;
// the store calls them inline after commit.
type Notifier interface {
	NotifyReview(event NotificationEvent)
}

// CorrectionFeedback is the payload handed to the feedback sink when a
// reviewer corrects a reply.
type CorrectionFeedback struct {
	MessageID        string `json:"message_id"`
	ConversationID   string `json:"conversation_id"`
	UserText         string `json:"user_text"`
	OriginalResponse string `json:"original_response"`
	ReviewerResponse string `json:"reviewer_response"`
	Notes            string `json:"notes,omitempty"`
	ReviewerID       string `json:"reviewer_id"`
}

// FeedbackSink receives reviewer corrections for downstream model
// improvement. Delivery is best effort; a sink failure never rolls back the
// transition.
type FeedbackSink interface {
	SubmitCorrection(ctx context.Context, fb CorrectionFeedback) error
}
