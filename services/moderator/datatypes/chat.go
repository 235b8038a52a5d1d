// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides request, response, and stream event types for
// the moderator service.
//
// This file contains the moderated chat request types. For the SSE stream
// event union, see events.go; for review actions, see review.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single chat message.
	// Checked in bytes, not runes, to bound memory per request.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxAttachmentSummaries is the maximum number of attachment summaries a
	// single request may carry.
	MaxAttachmentSummaries = 16

	// MaxAttachmentSummaryBytes is the maximum size of one attachment summary.
	MaxAttachmentSummaryBytes = 4 * 1024 // 4KB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("maxsummarybytes", validateMaxSummaryBytes)
}

// validateMaxBytes enforces the per-message byte limit on string fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// validateMaxSummaryBytes enforces the per-summary byte limit.
func validateMaxSummaryBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxAttachmentSummaryBytes
}

// =============================================================================
// Moderated Chat Request Types
// =============================================================================

// ModeratedChatRequest is the body of POST /v1/chat/stream.
//
// # Description
//
// One user turn in a moderated conversation. The text runs through the
// deterministic safety layer before any generation happens; attachment
// summaries are scanned with the same rules as the message text.
//
// # Fields
//
//   - RequestID: Optional client-supplied UUID v4 for correlation. Generated
//     server-side when absent.
//   - ConversationID: Required. Groups turns for the review lock; a
//     conversation with a pending review rejects new turns.
//   - Text: Required. The user message, max 32KB.
//   - AttachmentSummaries: Optional pre-extracted text summaries of any
//     uploaded attachments, max 16 entries of 4KB each.
//   - Timestamp: Unix milliseconds (UTC). Generated server-side when absent.
//
// # Validation
//
// Uses go-playground/validator:
//   - ConversationID: required, must be valid UUID v4
//   - Text: required, max 32768 bytes
//   - AttachmentSummaries: max 16 elements, each max 4096 bytes
type ModeratedChatRequest struct {
	RequestID           string   `json:"request_id" validate:"omitempty,uuid4"`
	ConversationID      string   `json:"conversation_id" validate:"required,uuid4"`
	Text                string   `json:"text" validate:"required,maxbytes"`
	AttachmentSummaries []string `json:"attachment_summaries,omitempty" validate:"omitempty,max=16,dive,maxsummarybytes"`
	Timestamp           int64    `json:"timestamp" validate:"omitempty,gt=0"`
}

// Validate validates the ModeratedChatRequest fields.
func (r *ModeratedChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates RequestID and Timestamp when the client omitted
// them, so every request is traceable.
func (r *ModeratedChatRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = generateUUID()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// FullText returns the message text with attachment summaries appended, which
// is the exact surface the safety layer scans.
func (r *ModeratedChatRequest) FullText() string {
	if len(r.AttachmentSummaries) == 0 {
		return r.Text
	}
	out := r.Text
	for _, s := range r.AttachmentSummaries {
		out += "\n" + s
	}
	return out
}

// generateUUID returns a new UUID v4 string.
func generateUUID() string {
	return uuid.NewString()
}
