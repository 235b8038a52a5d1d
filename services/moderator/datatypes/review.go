// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// Review Action Types
// =============================================================================

// ReviewAction is one of the three reviewer decisions.
type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewBlock   ReviewAction = "block"
	ReviewCorrect ReviewAction = "correct"
)

// ReviewActionRequest is the body of POST /v1/review/:messageId.
//
// # Fields
//
//   - Action: Required. approve, block, or correct.
//   - ReviewerID: Required. The acting reviewer, recorded on the message.
//   - ReviewerResponse: The replacement reply. Required when Action is
//     correct; ignored otherwise.
//   - Notes: Optional free-form reviewer feedback. For corrections the notes
//     travel to the feedback sink alongside the replacement text.
type ReviewActionRequest struct {
	Action           ReviewAction `json:"action" validate:"required,oneof=approve block correct"`
	ReviewerID       string       `json:"reviewer_id" validate:"required"`
	ReviewerResponse string       `json:"reviewer_response,omitempty" validate:"omitempty,maxbytes"`
	Notes            string       `json:"notes,omitempty" validate:"omitempty,maxbytes"`
}

// Validate validates the ReviewActionRequest fields. Action-specific rules
// (correct requires a reviewer response) are enforced by the handler, which
// can produce a clearer error than a struct tag.
func (r *ReviewActionRequest) Validate() error {
	return chatValidate.Struct(r)
}

// RestrictConversationRequest is the body of POST /v1/review/restrict.
//
// Restriction is deliberately separate from blocking a single message:
// blocking withholds one reply, restriction stops a conversation from
// accepting new turns at all.
type RestrictConversationRequest struct {
	ConversationID string `json:"conversation_id" validate:"required,uuid4"`
	ReviewerID     string `json:"reviewer_id" validate:"required"`
	Reason         string `json:"reason,omitempty" validate:"omitempty,maxbytes"`
}

// Validate validates the RestrictConversationRequest fields.
func (r *RestrictConversationRequest) Validate() error {
	return chatValidate.Struct(r)
}
