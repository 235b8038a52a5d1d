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

import (
	"github.com/AleutianAI/AleutianGuard/services/audit"
	"github.com/AleutianAI/AleutianGuard/services/detection"
)

// =============================================================================
// Pipeline Stages
// =============================================================================

// Stage identifies a progress phase of the moderated chat pipeline. Stages
// are emitted as thinking events so the client can pace its UI.
type Stage string

const (
	StageAnalyzingSafety   Stage = "analyzing-safety"
	StageCheckingInjection Stage = "checking-injection"
	StageDetectingEmotion  Stage = "detecting-emotion"
	StageSemanticAnalysis  Stage = "semantic-analysis"
	StageGenerating        Stage = "generating-response"
	StageComplete          Stage = "complete"
)

// Message returns the user-facing progress text for the stage, carried on
// thinking events so clients can render a status line without their own
// stage-to-text table.
func (s Stage) Message() string {
	switch s {
	case StageAnalyzingSafety:
		return "Analyzing message safety"
	case StageCheckingInjection:
		return "Checking for prompt injection"
	case StageDetectingEmotion:
		return "Detecting emotional context"
	case StageSemanticAnalysis:
		return "Scheduling semantic quality review"
	case StageGenerating:
		return "Generating response"
	case StageComplete:
		return "Complete"
	}
	return ""
}

// =============================================================================
// Stream Event Union
// =============================================================================

// EventType discriminates the StreamEvent union.
type EventType string

const (
	EventThinking        EventType = "thinking"
	EventDetection       EventType = "detection"
	EventChunk           EventType = "chunk"
	EventSemanticVerdict EventType = "semantic_verdict"
	EventRetry           EventType = "retry"
	EventDone            EventType = "done"
	EventError           EventType = "error"
)

// StreamEvent is one event on the moderated chat stream.
//
// Exactly one payload field is set, matching Type. The pipeline is the sole
// producer; consumers must treat done and error as terminal.
//
// The envelope fields (Id, CreatedAt, Hash, PrevHash) are populated by the
// SSE writer at emission time: every event is hash-chained to its predecessor
// so a transcript can be verified after the fact.
type StreamEvent struct {
	Type EventType `json:"type"`

	// Envelope metadata, set by the SSE writer.
	Id        string `json:"id,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	Hash      string `json:"hash,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`

	// Stage and Message are set for thinking events.
	Stage   Stage  `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`

	// Detection is set for detection events (blocked or warning results).
	Detection *detection.Result `json:"detection,omitempty"`

	// Content is set for chunk events: one token or token batch.
	Content string `json:"content,omitempty"`

	// Verdict is set for semantic_verdict events.
	Verdict *audit.SemanticVerdict `json:"verdict,omitempty"`

	// Retry is set for retry events.
	Retry *RetryInfo `json:"retry,omitempty"`

	// Done is set for done events.
	Done *DoneInfo `json:"done,omitempty"`

	// Error is set for error events. Sanitized; never a raw provider error.
	Error string `json:"error,omitempty"`
}

// RetryInfo describes one generation retry.
type RetryInfo struct {
	// Attempt is the attempt that just failed, 1-based.
	Attempt int `json:"attempt"`

	// MaxAttempts is the total attempt budget, so clients can render
	// "retrying 2/3" without knowing the pipeline configuration.
	MaxAttempts int `json:"max_attempts"`

	// WaitMs is how long the pipeline waits before the next attempt.
	WaitMs int64 `json:"wait_ms"`
}

// DoneInfo closes a moderated chat stream.
//
// When IsPendingReview is true the streamed chunks must be discarded by the
// client: the reply is withheld and PendingMessage carries the placeholder to
// display until a reviewer acts.
type DoneInfo struct {
	IsPendingReview bool   `json:"is_pending_review"`
	AccuracyScore   int    `json:"accuracy_score,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
	PendingMessage  string `json:"pending_message,omitempty"`
}
