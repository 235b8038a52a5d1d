// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package detection implements the deterministic pre-generation safety layer.
//
// The package evaluates a declarative catalog of typed detection rules
// (PII, prompt injection, safety, policy violations) against user text and
// aggregates the matches into a single verdict. It is synchronous, local,
// and stateless: the same input always produces the same result.
package detection

import "fmt"

// =============================================================================
// Finding Taxonomy
// =============================================================================

// FindingKind identifies the rule category that produced a finding.
type FindingKind string

const (
	KindPII             FindingKind = "pii"
	KindPromptInjection FindingKind = "prompt_injection"
	KindSafety          FindingKind = "safety"
	KindPolicyViolation FindingKind = "policy_violation"
)

// Severity ranks how serious a single finding is.
//
// Severity drives both the additive penalty model and the verdict rules:
// any critical finding blocks outright, and high severity combined with a
// prompt-injection finding also blocks.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Penalty returns the score deduction for this severity.
//
// The values implement a simple additive penalty model, not a calibrated
// probability: 40 per critical, 25 per high, 15 per medium, 5 per low.
func (s Severity) Penalty() int {
	switch s {
	case SeverityCritical:
		return 40
	case SeverityHigh:
		return 25
	case SeverityMedium:
		return 15
	case SeverityLow:
		return 5
	default:
		return 0
	}
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Layer identifies which pipeline layer produced a finding or result.
type Layer string

const (
	// LayerDeterministic is the synchronous pattern-based pre-generation check.
	LayerDeterministic Layer = "deterministic"

	// LayerSemantic is the externally delegated post-generation audit.
	LayerSemantic Layer = "semantic"
)

// =============================================================================
// Findings
// =============================================================================

// Finding is one rule match produced by the rule engine.
//
// # Description
//
// A Finding is immutable once produced. MatchedExcerpt is always masked and
// truncated before being attached: the raw input is never stored verbatim in
// a finding, to limit PII re-exposure through logs and review surfaces.
//
// # Fields
//
//   - Kind: Rule category (pii, prompt_injection, safety, policy_violation)
//   - SubKind: Rule-specific identifier (e.g. "ssn", "ignore_instructions")
//   - Severity: critical, high, medium, or low
//   - HumanMessage: User-facing explanation synthesized for this rule
//   - MatchedExcerpt: Masked, truncated fragment of the matched text
//   - Confidence: Rule confidence, 0-100
//   - Layer: Which layer produced the finding
type Finding struct {
	Kind           FindingKind `json:"kind"`
	SubKind        string      `json:"sub_kind"`
	Severity       Severity    `json:"severity"`
	HumanMessage   string      `json:"human_message"`
	MatchedExcerpt string      `json:"matched_excerpt"`
	Confidence     int         `json:"confidence"`
	Layer          Layer       `json:"layer"`
}

// String implements fmt.Stringer for log lines.
func (f Finding) String() string {
	return fmt.Sprintf("%s/%s (%s)", f.Kind, f.SubKind, f.Severity)
}

// =============================================================================
// Results
// =============================================================================

// Result is the aggregated output of the deterministic detector.
//
// # Invariants
//
// Exactly one of IsBlocked, IsWarning, IsSafe is true for a layer-1 result.
// IsPendingReview is always false for layer-1 and may be set true only when
// the semantic layer's verdict is merged in. SafetyScore is in [0,100] and
// never increases as findings are added.
type Result struct {
	Layer            Layer            `json:"layer"`
	IsBlocked        bool             `json:"is_blocked"`
	IsWarning        bool             `json:"is_warning"`
	IsPendingReview  bool             `json:"is_pending_review"`
	IsSafe           bool             `json:"is_safe"`
	SafetyScore      int              `json:"safety_score"`
	AccuracyScore    int              `json:"accuracy_score,omitempty"`
	Findings         []Finding        `json:"findings"`
	Emotion          Emotion          `json:"emotion"`
	EmotionIntensity EmotionIntensity `json:"emotion_intensity"`
	ShouldLog        bool             `json:"should_log"`

	// UserMessage is the synthesized, policy-derived explanation shown to the
	// user when the result is blocked or a warning. Empty for safe results.
	UserMessage string `json:"user_message,omitempty"`
}

// =============================================================================
// Emotion
// =============================================================================

// Emotion is the coarse emotional category detected in user text.
type Emotion string

const (
	EmotionNeutral    Emotion = "neutral"
	EmotionAnxious    Emotion = "anxious"
	EmotionAngry      Emotion = "angry"
	EmotionSad        Emotion = "sad"
	EmotionHappy      Emotion = "happy"
	EmotionCurious    Emotion = "curious"
	EmotionHostile    Emotion = "hostile"
	EmotionDistressed Emotion = "distressed"
)

// EmotionIntensity is a fixed mapping from emotion label to intensity.
// It is not re-derived from match counts.
type EmotionIntensity string

const (
	IntensityLow    EmotionIntensity = "low"
	IntensityMedium EmotionIntensity = "medium"
	IntensityHigh   EmotionIntensity = "high"
)

// Intensity returns the fixed intensity associated with an emotion label.
func (e Emotion) Intensity() EmotionIntensity {
	switch e {
	case EmotionDistressed, EmotionHostile, EmotionAngry:
		return IntensityHigh
	case EmotionAnxious, EmotionSad:
		return IntensityMedium
	default:
		return IntensityLow
	}
}
