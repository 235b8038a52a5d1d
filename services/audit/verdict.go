// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

// =============================================================================
// Semantic Verdict
// =============================================================================

// RiskLevel is the auditor's overall risk assessment of a generated reply.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether r is one of the four known risk levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// SemanticVerdict is the parsed judgment from the external audit model.
//
// # Description
//
// The JSON tags mirror the response schema the audit prompt requests, so the
// struct unmarshals directly from the model output. A zero verdict is NOT a
// valid verdict; use DefaultVerdict for the conservative fallback.
//
// # Fields
//
//   - Hallucination*: factual fabrication in the reply
//   - MedicalAdvice*: unsafe or overreaching medical guidance
//   - MentalHealth*: mishandled psychological context
//   - PsychologicalConcern / EmotionalConcern: softer contextual flags that do
//     not carry a severity of their own
//   - AccuracyScore: 0-100 factual confidence in the reply
//   - RequiresHumanReview: whether the reply must be withheld for a reviewer
//   - FailureReason: set only on locally synthesized fallback verdicts
type SemanticVerdict struct {
	HallucinationDetected bool   `json:"hallucination_detected"`
	HallucinationSeverity string `json:"hallucination_severity,omitempty"`
	HallucinationType     string `json:"hallucination_type,omitempty"`

	MedicalAdviceDetected bool   `json:"medical_advice_detected"`
	MedicalAdviceSeverity string `json:"medical_advice_severity,omitempty"`

	MentalHealthDetected bool   `json:"mental_health_detected"`
	MentalHealthSeverity string `json:"mental_health_severity,omitempty"`
	MentalHealthType     string `json:"mental_health_type,omitempty"`

	PsychologicalConcern bool `json:"psychological_concern"`
	EmotionalConcern     bool `json:"emotional_concern"`

	AccuracyScore       int       `json:"accuracy_score"`
	RiskLevel           RiskLevel `json:"risk_level"`
	RequiresHumanReview bool      `json:"requires_human_review"`

	FailureReason string `json:"failure_reason,omitempty"`
}

// DefaultVerdict returns the conservative local fallback used when the
// external audit cannot produce a usable answer.
//
// The fallback deliberately does NOT require human review: an unavailable
// auditor must degrade to normal delivery, not hold every reply hostage to an
// external outage. The failure reason is preserved for observability.
func DefaultVerdict(reason string) SemanticVerdict {
	return SemanticVerdict{
		AccuracyScore:       85,
		RiskLevel:           RiskLow,
		RequiresHumanReview: false,
		FailureReason:       reason,
	}
}
