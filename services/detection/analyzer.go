// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detection

// =============================================================================
// Layer-1 Analyzer
// =============================================================================

// Analyzer aggregates rule-engine findings into a layer-1 verdict.
//
// # Thread Safety
//
// Analyzer is stateless after construction and safe for concurrent use.
type Analyzer struct {
	engine *Engine
}

// NewAnalyzer creates an Analyzer backed by the embedded rule catalog.
func NewAnalyzer() (*Analyzer, error) {
	engine, err := NewEngine()
	if err != nil {
		return nil, err
	}
	return &Analyzer{engine: engine}, nil
}

// Engine exposes the underlying rule engine so the semantic layer can reuse
// the compiled pre-screen indicator sets.
func (a *Analyzer) Engine() *Engine {
	return a.engine
}

// Analyze runs the full deterministic pass over a user message.
//
// # Description
//
// Categories run in fixed order: PII, prompt injection, safety, policy
// violations. Emotion classification runs independently over the lexicon and
// is overridden by the emotion attached to a matched safety rule, if any.
//
// Scoring starts at 100 and subtracts a fixed penalty per finding severity,
// flooring at 0. The score is a monotonically decreasing UI signal, not a
// calibrated risk estimate.
//
// Verdict precedence:
//
//	IsBlocked = any critical finding, OR
//	            (any prompt-injection finding AND any high-severity finding)
//	IsWarning = not blocked AND (any high finding OR any policy-violation
//	            finding OR any medium-severity PII finding)
//	IsSafe    = neither
//
// Exactly one of the three is true. IsPendingReview is always false here;
// only the semantic layer may set it.
func (a *Analyzer) Analyze(text string) Result {
	findings := a.engine.Evaluate(text)

	score := 100
	var (
		anyCritical  bool
		anyHigh      bool
		anyInjection bool
		anyPolicy    bool
		anyMedPII    bool
	)
	for _, f := range findings {
		score -= f.Severity.Penalty()
		switch f.Severity {
		case SeverityCritical:
			anyCritical = true
		case SeverityHigh:
			anyHigh = true
		}
		switch f.Kind {
		case KindPromptInjection:
			anyInjection = true
			// An injection finding at high severity satisfies both halves
			// of the compound block condition on its own.
			if f.Severity == SeverityHigh {
				anyHigh = true
			}
		case KindPolicyViolation:
			anyPolicy = true
		case KindPII:
			if f.Severity == SeverityMedium {
				anyMedPII = true
			}
		}
	}
	if score < 0 {
		score = 0
	}

	blocked := anyCritical || (anyInjection && anyHigh)
	warning := !blocked && (anyHigh || anyPolicy || anyMedPII)

	emotion, intensity := a.engine.ClassifyEmotion(text)
	if override, ok := a.engine.ruleEmotion(findings); ok {
		emotion = override
		intensity = override.Intensity()
	}

	result := Result{
		Layer:            LayerDeterministic,
		IsBlocked:        blocked,
		IsWarning:        warning,
		IsSafe:           !blocked && !warning,
		SafetyScore:      score,
		Findings:         findings,
		Emotion:          emotion,
		EmotionIntensity: intensity,
		ShouldLog:        blocked || warning,
	}
	if result.ShouldLog && len(findings) > 0 {
		result.UserMessage = findings[0].HumanMessage
	}
	return result
}

// ShouldAuditReasons runs the semantic pre-screen over a user message.
//
// The pre-screen is cheap and local: a reduced indicator set (medical,
// psychological, hallucination risk) plus the layer-1 emotion result. The
// returned reasons are informational only; they never gate behavior beyond
// the boolean itself.
func (a *Analyzer) ShouldAuditReasons(text string, emotion Emotion) (bool, []string) {
	reasons := a.engine.PrescreenMatches(text)
	switch emotion {
	case EmotionDistressed, EmotionAnxious, EmotionSad:
		reasons = append(reasons, "emotional_context")
	}
	return len(reasons) > 0, reasons
}
