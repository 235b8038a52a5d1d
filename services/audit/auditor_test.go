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

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGuard/services/detection"
)

// scriptedCompleter returns a fixed response or error and counts its calls.
type scriptedCompleter struct {
	mu      sync.Mutex
	calls   int
	content string
	err     error
}

func (s *scriptedCompleter) CreateChatCompletion(
	_ context.Context, _ openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.content}},
		},
	}, nil
}

func (s *scriptedCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// buildAuditor wires an auditor over the given per-credential completers.
func buildAuditor(t *testing.T, completers ...*scriptedCompleter) *Auditor {
	t.Helper()

	analyzer, err := detection.NewAnalyzer()
	require.NoError(t, err)

	creds := make([]Credential, len(completers))
	for i := range creds {
		creds[i] = Credential{APIKey: string(rune('a' + i))}
	}
	next := 0
	ring, err := NewKeyring(creds, func(Credential) ChatCompleter {
		c := completers[next]
		next++
		return c
	})
	require.NoError(t, err)

	return NewAuditor(analyzer, ring, Config{Model: "test-model", Timeout: time.Second}, nil)
}

const goodVerdictJSON = `{
	"hallucination_detected": true,
	"hallucination_severity": "medium",
	"hallucination_type": "fabricated_statistic",
	"medical_advice_detected": false,
	"mental_health_detected": false,
	"psychological_concern": false,
	"emotional_concern": false,
	"accuracy_score": 42,
	"risk_level": "high",
	"requires_human_review": true
}`

func TestAuditParsesVerdict(t *testing.T) {
	primary := &scriptedCompleter{content: goodVerdictJSON}
	auditor := buildAuditor(t, primary)

	verdict := auditor.Audit(context.Background(), "user text", "assistant reply")

	assert.True(t, verdict.HallucinationDetected)
	assert.Equal(t, "medium", verdict.HallucinationSeverity)
	assert.Equal(t, "fabricated_statistic", verdict.HallucinationType)
	assert.Equal(t, 42, verdict.AccuracyScore)
	assert.Equal(t, RiskHigh, verdict.RiskLevel)
	assert.True(t, verdict.RequiresHumanReview)
	assert.Empty(t, verdict.FailureReason)
	assert.Equal(t, 1, primary.callCount())
}

func TestAuditStripsMarkdownFences(t *testing.T) {
	primary := &scriptedCompleter{content: "```json\n" + goodVerdictJSON + "\n```"}
	auditor := buildAuditor(t, primary)

	verdict := auditor.Audit(context.Background(), "u", "r")
	assert.Equal(t, RiskHigh, verdict.RiskLevel)
	assert.Empty(t, verdict.FailureReason)
}

func TestAuditRotatesOnRateLimit(t *testing.T) {
	limited := &scriptedCompleter{err: &openai.APIError{HTTPStatusCode: 429}}
	healthy := &scriptedCompleter{content: goodVerdictJSON}
	auditor := buildAuditor(t, limited, healthy)

	verdict := auditor.Audit(context.Background(), "u", "r")

	assert.Equal(t, RiskHigh, verdict.RiskLevel)
	assert.Equal(t, 1, limited.callCount())
	assert.Equal(t, 1, healthy.callCount())
}

func TestAuditExhaustionFallsBackToDefault(t *testing.T) {
	a := &scriptedCompleter{err: &openai.APIError{HTTPStatusCode: 429}}
	b := &scriptedCompleter{err: errors.New("rate limit exceeded")}
	auditor := buildAuditor(t, a, b)

	verdict := auditor.Audit(context.Background(), "u", "r")

	assert.Equal(t, "credentials_exhausted", verdict.FailureReason)
	assert.Equal(t, RiskLow, verdict.RiskLevel)
	assert.Equal(t, 85, verdict.AccuracyScore)
	assert.False(t, verdict.RequiresHumanReview, "fallback must not hold replies for review")
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, 1, b.callCount())
}

func TestAuditNonRateLimitErrorDoesNotRotate(t *testing.T) {
	broken := &scriptedCompleter{err: errors.New("connection refused")}
	spare := &scriptedCompleter{content: goodVerdictJSON}
	auditor := buildAuditor(t, broken, spare)

	verdict := auditor.Audit(context.Background(), "u", "r")

	assert.Equal(t, "audit_error", verdict.FailureReason)
	assert.Equal(t, 1, broken.callCount())
	assert.Equal(t, 0, spare.callCount(), "hard failures must not burn spare credentials")
}

func TestAuditUnparseableResponseFallsBack(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"Prose", "I think this reply looks fine overall."},
		{"TruncatedJSON", `{"accuracy_score": 90,`},
		{"InvalidRiskLevel", `{"accuracy_score": 90, "risk_level": "catastrophic"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			auditor := buildAuditor(t, &scriptedCompleter{content: tc.content})
			verdict := auditor.Audit(context.Background(), "u", "r")
			assert.Equal(t, "unparseable_verdict", verdict.FailureReason)
			assert.Equal(t, RiskLow, verdict.RiskLevel)
			assert.False(t, verdict.RequiresHumanReview)
		})
	}
}

func TestAuditConcurrentRequestsStayBounded(t *testing.T) {
	// Every credential is rate limited, so each request must try each
	// credential exactly once and then fall back. A shared rotation cursor
	// would let concurrent requests rewind each other and retry burned
	// credentials without bound.
	a := &scriptedCompleter{err: &openai.APIError{HTTPStatusCode: 429}}
	b := &scriptedCompleter{err: &openai.APIError{HTTPStatusCode: 429}}
	auditor := buildAuditor(t, a, b)

	const requests = 4
	verdicts := make([]SemanticVerdict, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdicts[i] = auditor.Audit(context.Background(), "u", "r")
		}(i)
	}
	wg.Wait()

	for _, v := range verdicts {
		assert.Equal(t, "credentials_exhausted", v.FailureReason)
	}
	assert.Equal(t, requests, a.callCount(), "one call per request on the first credential")
	assert.Equal(t, requests, b.callCount(), "one call per request on the second credential")
}

func TestAuditResetsCursorPerRequest(t *testing.T) {
	limited := &scriptedCompleter{err: &openai.APIError{HTTPStatusCode: 429}}
	healthy := &scriptedCompleter{content: goodVerdictJSON}
	auditor := buildAuditor(t, limited, healthy)

	// First request rotates off the limited credential.
	_ = auditor.Audit(context.Background(), "u", "r")
	require.Equal(t, 1, limited.callCount())

	// Second request must start back at the first credential.
	_ = auditor.Audit(context.Background(), "u", "r")
	assert.Equal(t, 2, limited.callCount())
	assert.Equal(t, 2, healthy.callCount())
}

func TestShouldAuditDelegatesToPrescreen(t *testing.T) {
	auditor := buildAuditor(t, &scriptedCompleter{content: goodVerdictJSON})

	should, reasons := auditor.ShouldAudit(
		"What medication should I take for chest pain?", detection.EmotionNeutral)
	assert.True(t, should)
	assert.Contains(t, reasons, "medical")

	should, _ = auditor.ShouldAudit("What's a good pasta recipe?", detection.EmotionNeutral)
	assert.False(t, should)

	should, reasons = auditor.ShouldAudit("ok", detection.EmotionDistressed)
	assert.True(t, should)
	assert.Equal(t, []string{"emotional_context"}, reasons)
}

func TestParseVerdictClampsAccuracy(t *testing.T) {
	verdict, err := parseVerdict(`{"accuracy_score": 250, "risk_level": "low"}`)
	require.NoError(t, err)
	assert.Equal(t, 100, verdict.AccuracyScore)

	verdict, err = parseVerdict(`{"accuracy_score": -5, "risk_level": "low"}`)
	require.NoError(t, err)
	assert.Equal(t, 0, verdict.AccuracyScore)
}
