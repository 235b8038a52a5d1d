// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGuard/services/audit"
	"github.com/AleutianAI/AleutianGuard/services/detection"
	"github.com/AleutianAI/AleutianGuard/services/llm"
	"github.com/AleutianAI/AleutianGuard/services/moderator/datatypes"
	"github.com/AleutianAI/AleutianGuard/services/moderator/review"
)

// =============================================================================
// Mocks
// =============================================================================

// mockAttempt scripts one generation attempt.
type mockAttempt struct {
	tokens []string
	err    error
}

// mockLLM plays scripted attempts in order.
type mockLLM struct {
	mu     sync.Mutex
	calls  int
	script []mockAttempt
}

func (m *mockLLM) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return "", errors.New("not used")
}

func (m *mockLLM) ChatStream(_ context.Context, _ string, _ llm.GenerationParams, onToken llm.StreamCallback) (string, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	if idx >= len(m.script) {
		return "", errors.New("unscripted attempt")
	}
	at := m.script[idx]
	var sb strings.Builder
	for _, tok := range at.tokens {
		if err := onToken(tok); err != nil {
			return "", err
		}
		sb.WriteString(tok)
	}
	if at.err != nil {
		return "", at.err
	}
	return sb.String(), nil
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// auditCompleter returns a fixed audit model response.
type auditCompleter struct {
	content string
}

func (a *auditCompleter) CreateChatCompletion(
	_ context.Context, _ openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: a.content}},
		},
	}, nil
}

// =============================================================================
// Helpers
// =============================================================================

const verdictNeedsReview = `{
	"medical_advice_detected": true,
	"medical_advice_severity": "high",
	"accuracy_score": 35,
	"risk_level": "high",
	"requires_human_review": true
}`

const verdictClean = `{
	"accuracy_score": 92,
	"risk_level": "low",
	"requires_human_review": false
}`

func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		BackoffUnit:    time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func buildPipeline(t *testing.T, client *mockLLM, auditResponse string, store *review.Store) *Pipeline {
	t.Helper()
	t.Setenv("GUARD_INSECURE_MEMORY", "true")

	analyzer, err := detection.NewAnalyzer()
	require.NoError(t, err)

	var auditor *audit.Auditor
	if auditResponse != "" {
		ring, kerr := audit.NewKeyring(
			[]audit.Credential{{APIKey: "test"}},
			func(audit.Credential) audit.ChatCompleter {
				return &auditCompleter{content: auditResponse}
			})
		require.NoError(t, kerr)
		auditor = audit.NewAuditor(analyzer, ring, audit.Config{Model: "test", Timeout: time.Second}, nil)
	}

	return New(analyzer, auditor, client, store, testConfig(), nil)
}

func chatRequest(text string) *datatypes.ModeratedChatRequest {
	req := &datatypes.ModeratedChatRequest{
		ConversationID: "3f2504e0-4f89-41d3-9a0c-0305e82c3301",
		Text:           text,
	}
	req.EnsureDefaults()
	return req
}

func collect(t *testing.T, events <-chan datatypes.StreamEvent) []datatypes.StreamEvent {
	t.Helper()
	var out []datatypes.StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-events:
			if !open {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("pipeline did not finish in time")
		}
	}
}

func byType(events []datatypes.StreamEvent, typ datatypes.EventType) []datatypes.StreamEvent {
	var out []datatypes.StreamEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func chunkText(events []datatypes.StreamEvent) string {
	var sb strings.Builder
	for _, ev := range byType(events, datatypes.EventChunk) {
		sb.WriteString(ev.Content)
	}
	return sb.String()
}

// =============================================================================
// Tests
// =============================================================================

func TestProcessSafeMessageStreams(t *testing.T) {
	client := &mockLLM{script: []mockAttempt{
		{tokens: []string{"Sourdough ", "needs ", "patience."}},
	}}
	p := buildPipeline(t, client, verdictClean, nil)

	events := collect(t, p.Process(context.Background(), chatRequest("Tell me about sourdough bread.")))

	assert.Empty(t, byType(events, datatypes.EventDetection), "safe input produces no detection event")
	assert.Empty(t, byType(events, datatypes.EventRetry))
	assert.Empty(t, byType(events, datatypes.EventError))
	assert.Equal(t, "Sourdough needs patience.", chunkText(events))

	dones := byType(events, datatypes.EventDone)
	require.Len(t, dones, 1)
	assert.False(t, dones[0].Done.IsPendingReview)

	// The terminal event is last on the stream.
	assert.Equal(t, datatypes.EventDone, events[len(events)-1].Type)

	// No semantic stage was announced for a plain question.
	for _, ev := range byType(events, datatypes.EventThinking) {
		assert.NotEqual(t, datatypes.StageSemanticAnalysis, ev.Stage)
	}
}

func TestProcessBlockedMessageSkipsGeneration(t *testing.T) {
	client := &mockLLM{}
	p := buildPipeline(t, client, "", nil)

	events := collect(t, p.Process(context.Background(), chatRequest("My SSN is 123-45-6789")))

	detections := byType(events, datatypes.EventDetection)
	require.Len(t, detections, 1)
	assert.True(t, detections[0].Detection.IsBlocked)
	assert.NotEmpty(t, detections[0].Detection.UserMessage)

	assert.Empty(t, byType(events, datatypes.EventChunk), "blocked input must stream no chunks")
	assert.Equal(t, 0, client.callCount(), "blocked input must not reach the model")

	dones := byType(events, datatypes.EventDone)
	require.Len(t, dones, 1)
	assert.False(t, dones[0].Done.IsPendingReview)
}

func TestProcessWarningStillGenerates(t *testing.T) {
	client := &mockLLM{script: []mockAttempt{
		{tokens: []string{"Please keep it civil."}},
	}}
	p := buildPipeline(t, client, verdictClean, nil)

	events := collect(t, p.Process(context.Background(), chatRequest("You are a worthless stupid bot")))

	detections := byType(events, datatypes.EventDetection)
	require.Len(t, detections, 1)
	assert.False(t, detections[0].Detection.IsBlocked)
	assert.True(t, detections[0].Detection.IsWarning)

	assert.Equal(t, 1, client.callCount(), "warnings do not suppress generation")
	require.Len(t, byType(events, datatypes.EventDone), 1)
}

func TestProcessAuditFlagsReviewAndWithholds(t *testing.T) {
	db, err := review.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := review.NewStore(db, nil, nil, nil)

	client := &mockLLM{script: []mockAttempt{
		{tokens: []string{"Take 500mg of whatever is strongest."}},
	}}
	p := buildPipeline(t, client, verdictNeedsReview, store)

	req := chatRequest("What medication should I take for chest pain?")
	events := collect(t, p.Process(context.Background(), req))

	// The semantic stage is announced before generation.
	sawSemantic := false
	for _, ev := range byType(events, datatypes.EventThinking) {
		if ev.Stage == datatypes.StageSemanticAnalysis {
			sawSemantic = true
		}
	}
	assert.True(t, sawSemantic)

	verdicts := byType(events, datatypes.EventSemanticVerdict)
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Verdict.RequiresHumanReview)

	dones := byType(events, datatypes.EventDone)
	require.Len(t, dones, 1)
	done := dones[0].Done
	assert.True(t, done.IsPendingReview)
	assert.NotEmpty(t, done.MessageID)
	assert.Equal(t, PendingReviewMessage, done.PendingMessage)
	assert.Equal(t, 35, done.AccuracyScore)

	// The reply is persisted pending and the conversation is locked.
	msg, err := store.Get(context.Background(), done.MessageID)
	require.NoError(t, err)
	assert.Equal(t, review.DispositionPending, msg.Disposition)
	assert.Equal(t, "Take 500mg of whatever is strongest.", msg.RawContent)
	assert.Empty(t, msg.VisibleContent)

	locked, _, err := store.IsLocked(context.Background(), req.ConversationID)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestProcessCleanAuditDelivers(t *testing.T) {
	client := &mockLLM{script: []mockAttempt{
		{tokens: []string{"Rest and see a doctor if it persists."}},
	}}
	p := buildPipeline(t, client, verdictClean, nil)

	events := collect(t, p.Process(context.Background(), chatRequest("What medication should I take for chest pain?")))

	verdicts := byType(events, datatypes.EventSemanticVerdict)
	require.Len(t, verdicts, 1)
	assert.False(t, verdicts[0].Verdict.RequiresHumanReview)

	dones := byType(events, datatypes.EventDone)
	require.Len(t, dones, 1)
	assert.False(t, dones[0].Done.IsPendingReview)
	assert.Equal(t, 92, dones[0].Done.AccuracyScore)
}

func TestProcessRetriesThenSucceeds(t *testing.T) {
	client := &mockLLM{script: []mockAttempt{
		{tokens: []string{"partial "}, err: errors.New("upstream hiccup")},
		{err: errors.New("upstream hiccup again")},
		{tokens: []string{"Final ", "answer."}},
	}}
	p := buildPipeline(t, client, verdictClean, nil)

	events := collect(t, p.Process(context.Background(), chatRequest("Tell me about tides.")))

	retries := byType(events, datatypes.EventRetry)
	require.Len(t, retries, 2, "two failures before success mean exactly two retry events")
	assert.Equal(t, 1, retries[0].Retry.Attempt)
	assert.Equal(t, 2, retries[1].Retry.Attempt)
	assert.Equal(t, 3, retries[0].Retry.MaxAttempts)
	assert.Equal(t, 3, retries[1].Retry.MaxAttempts)

	// The wait before attempt n is one backoff unit times n: with a 1ms unit
	// that is 2ms before attempt 2 and 3ms before attempt 3.
	assert.Equal(t, int64(2), retries[0].Retry.WaitMs)
	assert.Equal(t, int64(3), retries[1].Retry.WaitMs)

	assert.Empty(t, byType(events, datatypes.EventError))
	require.Len(t, byType(events, datatypes.EventDone), 1)
	assert.Equal(t, 3, client.callCount())

	// Chunks after the last retry carry only the successful attempt.
	lastRetry := -1
	for i, ev := range events {
		if ev.Type == datatypes.EventRetry {
			lastRetry = i
		}
	}
	var sb strings.Builder
	for _, ev := range events[lastRetry+1:] {
		if ev.Type == datatypes.EventChunk {
			sb.WriteString(ev.Content)
		}
	}
	assert.Equal(t, "Final answer.", sb.String())
}

func TestProcessFailsAfterMaxAttempts(t *testing.T) {
	boom := errors.New("upstream down")
	client := &mockLLM{script: []mockAttempt{{err: boom}, {err: boom}, {err: boom}}}
	p := buildPipeline(t, client, "", nil)

	events := collect(t, p.Process(context.Background(), chatRequest("Tell me about tides.")))

	assert.Len(t, byType(events, datatypes.EventRetry), 2)
	errs := byType(events, datatypes.EventError)
	require.Len(t, errs, 1)
	assert.Empty(t, byType(events, datatypes.EventDone), "a failed turn ends in error, not done")
	assert.Equal(t, 3, client.callCount())
}

func TestProcessCredentialExhaustionIsTerminal(t *testing.T) {
	client := &mockLLM{script: []mockAttempt{{err: llm.ErrCredentialsExhausted}}}
	p := buildPipeline(t, client, "", nil)

	events := collect(t, p.Process(context.Background(), chatRequest("Tell me about tides.")))

	assert.Empty(t, byType(events, datatypes.EventRetry), "exhaustion must not be retried")
	errs := byType(events, datatypes.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, 1, client.callCount())
}

func TestProcessStageOrder(t *testing.T) {
	client := &mockLLM{script: []mockAttempt{{tokens: []string{"ok"}}}}
	p := buildPipeline(t, client, verdictClean, nil)

	events := collect(t, p.Process(context.Background(), chatRequest("What medication helps a headache?")))

	var stages []datatypes.Stage
	for _, ev := range byType(events, datatypes.EventThinking) {
		stages = append(stages, ev.Stage)
		assert.NotEmpty(t, ev.Message, "thinking events carry a user-facing message")
	}
	assert.Equal(t, []datatypes.Stage{
		datatypes.StageAnalyzingSafety,
		datatypes.StageCheckingInjection,
		datatypes.StageDetectingEmotion,
		datatypes.StageSemanticAnalysis,
		datatypes.StageGenerating,
		datatypes.StageComplete,
	}, stages)
}
