// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package review

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGuard/services/audit"
)

// recordingNotifier captures review events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []NotificationEvent
}

func (n *recordingNotifier) NotifyReview(event NotificationEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) all() []NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]NotificationEvent(nil), n.events...)
}

// recordingSink captures correction feedback.
type recordingSink struct {
	mu          sync.Mutex
	corrections []CorrectionFeedback
}

func (s *recordingSink) SubmitCorrection(_ context.Context, fb CorrectionFeedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrections = append(s.corrections, fb)
	return nil
}

func newTestStore(t *testing.T) (*Store, *recordingNotifier, *recordingSink) {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	notifier := &recordingNotifier{}
	sink := &recordingSink{}
	return NewStore(db, notifier, sink, nil), notifier, sink
}

func pendingMessage(id, convID string) ReviewableMessage {
	return ReviewableMessage{
		ID:             id,
		ConversationID: convID,
		UserText:       "what should I take for this?",
		RawContent:     "You should take 500mg of the strongest thing you can find.",
		Verdict: audit.SemanticVerdict{
			MedicalAdviceDetected: true,
			MedicalAdviceSeverity: "high",
			RiskLevel:             audit.RiskHigh,
			RequiresHumanReview:   true,
			AccuracyScore:         40,
		},
	}
}

func TestCreateLocksConversation(t *testing.T) {
	store, notifier, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pendingMessage("m1", "c1")))

	locked, msgID, err := store.IsLocked(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, "m1", msgID)

	got, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, DispositionPending, got.Disposition)
	assert.Empty(t, got.VisibleContent, "raw content must not be visible while pending")
	assert.NotEmpty(t, got.RawContent)

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, "review_pending", events[0].Type)
	assert.Equal(t, "m1", events[0].MessageID)
}

func TestCreateRejectsSecondPendingInConversation(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pendingMessage("m1", "c1")))
	err := store.Create(ctx, pendingMessage("m2", "c1"))
	assert.ErrorIs(t, err, ErrConversationLocked)

	// A different conversation is unaffected.
	assert.NoError(t, store.Create(ctx, pendingMessage("m3", "c2")))
}

func TestTransitionApprove(t *testing.T) {
	store, notifier, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, pendingMessage("m1", "c1")))

	resolved, err := store.Transition(ctx, "m1", DispositionApproved, "rev-1", "", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, DispositionApproved, resolved.Disposition)
	assert.Equal(t, resolved.RawContent, resolved.VisibleContent)
	assert.Equal(t, "rev-1", resolved.ReviewerID)
	assert.NotZero(t, resolved.ResolvedAt)

	locked, _, err := store.IsLocked(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, locked, "resolving must clear the conversation lock")

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	events := notifier.all()
	require.Len(t, events, 2)
	assert.Equal(t, "review_resolved", events[1].Type)
	assert.Equal(t, DispositionApproved, events[1].Disposition)
}

func TestTransitionBlockKeepsContentHidden(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, pendingMessage("m1", "c1")))

	resolved, err := store.Transition(ctx, "m1", DispositionBlocked, "rev-1", "", "unsafe dosage")
	require.NoError(t, err)
	assert.Equal(t, DispositionBlocked, resolved.Disposition)
	assert.Empty(t, resolved.VisibleContent, "blocked content must stay hidden")

	// Blocking one message does not restrict the conversation.
	restricted, err := store.IsRestricted(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, restricted)

	locked, _, err := store.IsLocked(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestTransitionCorrect(t *testing.T) {
	store, _, sink := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, pendingMessage("m1", "c1")))

	const replacement = "Please talk to a pharmacist before taking anything."
	resolved, err := store.Transition(ctx, "m1", DispositionCorrected, "rev-1", replacement, "rewrote dosage advice")
	require.NoError(t, err)
	assert.Equal(t, replacement, resolved.VisibleContent)

	require.Len(t, sink.corrections, 1)
	fb := sink.corrections[0]
	assert.Equal(t, "m1", fb.MessageID)
	assert.Equal(t, replacement, fb.ReviewerResponse)
	assert.Equal(t, resolved.RawContent, fb.OriginalResponse)
	assert.Equal(t, "rewrote dosage advice", fb.Notes)
}

func TestTransitionCorrectRequiresResponse(t *testing.T) {
	store, _, sink := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, pendingMessage("m1", "c1")))

	_, err := store.Transition(ctx, "m1", DispositionCorrected, "rev-1", "", "")
	assert.ErrorIs(t, err, ErrMissingResponse)

	// The failed attempt must not have consumed the transition.
	got, gerr := store.Get(ctx, "m1")
	require.NoError(t, gerr)
	assert.Equal(t, DispositionPending, got.Disposition)
	assert.Empty(t, sink.corrections)
}

func TestSecondTransitionConflictsWithoutMutation(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, pendingMessage("m1", "c1")))

	_, err := store.Transition(ctx, "m1", DispositionApproved, "rev-1", "", "")
	require.NoError(t, err)

	_, err = store.Transition(ctx, "m1", DispositionBlocked, "rev-2", "", "")
	assert.ErrorIs(t, err, ErrReviewConflict)

	got, gerr := store.Get(ctx, "m1")
	require.NoError(t, gerr)
	assert.Equal(t, DispositionApproved, got.Disposition, "losing transition must not mutate")
	assert.Equal(t, "rev-1", got.ReviewerID)
	assert.Equal(t, got.RawContent, got.VisibleContent)
}

func TestRacingTransitionsExactlyOneWins(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, pendingMessage("m1", "c1")))

	var wg sync.WaitGroup
	results := make([]error, 2)
	targets := []Disposition{DispositionApproved, DispositionBlocked}
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.Transition(ctx, "m1", targets[i], "rev", "", "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrReviewConflict)
		}
	}
	assert.Equal(t, 1, wins, "exactly one racing transition may commit")
}

func TestListPendingOldestFirst(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	newer := pendingMessage("m-new", "c1")
	newer.CreatedAt = 2000
	older := pendingMessage("m-old", "c2")
	older.CreatedAt = 1000
	require.NoError(t, store.Create(ctx, newer))
	require.NoError(t, store.Create(ctx, older))

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "m-old", pending[0].ID)
	assert.Equal(t, "m-new", pending[1].ID)
}

func TestRestrictConversation(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	restricted, err := store.IsRestricted(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, restricted)

	require.NoError(t, store.RestrictConversation(ctx, "c1", "rev-1", "repeated abuse"))

	restricted, err = store.IsRestricted(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, restricted)
}

func TestGetMissingMessage(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Transition(context.Background(), "nope", DispositionApproved, "rev", "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}
