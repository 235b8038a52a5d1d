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
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGuard/services/audit"
	"github.com/AleutianAI/AleutianGuard/services/detection"
	"github.com/AleutianAI/AleutianGuard/services/llm"
	"github.com/AleutianAI/AleutianGuard/services/moderator/datatypes"
	"github.com/AleutianAI/AleutianGuard/services/moderator/review"
)

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the pipeline's retry and pacing behavior.
type Config struct {
	// MaxAttempts is the number of generation attempts per request.
	MaxAttempts int

	// BackoffUnit scales the linear retry backoff: the wait before retrying
	// after attempt n is BackoffUnit * n.
	BackoffUnit time.Duration

	// StageDelay is an optional pause after each thinking event so UI stage
	// indicators are perceptible. Zero in tests.
	StageDelay time.Duration

	// AttemptTimeout bounds a single generation attempt.
	AttemptTimeout time.Duration
}

// DefaultConfig returns the production defaults: three attempts, one second
// backoff unit, sixty second attempt timeout.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BackoffUnit:    time.Second,
		AttemptTimeout: 60 * time.Second,
	}
}

// PendingReviewMessage is the placeholder shown to the user while a reply is
// withheld for review.
const PendingReviewMessage = "This response is being reviewed by our team and will appear once a reviewer approves it."

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline runs one moderated chat turn end to end.
//
// # Description
//
// Process returns a channel of stream events and is the channel's sole
// producer; the channel is closed when the turn is finished. Event order:
//
//  1. thinking events for the deterministic stages
//  2. a detection event when the scan blocked or warned
//  3. for blocked input: a final done event, nothing else
//  4. chunk events as the model streams, with retry events interleaved when
//     an attempt fails (the client discards chunks from the failed attempt)
//  5. an optional semantic_verdict event
//  6. exactly one terminal done or error event
//
// A client disconnect does not abort moderation: once generation has
// finished, the audit and the review handoff run on a context detached from
// cancellation so a flagged reply is never lost.
type Pipeline struct {
	analyzer *detection.Analyzer
	auditor  *audit.Auditor
	client   llm.LLMClient
	store    *review.Store
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New wires a pipeline. auditor and store may be nil only in tests that never
// reach the semantic stage.
func New(
	analyzer *detection.Analyzer,
	auditor *audit.Auditor,
	client llm.LLMClient,
	store *review.Store,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		analyzer: analyzer,
		auditor:  auditor,
		client:   client,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("moderator/pipeline"),
	}
}

// Process runs the moderated turn and streams events. The returned channel is
// closed after the terminal event.
func (p *Pipeline) Process(ctx context.Context, req *datatypes.ModeratedChatRequest) <-chan datatypes.StreamEvent {
	events := make(chan datatypes.StreamEvent, 16)
	go func() {
		defer close(events)
		p.run(ctx, req, events)
	}()
	return events
}

func (p *Pipeline) run(ctx context.Context, req *datatypes.ModeratedChatRequest, events chan<- datatypes.StreamEvent) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Process",
		trace.WithAttributes(
			attribute.String("request.id", req.RequestID),
			attribute.String("conversation.id", req.ConversationID),
		))
	defer span.End()

	emit := func(ev datatypes.StreamEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	stage := func(s datatypes.Stage) {
		emit(datatypes.StreamEvent{Type: datatypes.EventThinking, Stage: s, Message: s.Message()})
		if p.cfg.StageDelay > 0 {
			p.sleep(ctx, p.cfg.StageDelay)
		}
	}

	// Step 1: Deterministic scan. One pass covers all three announced stages;
	// the stages exist for client pacing, not as separate computations.
	stage(datatypes.StageAnalyzingSafety)
	stage(datatypes.StageCheckingInjection)
	stage(datatypes.StageDetectingEmotion)

	scanText := req.FullText()
	result := p.analyzer.Analyze(scanText)
	span.SetAttributes(
		attribute.Bool("detection.blocked", result.IsBlocked),
		attribute.Int("detection.safety_score", result.SafetyScore),
		attribute.String("detection.emotion", string(result.Emotion)),
	)

	if result.ShouldLog {
		emit(datatypes.StreamEvent{Type: datatypes.EventDetection, Detection: &result})
		p.logger.Info("deterministic scan flagged message",
			slog.String("request_id", req.RequestID),
			slog.Bool("blocked", result.IsBlocked),
			slog.Int("safety_score", result.SafetyScore))
	}

	// Step 2: Blocked input ends the turn. No generation call is made and no
	// chunks are streamed.
	if result.IsBlocked {
		stage(datatypes.StageComplete)
		emit(datatypes.StreamEvent{Type: datatypes.EventDone, Done: &datatypes.DoneInfo{IsPendingReview: false}})
		return
	}

	// Step 3: Semantic pre-screen. Announced before generation so the client
	// knows an audit will follow the stream.
	shouldAudit, reasons := false, []string(nil)
	if p.auditor != nil {
		shouldAudit, reasons = p.auditor.ShouldAudit(scanText, result.Emotion)
	}
	if shouldAudit {
		stage(datatypes.StageSemanticAnalysis)
	}

	// Step 4: Streaming generation with linear backoff.
	stage(datatypes.StageGenerating)
	reply, ok := p.generate(ctx, req, emit)
	if !ok {
		return
	}

	// Step 5: Post-generation audit and review handoff. Detached from client
	// cancellation: a disconnect must not lose a flagged reply.
	tail := context.WithoutCancel(ctx)
	done := datatypes.DoneInfo{IsPendingReview: false}
	if shouldAudit {
		verdict := p.auditor.Audit(tail, scanText, reply)
		emit(datatypes.StreamEvent{Type: datatypes.EventSemanticVerdict, Verdict: &verdict})
		done.AccuracyScore = verdict.AccuracyScore
		span.SetAttributes(
			attribute.String("audit.risk_level", string(verdict.RiskLevel)),
			attribute.Bool("audit.requires_review", verdict.RequiresHumanReview),
		)
		p.logger.Info("semantic audit completed",
			slog.String("request_id", req.RequestID),
			slog.Any("reasons", reasons),
			slog.String("risk_level", string(verdict.RiskLevel)),
			slog.Bool("requires_review", verdict.RequiresHumanReview))

		if verdict.RequiresHumanReview && p.store != nil {
			msgID := uuid.NewString()
			err := p.store.Create(tail, review.ReviewableMessage{
				ID:             msgID,
				ConversationID: req.ConversationID,
				UserText:       req.Text,
				RawContent:     reply,
				Verdict:        verdict,
			})
			if err != nil {
				p.logger.Error("failed to persist reviewable message",
					slog.String("request_id", req.RequestID),
					slog.String("error", err.Error()))
				emit(datatypes.StreamEvent{Type: datatypes.EventError, Error: "failed to queue response for review"})
				return
			}
			done.IsPendingReview = true
			done.MessageID = msgID
			done.PendingMessage = PendingReviewMessage
		}
	}

	stage(datatypes.StageComplete)
	emit(datatypes.StreamEvent{Type: datatypes.EventDone, Done: &done})
}

// generate runs up to MaxAttempts streaming attempts. Chunks from a failed
// attempt have already been emitted; the retry event tells the client to
// discard them, and the accumulator is reset so the final reply contains only
// the successful attempt.
func (p *Pipeline) generate(ctx context.Context, req *datatypes.ModeratedChatRequest, emit func(datatypes.StreamEvent)) (string, bool) {
	acc, err := NewReplyAccumulator()
	if err != nil {
		p.logger.Error("failed to allocate reply accumulator", slog.String("error", err.Error()))
		emit(datatypes.StreamEvent{Type: datatypes.EventError, Error: "internal buffer allocation failed"})
		return "", false
	}
	defer acc.Destroy()

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		_, err = p.client.ChatStream(attemptCtx, req.Text, llm.GenerationParams{}, func(token string) error {
			if werr := acc.Write(token); werr != nil {
				return werr
			}
			emit(datatypes.StreamEvent{Type: datatypes.EventChunk, Content: token})
			return nil
		})
		cancel()

		if err == nil {
			reply, ferr := acc.Finalize()
			if ferr != nil {
				emit(datatypes.StreamEvent{Type: datatypes.EventError, Error: "failed to read generated reply"})
				return "", false
			}
			return reply, true
		}

		// Exhausted credentials are terminal: every retry would hit the same
		// empty quota.
		if errors.Is(err, llm.ErrCredentialsExhausted) {
			p.logger.Error("generation credentials exhausted",
				slog.String("request_id", req.RequestID))
			emit(datatypes.StreamEvent{Type: datatypes.EventError, Error: "generation capacity exhausted, try again later"})
			return "", false
		}
		if ctx.Err() != nil {
			p.logger.Info("generation cancelled",
				slog.String("request_id", req.RequestID))
			return "", false
		}

		if attempt == p.cfg.MaxAttempts {
			p.logger.Error("generation failed after final attempt",
				slog.String("request_id", req.RequestID),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()))
			emit(datatypes.StreamEvent{Type: datatypes.EventError, Error: "generation failed"})
			return "", false
		}

		// The wait before attempt n is one backoff unit times n.
		wait := p.cfg.BackoffUnit * time.Duration(attempt+1)
		p.logger.Warn("generation attempt failed, retrying",
			slog.String("request_id", req.RequestID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
		acc.Reset()
		emit(datatypes.StreamEvent{Type: datatypes.EventRetry, Retry: &datatypes.RetryInfo{
			Attempt:     attempt,
			MaxAttempts: p.cfg.MaxAttempts,
			WaitMs:      wait.Milliseconds(),
		}})
		if !p.sleep(ctx, wait) {
			return "", false
		}
	}
	return "", false
}

// sleep waits for d unless ctx ends first. Reports whether the full wait
// elapsed.
func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
