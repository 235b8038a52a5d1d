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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Key Layout
// =============================================================================

// Key layout:
//
//	msg/<messageID>       -> ReviewableMessage (JSON)
//	lock/<conversationID> -> messageID of the pending message
//	pending/<messageID>   -> empty (listing index)
//	restrict/<convID>     -> restriction record (JSON)
func msgKey(id string) []byte          { return []byte("msg/" + id) }
func lockKey(convID string) []byte     { return []byte("lock/" + convID) }
func pendingKey(id string) []byte      { return []byte("pending/" + id) }
func restrictKey(convID string) []byte { return []byte("restrict/" + convID) }

var pendingPrefix = []byte("pending/")

// restriction is the stored record behind restrict/<convID>.
type restriction struct {
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// =============================================================================
// Store
// =============================================================================

// Store persists reviewable messages and conversation locks.
//
// # Thread Safety
//
// Safe for concurrent use. Racing transitions on the same message are
// serialized by BadgerDB's SSI transactions: exactly one commits, the rest
// surface ErrReviewConflict without mutating anything.
type Store struct {
	db       *DB
	notifier Notifier
	feedback FeedbackSink
	logger   *slog.Logger
}

// NewStore wires a store over an open database. notifier and feedback may be
// nil; the corresponding side effects are then skipped.
func NewStore(db *DB, notifier Notifier, feedback FeedbackSink, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, notifier: notifier, feedback: feedback, logger: logger}
}

// Create persists msg as pending and locks its conversation, atomically.
//
// The message and the lock land in one transaction: there is no window in
// which a conversation holds a pending message without being locked. Returns
// ErrConversationLocked when the conversation already has a pending review.
func (s *Store) Create(ctx context.Context, msg ReviewableMessage) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("message id and conversation id are required")
	}
	msg.Disposition = DispositionPending
	msg.VisibleContent = ""
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, lerr := txn.Get(lockKey(msg.ConversationID)); lerr == nil {
			return ErrConversationLocked
		} else if !errors.Is(lerr, badger.ErrKeyNotFound) {
			return lerr
		}

		payload, merr := json.Marshal(msg)
		if merr != nil {
			return fmt.Errorf("marshal review message: %w", merr)
		}
		if serr := txn.Set(msgKey(msg.ID), payload); serr != nil {
			return serr
		}
		if serr := txn.Set(lockKey(msg.ConversationID), []byte(msg.ID)); serr != nil {
			return serr
		}
		return txn.Set(pendingKey(msg.ID), nil)
	})
	if err != nil {
		return err
	}

	s.logger.Info("message withheld for review",
		slog.String("message_id", msg.ID),
		slog.String("conversation_id", msg.ConversationID))
	s.notify("review_pending", msg)
	return nil
}

// Get returns the message by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (ReviewableMessage, error) {
	var msg ReviewableMessage
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var gerr error
		msg, gerr = readMessage(txn, id)
		return gerr
	})
	return msg, err
}

// IsLocked reports whether the conversation has a pending review, and the id
// of the pending message when it does.
func (s *Store) IsLocked(ctx context.Context, convID string) (bool, string, error) {
	var msgID string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, gerr := txn.Get(lockKey(convID))
		if errors.Is(gerr, badger.ErrKeyNotFound) {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		return item.Value(func(val []byte) error {
			msgID = string(val)
			return nil
		})
	})
	if err != nil {
		return false, "", err
	}
	return msgID != "", msgID, nil
}

// IsRestricted reports whether a reviewer has restricted the conversation.
func (s *Store) IsRestricted(ctx context.Context, convID string) (bool, error) {
	restricted := false
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, gerr := txn.Get(restrictKey(convID))
		if errors.Is(gerr, badger.ErrKeyNotFound) {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		restricted = true
		return nil
	})
	return restricted, err
}

// ListPending returns every message still awaiting review, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]ReviewableMessage, error) {
	var msgs []ReviewableMessage
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pendingPrefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(pendingPrefix); it.ValidForPrefix(pendingPrefix); it.Next() {
			id := string(it.Item().Key()[len(pendingPrefix):])
			msg, gerr := readMessage(txn, id)
			if gerr != nil {
				return gerr
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Oldest first so reviewers drain the queue in arrival order.
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].CreatedAt < msgs[j-1].CreatedAt; j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
	return msgs, nil
}

// Transition resolves a pending message with exactly one terminal
// disposition.
//
// # Description
//
// The transition reads the message, verifies it is still pending, applies the
// disposition's effect on VisibleContent, clears the conversation lock, and
// commits, all in one transaction. A message already resolved (or a racing
// transition losing the commit) yields ErrReviewConflict with no mutation.
//
// Effects per disposition:
//
//	approved:  VisibleContent becomes RawContent
//	blocked:   VisibleContent stays empty
//	corrected: VisibleContent becomes reviewerResponse; the correction is
//	           handed to the feedback sink after commit
func (s *Store) Transition(
	ctx context.Context,
	msgID string,
	target Disposition,
	reviewerID, reviewerResponse, notes string,
) (ReviewableMessage, error) {
	switch target {
	case DispositionApproved, DispositionBlocked, DispositionCorrected:
	default:
		return ReviewableMessage{}, fmt.Errorf("invalid target disposition %q", target)
	}
	if target == DispositionCorrected && reviewerResponse == "" {
		return ReviewableMessage{}, ErrMissingResponse
	}

	var resolved ReviewableMessage
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		msg, gerr := readMessage(txn, msgID)
		if gerr != nil {
			return gerr
		}
		if msg.Disposition != DispositionPending {
			return ErrReviewConflict
		}

		msg.Disposition = target
		msg.ReviewerID = reviewerID
		msg.ReviewerNotes = notes
		msg.ResolvedAt = time.Now().UnixMilli()
		switch target {
		case DispositionApproved:
			msg.VisibleContent = msg.RawContent
		case DispositionBlocked:
			msg.VisibleContent = ""
		case DispositionCorrected:
			msg.VisibleContent = reviewerResponse
		}

		payload, merr := json.Marshal(msg)
		if merr != nil {
			return fmt.Errorf("marshal review message: %w", merr)
		}
		if serr := txn.Set(msgKey(msg.ID), payload); serr != nil {
			return serr
		}
		if derr := txn.Delete(lockKey(msg.ConversationID)); derr != nil {
			return derr
		}
		if derr := txn.Delete(pendingKey(msg.ID)); derr != nil {
			return derr
		}
		resolved = msg
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// A racing transition committed first.
		return ReviewableMessage{}, ErrReviewConflict
	}
	if err != nil {
		return ReviewableMessage{}, err
	}

	s.logger.Info("review resolved",
		slog.String("message_id", resolved.ID),
		slog.String("disposition", string(resolved.Disposition)),
		slog.String("reviewer_id", reviewerID))
	s.notify("review_resolved", resolved)

	if target == DispositionCorrected && s.feedback != nil {
		fb := CorrectionFeedback{
			MessageID:        resolved.ID,
			ConversationID:   resolved.ConversationID,
			UserText:         resolved.UserText,
			OriginalResponse: resolved.RawContent,
			ReviewerResponse: reviewerResponse,
			Notes:            notes,
			ReviewerID:       reviewerID,
		}
		if ferr := s.feedback.SubmitCorrection(ctx, fb); ferr != nil {
			// Best effort only; the transition has already committed.
			s.logger.Warn("correction feedback submission failed",
				slog.String("message_id", resolved.ID),
				slog.String("error", ferr.Error()))
		}
	}
	return resolved, nil
}

// RestrictConversation marks a conversation as refusing new turns. Distinct
// from blocking a message; an existing pending review is left untouched.
func (s *Store) RestrictConversation(ctx context.Context, convID, reviewerID, reason string) error {
	rec := restriction{
		ReviewerID: reviewerID,
		Reason:     reason,
		Timestamp:  time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal restriction: %w", err)
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(restrictKey(convID), payload)
	})
	if err != nil {
		return err
	}

	s.logger.Info("conversation restricted",
		slog.String("conversation_id", convID),
		slog.String("reviewer_id", reviewerID))
	return nil
}

func (s *Store) notify(eventType string, msg ReviewableMessage) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyReview(NotificationEvent{
		Type:           eventType,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Disposition:    msg.Disposition,
		Timestamp:      time.Now().UnixMilli(),
	})
}

func readMessage(txn *badger.Txn, id string) (ReviewableMessage, error) {
	item, err := txn.Get(msgKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ReviewableMessage{}, ErrNotFound
	}
	if err != nil {
		return ReviewableMessage{}, err
	}

	var msg ReviewableMessage
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	})
	if err != nil {
		return ReviewableMessage{}, fmt.Errorf("unmarshal review message %s: %w", id, err)
	}
	return msg, nil
}
