// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the moderator service.
//
// This file implements the SSE writer for the moderated chat stream. Every
// event carries a hash chained to its predecessor, so a stored transcript of
// a moderated conversation can be verified end to end.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianGuard/services/moderator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes moderated chat stream events in SSE wire format.
//
// # Description
//
// Each written event is automatically assigned:
//   - Id: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 of the event content
//   - PrevHash: hash of the previous event for chain verification
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the keepalive ticker and
// the event loop write from different goroutines.
type SSEWriter interface {
	// WriteEvent writes one event, populating the envelope metadata, and
	// flushes immediately.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteKeepAlive sends an SSE comment line to hold the connection open
	// through proxies. Comments do not join the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter wraps an http.ResponseWriter to emit SSE-formatted events in the
// format "event: {type}\ndata: {json}\n\n".
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter creates an SSEWriter over w. The caller must have set the SSE
// headers (see SetSSEHeaders) before the first write.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// WriteEvent writes a single SSE event to the response.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// WriteKeepAlive sends a comment line to keep the connection alive.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeEventHash computes the SHA-256 hash of event content. Structured
// payloads are JSON-serialized so the hash is stable across processes.
//
// Called before event.Hash is set.
func computeEventHash(event datatypes.StreamEvent) string {
	payloadJSON := ""
	switch {
	case event.Detection != nil:
		if data, err := json.Marshal(event.Detection); err == nil {
			payloadJSON = string(data)
		}
	case event.Verdict != nil:
		if data, err := json.Marshal(event.Verdict); err == nil {
			payloadJSON = string(data)
		}
	case event.Retry != nil:
		if data, err := json.Marshal(event.Retry); err == nil {
			payloadJSON = string(data)
		}
	case event.Done != nil:
		if data, err := json.Marshal(event.Done); err == nil {
			payloadJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Stage,
		event.Content,
		event.Error,
		payloadJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// SetSSEHeaders configures HTTP response headers for SSE streaming. Must be
// called before any body write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
