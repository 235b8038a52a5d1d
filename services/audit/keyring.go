// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit implements the semantic post-generation safety layer.
//
// The package delegates nuanced quality judgments (hallucination, medical and
// psychological appropriateness) to an external LLM, with key rotation across
// multiple API credentials and a conservative local fallback when every
// credential is exhausted or the external response cannot be parsed.
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// =============================================================================
// Chat Completion Abstraction
// =============================================================================

// ChatCompleter is the minimal surface of the OpenAI-compatible client that
// the auditor needs. Tests substitute a mock; production uses *openai.Client.
type ChatCompleter interface {
	CreateChatCompletion(
		ctx context.Context,
		req openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// Credential is one API credential for the external audit endpoint.
type Credential struct {
	APIKey  string
	BaseURL string
}

// ClientFactory builds a ChatCompleter from a credential. Production wiring
// uses NewOpenAIClient; tests inject a factory returning mocks.
type ClientFactory func(cred Credential) ChatCompleter

// NewOpenAIClient is the default ClientFactory.
func NewOpenAIClient(cred Credential) ChatCompleter {
	cfg := openai.DefaultConfig(cred.APIKey)
	if cred.BaseURL != "" {
		cfg.BaseURL = cred.BaseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// =============================================================================
// Keyring
// =============================================================================

// ErrNoCredentials is returned when a keyring is constructed empty.
var ErrNoCredentials = errors.New("no audit credentials configured")

// Keyring holds an ordered set of API credentials.
//
// # Description
//
// The keyring is immutable after construction: it owns one client per
// credential and hands out request-scoped Rotation cursors. A rotation over N
// credentials permits exactly N-1 successful advances before reporting
// exhaustion. Every top-level request takes its own Rotation starting at the
// first credential, so one request burning through its rotation never moves
// another request's cursor. The keyring itself does not classify errors; the
// caller decides what counts as a rate limit and when to rotate.
//
// # Thread Safety
//
// Safe for concurrent use: the client list is never mutated after NewKeyring.
// A Rotation is request-local state and must not be shared across goroutines.
type Keyring struct {
	clients []ChatCompleter
}

// NewKeyring builds a keyring over creds, constructing one client per
// credential up front via factory.
func NewKeyring(creds []Credential, factory ClientFactory) (*Keyring, error) {
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	if factory == nil {
		factory = NewOpenAIClient
	}
	clients := make([]ChatCompleter, 0, len(creds))
	for _, cred := range creds {
		clients = append(clients, factory(cred))
	}
	return &Keyring{clients: clients}, nil
}

// KeyringFromEnv reads AUDIT_API_KEYS (comma-separated) and the optional
// AUDIT_BASE_URL, and builds a production keyring.
func KeyringFromEnv() (*Keyring, error) {
	raw := os.Getenv("AUDIT_API_KEYS")
	baseURL := os.Getenv("AUDIT_BASE_URL")

	var creds []Credential
	for _, key := range strings.Split(raw, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		creds = append(creds, Credential{APIKey: key, BaseURL: baseURL})
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("AUDIT_API_KEYS is empty: %w", ErrNoCredentials)
	}
	return NewKeyring(creds, nil)
}

// Rotation is a request-scoped cursor over a keyring's credentials.
//
// Each top-level request starts its own rotation on the first credential. The
// cursor advances monotonically and never wraps, so rate-limit state from one
// request cannot leak into a concurrent one.
type Rotation struct {
	clients []ChatCompleter
	cursor  int
}

// Rotation returns a fresh cursor positioned on the first credential.
func (k *Keyring) Rotation() *Rotation {
	return &Rotation{clients: k.clients}
}

// Current returns the client at the rotation cursor.
func (r *Rotation) Current() ChatCompleter {
	return r.clients[r.cursor]
}

// Rotate advances the cursor to the next credential.
//
// Returns false when the rotation is exhausted (the cursor is already on the
// last credential). On false the cursor does not move; the caller must fall
// back to the local default verdict.
func (r *Rotation) Rotate() bool {
	if r.cursor >= len(r.clients)-1 {
		return false
	}
	r.cursor++
	return true
}

// Size returns the number of credentials in the ring.
func (k *Keyring) Size() int {
	return len(k.clients)
}

// =============================================================================
// Error Classification
// =============================================================================

// IsRateLimitErr reports whether err looks like a quota or rate-limit
// rejection from the external endpoint. Rotation is only worthwhile for these;
// a malformed request would fail identically on every credential.
func IsRateLimitErr(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "resource_exhausted")
}
