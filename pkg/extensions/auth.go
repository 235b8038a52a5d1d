// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Enterprise implementations should wrap this error with additional context.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after successful
// authentication.
//
// UserID is the only required field. The Metadata field lets enterprise
// implementations carry additional claims without modifying the core type.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	UserID string

	// Email is the user's email address. May be empty.
	Email string

	// Roles contains the user's role memberships for authorization decisions.
	// The moderator recognizes "reviewer" and "admin"; review endpoints
	// require one of them.
	Roles []string

	// Metadata holds additional claims from the identity provider.
	Metadata Metadata
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns user identity.
//
// Implementations must be safe for concurrent use.
//
// # Open Source Behavior
//
// The default NopAuthProvider always returns a valid "local-user" with the
// admin role, so the moderator works without identity infrastructure.
//
// # Enterprise Implementation
//
// Enterprise versions validate tokens against identity providers like Okta,
// Auth0, or Azure AD and return real reviewer identities.
type AuthProvider interface {
	// Validate checks if the token is valid and returns the user's identity.
	// Returns ErrUnauthorized (possibly wrapped) for invalid tokens.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check as (subject, action,
// resource).
type AuthzRequest struct {
	// User is the authenticated user making the request.
	User *AuthInfo

	// Action is the operation being attempted.
	// Common actions: "read", "resolve", "restrict"
	Action string

	// ResourceType is the category of resource being accessed.
	// Examples: "review_message", "conversation"
	ResourceType string

	// ResourceID is the specific resource instance. Optional; empty means
	// the check applies to the resource type in general.
	ResourceID string
}

// AuthzProvider checks if a user is authorized to perform an action.
//
// Implementations must be safe for concurrent use. The default
// NopAuthzProvider allows everything, appropriate for single-operator
// deployments.
type AuthzProvider interface {
	// Authorize returns nil if permitted, ErrUnauthorized (possibly
	// wrapped) if denied.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider is the default authentication provider for open source.
// It always returns a valid local user with the admin role.
//
// Thread-safe: no mutable state.
type NopAuthProvider struct{}

// Validate always returns a valid local user. The token is ignored; any
// value including empty string authenticates. This is intentional for local
// single-operator deployments.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Email:  "",
		Roles:  []string{"admin"},
	}, nil
}

// NopAuthzProvider is the default authorization provider for open source.
// It always allows all actions.
//
// Thread-safe: no mutable state.
type NopAuthzProvider struct{}

// Authorize always returns nil, allowing all actions.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
