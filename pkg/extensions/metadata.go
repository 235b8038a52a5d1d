// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import "time"

// Metadata stores arbitrary key-value pairs for identity claims and logging
// context.
//
// Using a defined type rather than map[string]any gives clearer intent in
// signatures and room for type-safe accessors.
//
// # Common Keys
//
//   - "request_id": Request correlation ID
//   - "conversation_id": Conversation the action concerns
//   - "mfa_verified": whether MFA was used
//   - "department": organizational unit
//
// # Thread Safety
//
// Metadata is NOT thread-safe. Do not share a single instance across
// goroutines without external synchronization.
type Metadata map[string]any

// NewMetadata creates an empty Metadata instance.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set adds or updates a key-value pair and returns the Metadata for
// chaining.
func (m Metadata) Set(key string, value any) Metadata {
	m[key] = value
	return m
}

// Get retrieves a value by key, with a boolean indicating presence.
func (m Metadata) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// GetString retrieves a string value. Returns ("", false) if the key is
// missing or holds a non-string.
func (m Metadata) GetString(key string) (string, bool) {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// GetInt retrieves an int value. Accepts int and int64 for convenience since
// JSON round-trips can widen integers.
func (m Metadata) GetInt(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// GetBool retrieves a bool value.
func (m Metadata) GetBool(key string) (bool, bool) {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}

// GetTime retrieves a time.Time value.
func (m Metadata) GetTime(key string) (time.Time, bool) {
	if v, ok := m[key]; ok {
		if t, ok := v.(time.Time); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// Merge copies all entries from other into m, overwriting on collision, and
// returns m for chaining.
func (m Metadata) Merge(other Metadata) Metadata {
	for k, v := range other {
		m[k] = v
	}
	return m
}

// Clone returns a shallow copy of m.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
