// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGuard/services/moderator/handlers"
	"github.com/AleutianAI/AleutianGuard/services/moderator/review"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, hub *handlers.NotificationHub) *gin.Engine {
	t.Helper()
	db, err := review.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory review db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := review.NewStore(db, nil, nil, nil)

	router := gin.New()
	SetupRoutes(router, Options{
		Store: store,
		Hub:   hub,
	})
	return router
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_CoreRoutesRegistered(t *testing.T) {
	router := newTestRouter(t, nil)

	coreRoutes := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/chat/stream"},
		{"GET", "/v1/review/pending"},
		{"POST", "/v1/review/restrict"},
		{"POST", "/v1/review/:messageId"},
	}

	routes := router.Routes()
	for _, expected := range coreRoutes {
		found := false
		for _, r := range routes {
			if r.Method == expected.method && r.Path == expected.path {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected route %s %s not found", expected.method, expected.path)
		}
	}
}

func TestSetupRoutes_NotificationsRouteRequiresHub(t *testing.T) {
	router := newTestRouter(t, nil)

	for _, r := range router.Routes() {
		if r.Method == "GET" && r.Path == "/v1/review/notifications" {
			t.Error("Notifications route should NOT be registered without a hub")
		}
	}
}

func TestSetupRoutes_NotificationsRouteWithHub(t *testing.T) {
	router := newTestRouter(t, handlers.NewNotificationHub(nil))

	found := false
	for _, r := range router.Routes() {
		if r.Method == "GET" && r.Path == "/v1/review/notifications" {
			found = true
			break
		}
	}
	if !found {
		t.Error("Expected GET /v1/review/notifications with a hub configured")
	}
}

// ============================================================================
// Route Handler Tests
// ============================================================================

func TestSetupRoutes_HealthEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Health endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)

	// Prometheus metrics endpoint should return 200
	if w.Code != http.StatusOK {
		t.Errorf("Metrics endpoint returned %d, want %d", w.Code, http.StatusOK)
	}

	contentType := w.Header().Get("Content-Type")
	if contentType == "" {
		t.Error("Metrics endpoint should return Content-Type header")
	}
}

func TestSetupRoutes_ReviewPendingWithNopAuth(t *testing.T) {
	// The default NopAuthProvider grants the admin role, which satisfies
	// the reviewer requirement on review routes.
	router := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/review/pending", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Pending endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
}
