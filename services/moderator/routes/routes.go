// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianGuard/pkg/extensions"
	"github.com/AleutianAI/AleutianGuard/services/moderator/handlers"
	"github.com/AleutianAI/AleutianGuard/services/moderator/middleware"
	"github.com/AleutianAI/AleutianGuard/services/moderator/pipeline"
	"github.com/AleutianAI/AleutianGuard/services/moderator/review"
)

// Options carries the wired dependencies for route setup.
type Options struct {
	Pipeline     *pipeline.Pipeline
	Store        *review.Store
	Hub          *handlers.NotificationHub
	AuthProvider extensions.AuthProvider
	Logger       *slog.Logger
}

// SetupRoutes registers all moderator endpoints on the router.
func SetupRoutes(router *gin.Engine, opts Options) {
	if opts.AuthProvider == nil {
		opts.AuthProvider = &extensions.NopAuthProvider{}
	}

	router.Use(otelgin.Middleware("moderator"))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandler := handlers.NewChatStreamHandler(opts.Pipeline, opts.Store, opts.Logger)
	reviewHandler := handlers.NewReviewHandler(opts.Store, opts.Logger)

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		v1.POST("/chat/stream", chatHandler.HandleChatStream)

		// Review routes require the reviewer role.
		reviewGroup := v1.Group("/review")
		reviewGroup.Use(middleware.RequireRole("reviewer"))
		{
			reviewGroup.GET("/pending", reviewHandler.HandleListPending)
			reviewGroup.POST("/restrict", reviewHandler.HandleRestrictConversation)
			if opts.Hub != nil {
				reviewGroup.GET("/notifications", opts.Hub.HandleNotifications)
			}
			reviewGroup.POST("/:messageId", reviewHandler.HandleReviewAction)
		}
	}
}
