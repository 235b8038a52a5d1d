// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianGuard/pkg/logging"
	"github.com/AleutianAI/AleutianGuard/services/audit"
	"github.com/AleutianAI/AleutianGuard/services/detection"
	"github.com/AleutianAI/AleutianGuard/services/llm"
	"github.com/AleutianAI/AleutianGuard/services/moderator/handlers"
	"github.com/AleutianAI/AleutianGuard/services/moderator/observability"
	"github.com/AleutianAI/AleutianGuard/services/moderator/pipeline"
	"github.com/AleutianAI/AleutianGuard/services/moderator/review"
	"github.com/AleutianAI/AleutianGuard/services/moderator/routes"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "aleutian-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("moderator-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	port := os.Getenv("GUARD_PORT")
	if port == "" {
		port = "12300"
	}

	appLog := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  os.Getenv("GUARD_LOG_DIR"),
		Service: "moderator",
		JSON:    true,
	})
	defer appLog.Close()
	logger := appLog.Slog()
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	// --- Deterministic scanner ---
	analyzer, err := detection.NewAnalyzer()
	if err != nil {
		log.Fatalf("FATAL: Could not initialize the detection analyzer: %v", err)
	}

	// --- Review store on Badger ---
	dbPath := os.Getenv("GUARD_DB_PATH")
	if dbPath == "" {
		dbPath = "/data/reviews"
	}
	db, err := review.OpenDB(review.DefaultConfig(dbPath))
	if err != nil {
		log.Fatalf("FATAL: Could not open the review database: %v", err)
	}
	defer db.Close()

	hub := handlers.NewNotificationHub(logger)

	feedbackPath := os.Getenv("GUARD_FEEDBACK_PATH")
	if feedbackPath == "" {
		feedbackPath = "/data/corrections.jsonl"
	}
	feedback := review.NewJSONLFeedbackSink(feedbackPath)

	store := review.NewStore(db, hub, feedback, logger)

	// --- Semantic auditor ---
	var auditor *audit.Auditor
	keyring, err := audit.KeyringFromEnv()
	if err != nil {
		slog.Warn("AUDIT_API_KEYS not configured, semantic auditing disabled", "error", err)
	} else {
		auditor = audit.NewAuditor(analyzer, keyring, audit.Config{
			Model: os.Getenv("AUDIT_MODEL"),
		}, logger)
		slog.Info("Semantic auditor configured", "credentials", keyring.Size())
	}

	// --- Generation client ---
	var llmClient llm.LLMClient
	switch os.Getenv("LLM_BACKEND_TYPE") {
	case "ollama":
		llmClient, err = llm.NewOllamaClient()
		slog.Info("Using Ollama LLM backend")
	case "openai":
		llmClient, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI LLM backend")
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to openai")
		llmClient, err = llm.NewOpenAIClient()
	}
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	pipeCfg := pipeline.DefaultConfig()
	if v := os.Getenv("GUARD_ATTEMPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			pipeCfg.AttemptTimeout = d
		} else {
			slog.Warn("Invalid GUARD_ATTEMPT_TIMEOUT, using default", "value", v)
		}
	}
	pipe := pipeline.New(analyzer, auditor, llmClient, store, pipeCfg, logger)

	router := gin.Default()
	routes.SetupRoutes(router, routes.Options{
		Pipeline: pipe,
		Store:    store,
		Hub:      hub,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		log.Println("Starting the moderator server on port ", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Block until SIGINT/SIGTERM, then drain in-flight streams before the
	// deferred db.Close and tracer shutdown run.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}

	pipeline.PurgeSecureMemory()
}
