// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the moderator.
//
// # Description
//
// Metrics cover the full moderation funnel:
//   - Request counters by endpoint and status
//   - Scan verdicts and findings from the deterministic layer
//   - Semantic audit outcomes (clean, flagged, fallback)
//   - Generation retries and credential exhaustion
//   - The review queue (pending gauge, transition counters)
//
// # Integration
//
// Exposed via the /metrics endpoint. All operations are thread-safe via
// Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aleutianguard"
const moderationSubsystem = "moderation"

// ModerationMetrics holds all Prometheus metrics for the moderator service.
// Initialize once at startup via InitMetrics().
type ModerationMetrics struct {
	// RequestsTotal counts moderated chat requests.
	// Labels: endpoint (chat_stream, review), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// VerdictsTotal counts deterministic scan verdicts.
	// Labels: verdict (blocked, warning, safe)
	VerdictsTotal *prometheus.CounterVec

	// FindingsTotal counts individual rule matches.
	// Labels: kind (pii, prompt_injection, safety, policy_violation),
	// severity (critical, high, medium, low)
	FindingsTotal *prometheus.CounterVec

	// AuditsTotal counts semantic audit outcomes.
	// Labels: outcome (clean, flagged, fallback)
	AuditsTotal *prometheus.CounterVec

	// RetriesTotal counts generation retries.
	RetriesTotal prometheus.Counter

	// ReviewTransitionsTotal counts review resolutions.
	// Labels: disposition (approved, blocked, corrected)
	ReviewTransitionsTotal *prometheus.CounterVec

	// PendingReviews tracks the current review queue depth.
	PendingReviews prometheus.Gauge

	// ActiveStreams tracks currently open SSE connections.
	ActiveStreams prometheus.Gauge

	// StreamDurationSeconds measures total stream duration.
	// Labels: status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
var DefaultMetrics *ModerationMetrics

// InitMetrics creates and registers all metrics. Call once at startup;
// calling twice panics on duplicate registration.
func InitMetrics() *ModerationMetrics {
	DefaultMetrics = &ModerationMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: moderationSubsystem,
				Name:      "requests_total",
				Help:      "Total requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		VerdictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: moderationSubsystem,
				Name:      "verdicts_total",
				Help:      "Deterministic scan verdicts",
			},
			[]string{"verdict"},
		),

		FindingsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: moderationSubsystem,
				Name:      "findings_total",
				Help:      "Rule matches by kind and severity",
			},
			[]string{"kind", "severity"},
		),

		AuditsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: moderationSubsystem,
				Name:      "audits_total",
				Help:      "Semantic audit outcomes",
			},
			[]string{"outcome"},
		),

		RetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: moderationSubsystem,
				Name:      "generation_retries_total",
				Help:      "Generation attempts that were retried",
			},
		),

		ReviewTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: moderationSubsystem,
				Name:      "review_transitions_total",
				Help:      "Review resolutions by disposition",
			},
			[]string{"disposition"},
		),

		PendingReviews: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: moderationSubsystem,
				Name:      "pending_reviews",
				Help:      "Messages currently awaiting human review",
			},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: moderationSubsystem,
				Name:      "active_streams",
				Help:      "Currently open SSE connections",
			},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: moderationSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: moderationSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Client disconnections during streaming",
			},
		),
	}

	return DefaultMetrics
}

// RecordRequest records a completed request.
func (m *ModerationMetrics) RecordRequest(endpoint string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// RecordVerdict records one deterministic scan verdict.
func (m *ModerationMetrics) RecordVerdict(blocked, warning bool) {
	switch {
	case blocked:
		m.VerdictsTotal.WithLabelValues("blocked").Inc()
	case warning:
		m.VerdictsTotal.WithLabelValues("warning").Inc()
	default:
		m.VerdictsTotal.WithLabelValues("safe").Inc()
	}
}

// RecordFinding records one rule match.
func (m *ModerationMetrics) RecordFinding(kind, severity string) {
	m.FindingsTotal.WithLabelValues(kind, severity).Inc()
}

// RecordAudit records one semantic audit outcome.
func (m *ModerationMetrics) RecordAudit(outcome string) {
	m.AuditsTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition records one review resolution.
func (m *ModerationMetrics) RecordTransition(disposition string) {
	m.ReviewTransitionsTotal.WithLabelValues(disposition).Inc()
	m.PendingReviews.Dec()
}

// RecordPending records a message entering the review queue.
func (m *ModerationMetrics) RecordPending() {
	m.PendingReviews.Inc()
}

// RecordStreamDuration records a finished stream.
func (m *ModerationMetrics) RecordStreamDuration(seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(status).Observe(seconds)
}
