// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the orchestrator.
//
// # Description
//
// Metrics cover the three hot paths of the service:
//   - streaming chat (requests, tokens, durations, active streams)
//   - content ingestion (runs, chunk counts, degradations)
//   - weekly digests (sweep outcomes)
//
// # Integration
//
// Metrics are exposed on /metrics. Use with Prometheus + Grafana for
// dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "quest"

// Metrics holds all Prometheus collectors for the orchestrator. Construct
// once at startup with NewMetrics and inject where needed.
type Metrics struct {
	// ChatRequestsTotal counts chat turns by mode and status.
	// Labels: mode (stream, blocking), status (success, error)
	ChatRequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// ChatDurationSeconds measures full chat turn duration.
	// Labels: mode, status
	ChatDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open SSE connections.
	ActiveStreams prometheus.Gauge

	// ClientDisconnectsTotal counts clients that hung up mid-stream.
	ClientDisconnectsTotal prometheus.Counter

	// IngestRunsTotal counts pipeline runs by outcome.
	// Labels: status (success, degraded, error)
	IngestRunsTotal *prometheus.CounterVec

	// IngestChunksTotal counts chunks persisted, split by whether an
	// embedding was stored. Labels: embedded (true, false)
	IngestChunksTotal *prometheus.CounterVec

	// IngestDurationSeconds measures end-to-end pipeline duration.
	IngestDurationSeconds prometheus.Histogram

	// DigestsTotal counts per-user digest outcomes in sweeps.
	// Labels: outcome (sent, skipped, failed)
	DigestsTotal *prometheus.CounterVec
}

// NewMetrics registers all collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChatRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "requests_total",
				Help:      "Total chat turns by mode and status",
			},
			[]string{"mode", "status"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "tokens_total",
				Help:      "Tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),
		ChatDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "duration_seconds",
				Help:      "Full chat turn duration",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"mode", "status"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "active_streams",
				Help:      "Currently open SSE connections",
			},
		),
		ClientDisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "client_disconnects_total",
				Help:      "Clients that disconnected mid-stream",
			},
		),
		IngestRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ingest",
				Name:      "runs_total",
				Help:      "Ingestion pipeline runs by outcome",
			},
			[]string{"status"},
		),
		IngestChunksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ingest",
				Name:      "chunks_total",
				Help:      "Chunks persisted, by embedding presence",
			},
			[]string{"embedded"},
		),
		IngestDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "ingest",
				Name:      "duration_seconds",
				Help:      "End-to-end ingestion pipeline duration",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
			},
		),
		DigestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "digest",
				Name:      "digests_total",
				Help:      "Per-user digest outcomes in sweeps",
			},
			[]string{"outcome"},
		),
	}
}

// =============================================================================
// Recording helpers
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordChatTurn records one completed (or failed) chat turn.
func (m *Metrics) RecordChatTurn(mode string, success bool, seconds float64) {
	m.ChatRequestsTotal.WithLabelValues(mode, statusLabel(success)).Inc()
	m.ChatDurationSeconds.WithLabelValues(mode, statusLabel(success)).Observe(seconds)
}

// RecordTokens records token usage for one model call.
func (m *Metrics) RecordTokens(inputTokens, outputTokens int, model string) {
	if inputTokens > 0 {
		m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
	}
}

// StreamStarted marks an SSE connection open.
func (m *Metrics) StreamStarted() { m.ActiveStreams.Inc() }

// StreamEnded marks an SSE connection closed.
func (m *Metrics) StreamEnded() { m.ActiveStreams.Dec() }

// RecordClientDisconnect counts a client hangup mid-stream.
func (m *Metrics) RecordClientDisconnect() { m.ClientDisconnectsTotal.Inc() }

// RecordIngestRun records one pipeline run.
func (m *Metrics) RecordIngestRun(status string, seconds float64, chunksEmbedded, chunksTotal int) {
	m.IngestRunsTotal.WithLabelValues(status).Inc()
	m.IngestDurationSeconds.Observe(seconds)
	m.IngestChunksTotal.WithLabelValues("true").Add(float64(chunksEmbedded))
	if missing := chunksTotal - chunksEmbedded; missing > 0 {
		m.IngestChunksTotal.WithLabelValues("false").Add(float64(missing))
	}
}

// RecordDigestOutcome records one user's result in a digest sweep.
func (m *Metrics) RecordDigestOutcome(outcome string) {
	m.DigestsTotal.WithLabelValues(outcome).Inc()
}
