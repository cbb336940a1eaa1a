// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the metalks client.
//
// # Description
//
// Metrics cover the conversation stream lifecycle and report polling:
//   - Stream counters by outcome (completed, canceled, superseded, failed, protocol_error)
//   - Decoded events by kind and malformed payloads
//   - Latency histograms (time to first delta, total stream duration)
//   - Active stream gauge
//   - Report poll results
//
// # Integration
//
// The CLI exposes Handler() on --metrics-addr. All recording methods are
// nil-safe so core packages work without metrics configured.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "metalks"

const (
	streamSubsystem = "stream"
	reportSubsystem = "report"
)

// StreamOutcome labels how a stream ended.
type StreamOutcome string

const (
	OutcomeCompleted     StreamOutcome = "completed"
	OutcomeCanceled      StreamOutcome = "canceled"
	OutcomeSuperseded    StreamOutcome = "superseded"
	OutcomeFailed        StreamOutcome = "failed"
	OutcomeProtocolError StreamOutcome = "protocol_error"
)

// PollResult labels a single report poll.
type PollResult string

const (
	PollNotReady     PollResult = "not_ready"
	PollReady        PollResult = "ready"
	PollNotFound     PollResult = "not_found"
	PollUnauthorized PollResult = "unauthorized"
	PollError        PollResult = "error"
)

// Metrics holds every collector used by the client.
//
// # Fields
//
//   - StreamsTotal: Streams by outcome.
//   - EventsTotal: Decoded events by kind (delta, end, quit, error).
//   - MalformedTotal: Data lines whose payload was not JSON.
//   - TimeToFirstDeltaSeconds: Latency from request to first delta.
//   - StreamDurationSeconds: Total stream duration by outcome.
//   - ActiveStreams: Streams currently open (0 or 1 per controller).
//   - ReportPollsTotal: Poll ticks by result.
type Metrics struct {
	StreamsTotal            *prometheus.CounterVec
	EventsTotal             *prometheus.CounterVec
	MalformedTotal          prometheus.Counter
	TimeToFirstDeltaSeconds prometheus.Histogram
	StreamDurationSeconds   *prometheus.HistogramVec
	ActiveStreams           prometheus.Gauge
	ReportPollsTotal        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers all collectors on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Use prometheus.NewRegistry() in tests.
//     nil selects the process-wide default registry.
//
// # Outputs
//
//   - *Metrics: Ready to record.
//
// # Limitations
//
//   - Panics if the same registry is passed twice (duplicate registration).
func NewMetrics(reg *prometheus.Registry) *Metrics {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Metrics{
		StreamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "streams_total",
				Help:      "Total number of chat streams by outcome",
			},
			[]string{"outcome"},
		),
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "events_total",
				Help:      "Total number of decoded stream events by kind",
			},
			[]string{"kind"},
		),
		MalformedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "malformed_payloads_total",
				Help:      "Total number of stream payloads skipped because they were not valid JSON",
			},
		),
		TimeToFirstDeltaSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "time_to_first_delta_seconds",
				Help:      "Time from request to first content delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "duration_seconds",
				Help:      "Total stream duration in seconds by outcome",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "active",
				Help:      "Number of chat streams currently open",
			},
		),
		ReportPollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: reportSubsystem,
				Name:      "polls_total",
				Help:      "Total number of report status polls by result",
			},
			[]string{"result"},
		),
		gatherer: gatherer,
	}
}

// Handler returns an HTTP handler serving the registry in text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// =============================================================================
// Recording helpers (nil-safe)
// =============================================================================

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the gauge and records the outcome and duration.
func (m *Metrics) StreamEnded(outcome StreamOutcome, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamsTotal.WithLabelValues(string(outcome)).Inc()
	m.StreamDurationSeconds.WithLabelValues(string(outcome)).Observe(seconds)
}

// RecordEvent counts one decoded event.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// RecordMalformed counts one skipped payload.
func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.MalformedTotal.Inc()
}

// RecordTimeToFirstDelta observes first-delta latency.
func (m *Metrics) RecordTimeToFirstDelta(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstDeltaSeconds.Observe(seconds)
}

// RecordPoll counts one report poll tick.
func (m *Metrics) RecordPoll(result PollResult) {
	if m == nil {
		return
	}
	m.ReportPollsTotal.WithLabelValues(string(result)).Inc()
}
