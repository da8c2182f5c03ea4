// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the sync server.
//
// # Description
//
// Prometheus metrics cover the version chain protocol:
//   - Accepted versions and conflicts
//   - Catch-up reads (found / not found)
//   - Rejected requests by endpoint and reason
//   - Transaction latency and retries
//   - History segment sizes
//
// Tracing is OpenTelemetry, exported over OTLP gRPC or to stdout.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *Metrics, so components can run
// without metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "aleutian_sync"

// Endpoint labels request metrics.
type Endpoint string

const (
	// EndpointAddVersion is POST /client/:client_id/add-version/:parent_version_id.
	EndpointAddVersion Endpoint = "add_version"

	// EndpointGetChildVersion is GET /client/:client_id/get-child-version/:parent_version_id.
	EndpointGetChildVersion Endpoint = "get_child_version"
)

// Reason labels a rejected request.
type Reason string

const (
	ReasonBadClientID    Reason = "bad_client_id"
	ReasonBadVersionID   Reason = "bad_version_id"
	ReasonBadContentType Reason = "bad_content_type"
	ReasonEmptyBody      Reason = "empty_body"
	ReasonBodyTooLarge   Reason = "body_too_large"
	ReasonBodyRead       Reason = "body_read"
	ReasonStorage        Reason = "storage"
	ReasonRateLimited    Reason = "rate_limited"
)

// Operation labels transaction metrics.
type Operation string

const (
	OperationAddVersion      Operation = "add_version"
	OperationGetChildVersion Operation = "get_child_version"
)

// Metrics holds the sync server's Prometheus collectors.
type Metrics struct {
	// VersionsAddedTotal counts accepted versions.
	VersionsAddedTotal prometheus.Counter

	// ConflictsTotal counts add-version attempts rejected with a conflict.
	ConflictsTotal prometheus.Counter

	// ChildVersionReadsTotal counts catch-up reads.
	// Labels: result (found, not_found)
	ChildVersionReadsTotal *prometheus.CounterVec

	// RequestErrorsTotal counts requests rejected before or during storage.
	// Labels: endpoint, reason
	RequestErrorsTotal *prometheus.CounterVec

	// TransactionSeconds measures storage transaction duration.
	// Labels: operation, outcome (ok, error)
	TransactionSeconds *prometheus.HistogramVec

	// TransactionRetriesTotal counts transactions re-run after a
	// serialization conflict.
	// Labels: operation
	TransactionRetriesTotal *prometheus.CounterVec

	// SegmentBytes observes the size of accepted history segments.
	SegmentBytes prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
//
// # Inputs
//
//   - reg: Registry to register with. Use prometheus.NewRegistry() in tests
//     to avoid duplicate registration panics.
//
// # Outputs
//
//   - *Metrics: Ready to record.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		VersionsAddedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "versions_added_total",
			Help:      "Total number of versions accepted",
		}),

		ConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "conflicts_total",
			Help:      "Total add-version attempts rejected because the parent was not the latest version",
		}),

		ChildVersionReadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "child_version_reads_total",
			Help:      "Total catch-up reads by result",
		}, []string{"result"}),

		RequestErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "request_errors_total",
			Help:      "Total rejected requests by endpoint and reason",
		}, []string{"endpoint", "reason"}),

		TransactionSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "transaction_seconds",
			Help:      "Storage transaction duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
		}, []string{"operation", "outcome"}),

		TransactionRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transaction_retries_total",
			Help:      "Total transactions re-run after a serialization conflict",
		}, []string{"operation"}),

		SegmentBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "segment_bytes",
			Help:      "Size of accepted history segments in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}),
	}
}

// RecordAccepted records an accepted version of the given size.
func (m *Metrics) RecordAccepted(segmentBytes int) {
	if m == nil {
		return
	}
	m.VersionsAddedTotal.Inc()
	m.SegmentBytes.Observe(float64(segmentBytes))
}

// RecordConflict records a rejected add-version attempt.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

// RecordChildRead records a catch-up read.
func (m *Metrics) RecordChildRead(found bool) {
	if m == nil {
		return
	}
	result := "found"
	if !found {
		result = "not_found"
	}
	m.ChildVersionReadsTotal.WithLabelValues(result).Inc()
}

// RecordRequestError records a rejected request.
func (m *Metrics) RecordRequestError(endpoint Endpoint, reason Reason) {
	if m == nil {
		return
	}
	m.RequestErrorsTotal.WithLabelValues(string(endpoint), string(reason)).Inc()
}

// RecordTransaction records a finished transaction.
func (m *Metrics) RecordTransaction(op Operation, seconds float64, success bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	m.TransactionSeconds.WithLabelValues(string(op), outcome).Observe(seconds)
}

// RecordRetry records a transaction re-run.
func (m *Metrics) RecordRetry(op Operation) {
	if m == nil {
		return
	}
	m.TransactionRetriesTotal.WithLabelValues(string(op)).Inc()
}
