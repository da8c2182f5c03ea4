// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

// ============================================================================
// Registration
// ============================================================================

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordAccepted(10)
	m.RecordConflict()
	m.RecordChildRead(true)
	m.RecordRequestError(EndpointAddVersion, ReasonEmptyBody)
	m.RecordTransaction(OperationAddVersion, 0.001, true)
	m.RecordRetry(OperationAddVersion)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"aleutian_sync_versions_added_total",
		"aleutian_sync_conflicts_total",
		"aleutian_sync_child_version_reads_total",
		"aleutian_sync_request_errors_total",
		"aleutian_sync_transaction_seconds",
		"aleutian_sync_transaction_retries_total",
		"aleutian_sync_segment_bytes",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}

// ============================================================================
// Record helpers
// ============================================================================

func TestRecordAccepted(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordAccepted(100)
	m.RecordAccepted(200)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.VersionsAddedTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SegmentBytes))
}

func TestRecordConflict(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordConflict()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConflictsTotal))
}

func TestRecordChildRead(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordChildRead(true)
	m.RecordChildRead(false)
	m.RecordChildRead(false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ChildVersionReadsTotal.WithLabelValues("found")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ChildVersionReadsTotal.WithLabelValues("not_found")))
}

func TestRecordRequestError(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRequestError(EndpointAddVersion, ReasonBadContentType)
	m.RecordRequestError(EndpointAddVersion, ReasonBadContentType)
	m.RecordRequestError(EndpointGetChildVersion, ReasonStorage)

	assert.Equal(t, float64(2), testutil.ToFloat64(
		m.RequestErrorsTotal.WithLabelValues("add_version", "bad_content_type")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.RequestErrorsTotal.WithLabelValues("get_child_version", "storage")))
}

func TestRecordRetry(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRetry(OperationAddVersion)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransactionRetriesTotal.WithLabelValues("add_version")))
}

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAccepted(1)
		m.RecordConflict()
		m.RecordChildRead(true)
		m.RecordRequestError(EndpointAddVersion, ReasonStorage)
		m.RecordTransaction(OperationAddVersion, 1, false)
		m.RecordRetry(OperationAddVersion)
	})
}

// ============================================================================
// Tracer
// ============================================================================

func TestInitTracer_NoExporterIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerConfig{ServiceName: "test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NotPanics(t, func() { shutdown(context.Background()) })
}
