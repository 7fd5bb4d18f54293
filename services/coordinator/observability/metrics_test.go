// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	assert.Panics(t, func() { NewMetrics(reg) }, "duplicate registration must panic")
}

func TestObserveAdmission_OneHot(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveAdmission("YELLOW", 12.5, 80)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.AdmissionState.WithLabelValues("GREEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AdmissionState.WithLabelValues("YELLOW")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.AdmissionState.WithLabelValues("RED")))
	assert.Equal(t, 80.0, testutil.ToFloat64(m.RAMPercent))
}

func TestCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.TaskSubmitted(PathFallback)
	m.TaskSubmitted(PathFallback)
	m.TasksRecoveredAdd(3)
	m.TasksRecoveredAdd(0)
	m.ReportEvicted()
	m.BackendOp("push_item", ResultError)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksSubmitted.WithLabelValues(PathFallback)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TasksRecovered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportsEvicted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendOperations.WithLabelValues("push_item", ResultError)))
}

func TestNilMetrics_AreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAdmission("RED", 1, 1)
		m.TaskSubmitted(PathLost)
		m.TasksRecoveredAdd(1)
		m.ReconcileRun(ResultOK)
		m.ReportReceived(PathBuffer)
		m.ReportEvicted()
		m.BackendOp("ping", ResultOK)
	})
}

func TestInitTracer_EmptyEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "labcoord-test", "")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown(context.Background())
}
