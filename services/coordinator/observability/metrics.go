// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics and OpenTelemetry
// tracing setup for the coordinator.
//
// # Metrics
//
// All metrics live under the "labcoord" namespace:
//
//	labcoord_supervisor_admission_state{state}       - 1 for the current state, 0 otherwise
//	labcoord_supervisor_cpu_percent                   - last sampled CPU usage
//	labcoord_supervisor_ram_percent                   - last sampled RAM usage
//	labcoord_supervisor_tasks_submitted_total{path}   - backend | fallback | lost
//	labcoord_supervisor_tasks_recovered_total         - fallback rows re-pushed
//	labcoord_supervisor_reconcile_runs_total{result}  - ok | skipped | error
//	labcoord_reports_received_total{path}             - backend | buffer
//	labcoord_reports_evicted_total                    - buffer evictions
//	labcoord_backend_operations_total{op,result}      - ok | miss | error
//
// Every method on *Metrics is nil-safe so components can run without
// metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "labcoord"

// Submission paths for tasks and reports.
const (
	PathBackend  = "backend"
	PathFallback = "fallback"
	PathBuffer   = "buffer"
	PathLost     = "lost"
)

// Operation results.
const (
	ResultOK      = "ok"
	ResultMiss    = "miss"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Metrics holds the coordinator's Prometheus collectors.
type Metrics struct {
	AdmissionState    *prometheus.GaugeVec
	CPUPercent        prometheus.Gauge
	RAMPercent        prometheus.Gauge
	TasksSubmitted    *prometheus.CounterVec
	TasksRecovered    prometheus.Counter
	ReconcileRuns     *prometheus.CounterVec
	ReportsReceived   *prometheus.CounterVec
	ReportsEvicted    prometheus.Counter
	BackendOperations *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with reg.
//
// Description:
//
//	Pass prometheus.DefaultRegisterer in production and a fresh
//	prometheus.NewRegistry() in tests; registering twice with the same
//	registerer panics.
//
// Inputs:
//
//	reg - Registerer to attach collectors to. Must not be nil.
//
// Outputs:
//
//	*Metrics - Registered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AdmissionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "supervisor",
			Name:      "admission_state",
			Help:      "Current admission state (1 for the active state)",
		}, []string{"state"}),
		CPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "supervisor",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage percentage",
		}),
		RAMPercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "supervisor",
			Name:      "ram_percent",
			Help:      "Last sampled RAM usage percentage",
		}),
		TasksSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "supervisor",
			Name:      "tasks_submitted_total",
			Help:      "Tasks submitted by delivery path",
		}, []string{"path"}),
		TasksRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "supervisor",
			Name:      "tasks_recovered_total",
			Help:      "Fallback tasks re-pushed to the backend",
		}),
		ReconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "supervisor",
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation passes by result",
		}, []string{"result"}),
		ReportsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reports",
			Name:      "received_total",
			Help:      "Lab reports received by path",
		}, []string{"path"}),
		ReportsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reports",
			Name:      "evicted_total",
			Help:      "Lab reports evicted from the bounded buffer",
		}),
		BackendOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "backend",
			Name:      "operations_total",
			Help:      "Backend operations by operation and result",
		}, []string{"op", "result"}),
	}
}

// ObserveAdmission records the current state and raw utilisation.
func (m *Metrics) ObserveAdmission(state string, cpu, ram float64) {
	if m == nil {
		return
	}
	for _, s := range []string{"GREEN", "YELLOW", "RED"} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.AdmissionState.WithLabelValues(s).Set(v)
	}
	m.CPUPercent.Set(cpu)
	m.RAMPercent.Set(ram)
}

// TaskSubmitted counts one task on the given path.
func (m *Metrics) TaskSubmitted(path string) {
	if m == nil {
		return
	}
	m.TasksSubmitted.WithLabelValues(path).Inc()
}

// TasksRecoveredAdd counts re-pushed fallback rows.
func (m *Metrics) TasksRecoveredAdd(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TasksRecovered.Add(float64(n))
}

// ReconcileRun counts one reconciliation pass.
func (m *Metrics) ReconcileRun(result string) {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(result).Inc()
}

// ReportReceived counts one report on the given path.
func (m *Metrics) ReportReceived(path string) {
	if m == nil {
		return
	}
	m.ReportsReceived.WithLabelValues(path).Inc()
}

// ReportEvicted counts one buffer eviction.
func (m *Metrics) ReportEvicted() {
	if m == nil {
		return
	}
	m.ReportsEvicted.Inc()
}

// BackendOp counts one backend operation.
func (m *Metrics) BackendOp(op, result string) {
	if m == nil {
		return
	}
	m.BackendOperations.WithLabelValues(op, result).Inc()
}
