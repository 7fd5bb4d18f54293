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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labcoord/pkg/extensions"
	"github.com/AleutianAI/labcoord/services/coordinator/backend"
	"github.com/AleutianAI/labcoord/services/coordinator/datatypes"
	"github.com/AleutianAI/labcoord/services/coordinator/fallback"
	"github.com/AleutianAI/labcoord/services/coordinator/observability"
	"github.com/AleutianAI/labcoord/services/coordinator/reports"
	"github.com/AleutianAI/labcoord/services/coordinator/supervisor"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	router *gin.Engine
	srv    *miniredis.Miniredis
	store  fallback.Store
	coord  *reports.Coordinator
	ram    atomic.Value // float64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{srv: miniredis.RunT(t)}
	f.ram.Store(40.0)

	host, portStr, err := net.SplitHostPort(f.srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := backend.DefaultConfig()
	cfg.Host, cfg.Port, cfg.Namespace = host, port, "test"
	cfg.DialTimeout = 200 * time.Millisecond
	cfg.ReadTimeout = 200 * time.Millisecond
	cfg.Logger = quietLogger()
	client := backend.NewRedisClient(cfg)
	t.Cleanup(func() { _ = client.Close() })
	require.True(t, client.Connect(context.Background()))

	f.store, err = fallback.OpenSQLite(filepath.Join(t.TempDir(), "fallback.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.store.Close() })

	sampler := supervisor.SamplerFunc(func(context.Context) (supervisor.Sample, error) {
		return supervisor.Sample{CPUPercent: 5, RAMPercent: f.ram.Load().(float64), RAMAvailableMB: 4096}, nil
	})
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	sup, err := supervisor.New(client, f.store, sampler, supervisor.Config{Logger: quietLogger(), Metrics: metrics})
	require.NoError(t, err)
	f.coord = reports.New(client, reports.Config{Capacity: 5, Logger: quietLogger(), Metrics: metrics})

	f.router = gin.New()
	SetupRoutes(f.router, sup, f.coord, client, reg, extensions.DefaultOptions())
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// =============================================================================
// Health and Metrics
// =============================================================================

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "attached", body["backend_mode"])
	assert.Equal(t, true, body["backend_connected"])

	f.srv.Close()
	w = f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code, "degraded is still healthy")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/tasks", map[string]any{"task_type": "scan"})

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "labcoord_")
}

// =============================================================================
// Tasks
// =============================================================================

func TestSubmitTask(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"task_type": "volatility_scan",
		"payload":   map[string]any{"symbol": "XYZ"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	items, err := f.srv.List("test:queue:analysis")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0], "volatility_scan")
}

func TestSubmitTask_BackendDownGoesToFallback(t *testing.T) {
	f := newFixture(t)
	f.srv.Close()

	w := f.do(t, http.MethodPost, "/v1/tasks", map[string]any{"task_type": "scan"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(t, http.MethodGet, "/v1/fallback/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[fallback.Stats](t, w)
	assert.Equal(t, 1, stats.Pending)
}

func TestSubmitTask_Rejects(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body any
	}{
		{"missing type", map[string]any{"payload": map[string]any{}}},
		{"blank type", map[string]any{"task_type": "   "}},
		{"not json", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

// =============================================================================
// Resources
// =============================================================================

func TestResourceState(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/resources/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[datatypes.ResourceSnapshot](t, w)
	assert.Equal(t, datatypes.StateGreen, snap.State)
	assert.Equal(t, 40.0, snap.RAMPercent)

	f.ram.Store(95.0)
	w = f.do(t, http.MethodGet, "/v1/resources/state", nil)
	snap = decode[datatypes.ResourceSnapshot](t, w)
	assert.Equal(t, datatypes.StateRed, snap.State)
}

func TestAdmissionAndOverride(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/resources/admission", nil)
	assert.Equal(t, true, decode[map[string]bool](t, w)["can_start_heavy_task"])

	w = f.do(t, http.MethodPut, "/v1/resources/override", map[string]any{"active": true})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/resources/admission", nil)
	assert.Equal(t, false, decode[map[string]bool](t, w)["can_start_heavy_task"])

	w = f.do(t, http.MethodPut, "/v1/resources/override", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "active is required")
}

// =============================================================================
// Reports and Regime
// =============================================================================

func TestReportsAndSynthesis(t *testing.T) {
	f := newFixture(t)

	for i, p := range []int{3, 9, 5} {
		w := f.do(t, http.MethodPost, "/v1/reports", map[string]any{
			"source_name": "agent-" + strconv.Itoa(i),
			"priority":    p,
			"confidence":  0.5,
		})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.NotEmpty(t, decode[map[string]string](t, w)["id"])
	}

	w := f.do(t, http.MethodGet, "/v1/synthesis?max=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	digest := decode[datatypes.Digest](t, w)
	require.Len(t, digest.Reports, 2)
	assert.Equal(t, 9, digest.Reports[0].Priority)
	assert.Equal(t, 5, digest.Reports[1].Priority)
	assert.Equal(t, 3, digest.BufferSize)
	assert.Equal(t, reports.DefaultRegime, digest.Regime)
}

func TestSubmitReport_Invalid(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/reports", map[string]any{"source_name": "a", "priority": 11, "confidence": 0.5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/synthesis?max=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetRegime(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/v1/regime", map[string]any{"regime": "RISK_OFF"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RISK_OFF", f.coord.Regime())

	cached, err := f.srv.Get("test:state:regime")
	require.NoError(t, err)
	assert.Contains(t, cached, "RISK_OFF")

	w = f.do(t, http.MethodPut, "/v1/regime", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Locks
// =============================================================================

func TestLocks(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/locks/gpu?ttl_seconds=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.srv.Exists("test:lock:gpu"))

	w = f.do(t, http.MethodPost, "/v1/locks/gpu", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodDelete, "/v1/locks/gpu", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodPost, "/v1/locks/gpu", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/locks/gpu2?ttl_seconds=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/v1/locks/gpu2?ttl_seconds=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Auth
// =============================================================================

func TestTokenAuth_GuardsV1Only(t *testing.T) {
	f := newFixture(t)
	router := gin.New()
	opts := extensions.DefaultOptions().
		WithAuth(extensions.NewTokenAuthProvider(map[string][]string{"read": {extensions.RoleReader}})).
		WithAuthz(extensions.RoleAuthzProvider{})
	SetupRoutes(router, nil, f.coord, backend.NewDetached(), nil, opts)

	serve := func(method, path, token string) int {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/health", ""))
	assert.Equal(t, http.StatusNotFound, serve(http.MethodGet, "/metrics", ""), "nil gatherer")
	assert.Equal(t, http.StatusUnauthorized, serve(http.MethodGet, "/v1/synthesis", ""))
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/v1/synthesis", "read"))
	assert.Equal(t, http.StatusForbidden, serve(http.MethodPut, "/v1/regime", "read"))
}

func TestInputValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/locks/gpu*", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodDelete, "/v1/locks/gpu*", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/v1/regime", map[string]any{"regime": " high-vol "})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIGH-VOL", f.coord.Regime())

	w = f.do(t, http.MethodPut, "/v1/regime", map[string]any{"regime": "risk on"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
