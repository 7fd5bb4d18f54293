// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labcoord/pkg/logging"
	"github.com/AleutianAI/labcoord/services/coordinator/config"
	"github.com/AleutianAI/labcoord/services/coordinator/supervisor"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Service.HTTPAddr = "127.0.0.1:0"
	cfg.Service.RateLimit = 0
	cfg.Backend.Enabled = false
	cfg.Fallback.Path = filepath.Join(t.TempDir(), "fallback.db")
	cfg.Supervisor.PollInterval = 20 * time.Millisecond
	return cfg
}

func testOptions() *Options {
	return &Options{
		Sampler: supervisor.SamplerFunc(func(context.Context) (supervisor.Sample, error) {
			return supervisor.Sample{CPUPercent: 10, RAMPercent: 30, RAMAvailableMB: 8192}, nil
		}),
		Registry:  prometheus.NewRegistry(),
		LogOutput: io.Discard,
	}
}

func newService(t *testing.T, cfg config.Config) Service {
	t.Helper()
	svc, err := New(cfg, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Supervisor.RAMYellow = 95
	_, err := New(cfg, testOptions())
	assert.Error(t, err)
}

func TestService_DetachedSubmitLandsInFallback(t *testing.T) {
	svc := newService(t, testConfig(t))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString(`{"task_type":"scan"}`))
	req.Header.Set("Content-Type", "application/json")
	svc.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	stats, err := svc.Supervisor().FallbackStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Contains(t, w.Body.String(), `"backend_mode":"detached"`)
}

func TestService_RunReconcilesAfterBackendAppears(t *testing.T) {
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Backend.Enabled = true
	cfg.Backend.Host = host
	cfg.Backend.Port = port
	cfg.Backend.Namespace = "svc"
	cfg.Backend.ConnectTimeout = 200 * time.Millisecond
	cfg.Backend.ReadTimeout = 200 * time.Millisecond

	mr.Close()
	svc := newService(t, cfg)
	require.NoError(t, svc.Supervisor().SubmitTask(context.Background(), "scan", map[string]any{"n": 1}))

	require.NoError(t, mr.Restart())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := svc.Supervisor().FallbackStats(context.Background())
		return err == nil && stats.Pending == 0 && stats.Recovered == 1
	}, 5*time.Second, 50*time.Millisecond)

	items, err := mr.List("svc:queue:analysis")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestService_LogExporterReceivesComponentLogs(t *testing.T) {
	exporter := logging.NewBufferedExporter()
	opts := testOptions()
	opts.LogExporter = exporter

	svc, err := New(testConfig(t), opts)
	require.NoError(t, err)
	defer svc.Close()

	require.Eventually(t, func() bool {
		for _, e := range exporter.Entries() {
			if e.Message == "no backend configured, running detached" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestService_CloseIsIdempotent(t *testing.T) {
	svc, err := New(testConfig(t), testOptions())
	require.NoError(t, err)
	assert.NoError(t, svc.Close())
	assert.NoError(t, svc.Close())
}
