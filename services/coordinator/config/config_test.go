// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"), envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labcoord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  host: redis.internal
  port: 6380
  read_timeout: 750ms
supervisor:
  ram_yellow: 60
  ram_red: 80
  poll_interval: 10s
fallback:
  engine: badger
  path: /var/lib/labcoord/fallback
`), 0644))

	cfg, err := LoadWithEnv(path, envMap(map[string]string{
		"REDIS_HOST":               "redis.override",
		"REDIS_DB":                 "3",
		"LABCOORD_RAM_RED":         "85",
		"LABCOORD_MAX_TASK_AGE":    "3600",
		"LABCOORD_BACKEND_ENABLED": "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, "redis.override", cfg.Backend.Host, "env wins over file")
	assert.Equal(t, 6380, cfg.Backend.Port)
	assert.Equal(t, 3, cfg.Backend.DB)
	assert.Equal(t, 750*time.Millisecond, cfg.Backend.ReadTimeout)
	assert.Equal(t, 60.0, cfg.Supervisor.RAMYellow)
	assert.Equal(t, 85.0, cfg.Supervisor.RAMRed)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.PollInterval)
	assert.Equal(t, time.Hour, cfg.Fallback.MaxTaskAge, "bare seconds accepted")
	assert.Equal(t, "badger", cfg.Fallback.Engine)
	assert.Equal(t, 50, cfg.Supervisor.ReconcileBatch, "untouched fields keep defaults")
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"yellow above red", map[string]string{"LABCOORD_RAM_YELLOW": "95", "LABCOORD_RAM_RED": "90"}},
		{"bad engine", map[string]string{"LABCOORD_FALLBACK_ENGINE": "postgres"}},
		{"bad port", map[string]string{"REDIS_PORT": "70000"}},
		{"non-numeric port", map[string]string{"REDIS_PORT": "abc"}},
		{"bad duration", map[string]string{"LABCOORD_POLL_INTERVAL": "soon"}},
		{"bad log level", map[string]string{"LABCOORD_LOG_LEVEL": "loud"}},
		{"influx without org", map[string]string{"LABCOORD_INFLUX_URL": "http://influx:8086"}},
		{"zero batch", map[string]string{"LABCOORD_RECONCILE_BATCH": "0"}},
		{"shared tokens", map[string]string{"LABCOORD_OPERATOR_TOKEN": "t", "LABCOORD_READER_TOKEN": "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithEnv("", envMap(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: [unclosed"), 0644))
	_, err := LoadWithEnv(path, envMap(nil))
	assert.Error(t, err)
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "labcoord.yaml")
	require.NoError(t, WriteDefault(path))
	assert.Error(t, WriteDefault(path), "must not overwrite")

	cfg, err := LoadWithEnv(path, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labcoord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("supervisor:\n  ram_yellow: 70\n  ram_red: 90\n"), 0644))

	changes := make(chan Config, 4)
	w, err := NewWatcher(path, slog.New(slog.NewTextHandler(io.Discard, nil)), func(c Config) { changes <- c })
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("supervisor:\n  ram_yellow: 50\n  ram_red: 60\n"), 0644))

	select {
	case c := <-changes:
		assert.Equal(t, 50.0, c.Supervisor.RAMYellow)
		assert.Equal(t, 60.0, c.Supervisor.RAMRed)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	// An invalid edit is ignored.
	require.NoError(t, os.WriteFile(path, []byte("supervisor:\n  ram_yellow: 99\n  ram_red: 10\n"), 0644))
	select {
	case c := <-changes:
		t.Fatalf("invalid config delivered: %+v", c.Supervisor)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}

func TestNewWatcher_Validation(t *testing.T) {
	_, err := NewWatcher("", nil, func(Config) {})
	assert.Error(t, err)
	_, err = NewWatcher("x.yaml", nil, nil)
	assert.Error(t, err)
}
