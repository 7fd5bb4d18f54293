// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

// detachedConfig writes a config that needs no backend.
func detachedConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "labcoord.yaml")
	doc := "backend:\n  enabled: false\nfallback:\n  path: " + filepath.Join(dir, "fallback.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return path
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")
	assert.FileExists(t, path)

	_, err = execute(t, "config", "init", path)
	assert.Error(t, err, "existing file is not overwritten")
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("LABCOORD_OPERATOR_TOKEN", "op-secret")
	out, err := execute(t, "--config", detachedConfig(t), "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "op-secret")
	assert.Contains(t, out, "********")
}

func TestSubmitThenStats_Detached(t *testing.T) {
	cfg := detachedConfig(t)

	out, err := execute(t, "--config", cfg, "submit", "--type", "scan", "--payload", `{"symbol":"XYZ"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "submitted scan")

	out, err = execute(t, "--config", cfg, "stats")
	require.NoError(t, err)
	var stats map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats["pending"])

	out, err = execute(t, "--config", cfg, "cleanup", "--max-age", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 1 rows")
}

func TestSubmit_RejectsBadPayload(t *testing.T) {
	_, err := execute(t, "--config", detachedConfig(t), "submit", "--type", "scan", "--payload", "[1,2]")
	assert.Error(t, err)
}
