// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labcoord/services/coordinator/datatypes"
)

func TestNewInfluxSink_RequiresTarget(t *testing.T) {
	_, err := NewInfluxSink(InfluxConfig{URL: "http://localhost:8086"}, nil)
	assert.Error(t, err)
}

func TestInfluxSink_WritesLineProtocol(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		query  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		query = r.URL.RawQuery
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewInfluxSink(InfluxConfig{
		URL: srv.URL, Token: "t", Org: "lab", Bucket: "resources", Host: "node-1",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	sink.WriteSnapshot(datatypes.ResourceSnapshot{
		CPUPercent:     12.5,
		RAMPercent:     81,
		RAMAvailableMB: 1024,
		State:          datatypes.StateYellow,
		Timestamp:      time.Unix(1700000000, 0),
	})
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, bodies)
	line := strings.Join(bodies, "\n")
	assert.Contains(t, line, "resource_snapshot,")
	assert.Contains(t, line, "host=node-1")
	assert.Contains(t, line, "state=YELLOW")
	assert.Contains(t, line, "ram_percent=81")
	assert.Contains(t, line, "override=false")
	assert.Contains(t, query, "bucket=resources")
	assert.Contains(t, query, "org=lab")
}
