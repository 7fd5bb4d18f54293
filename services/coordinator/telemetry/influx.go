// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry ships resource snapshots to InfluxDB for history.
package telemetry

import (
	"errors"
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"

	"github.com/AleutianAI/labcoord/services/coordinator/datatypes"
)

// Measurement is the InfluxDB measurement name for snapshots.
const Measurement = "resource_snapshot"

// maxWriteRetries bounds how often a failed batch is retried.
const maxWriteRetries = 3

// InfluxConfig locates the InfluxDB bucket.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Host tags every point. Usually the service name or hostname.
	Host string
}

// InfluxSink writes snapshots through the client's batching write API.
// WriteSnapshot never blocks on the network.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPI
	host   string
	logger *slog.Logger
}

// NewInfluxSink creates the client. No connection is made until the first
// batch is flushed.
func NewInfluxSink(cfg InfluxConfig, logger *slog.Logger) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx sink requires url, org and bucket")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "influx_sink"), slog.String("bucket", cfg.Bucket))

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(50).SetFlushInterval(5000))
	write := client.WriteAPI(cfg.Org, cfg.Bucket)
	write.SetWriteFailedCallback(func(_ string, err influxhttp.Error, retryAttempts uint) bool {
		logger.Warn("snapshot write failed",
			slog.Int("status", err.StatusCode),
			slog.String("message", err.Message),
			slog.Uint64("attempt", uint64(retryAttempts)))
		return retryAttempts < maxWriteRetries
	})

	return &InfluxSink{client: client, write: write, host: cfg.Host, logger: logger}, nil
}

// WriteSnapshot queues one point.
func (s *InfluxSink) WriteSnapshot(snap datatypes.ResourceSnapshot) {
	tags := map[string]string{"state": string(snap.State)}
	if s.host != "" {
		tags["host"] = s.host
	}
	s.write.WritePoint(influxdb2.NewPoint(Measurement, tags, map[string]interface{}{
		"cpu_percent":      snap.CPUPercent,
		"ram_percent":      snap.RAMPercent,
		"ram_available_mb": snap.RAMAvailableMB,
		"override":         snap.SignalOverrideActive,
	}, snap.Timestamp))
}

// Flush forces queued points out.
func (s *InfluxSink) Flush() {
	s.write.Flush()
}

// Close flushes and releases the client.
func (s *InfluxSink) Close() {
	s.write.Flush()
	s.client.Close()
	s.logger.Debug("influx sink closed")
}
