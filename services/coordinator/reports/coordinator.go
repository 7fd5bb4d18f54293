// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reports aggregates prioritized lab reports into a ranked digest.
//
// Reports normally travel through the backend report queue and are drained
// into a bounded local buffer on demand. When the backend is unavailable a
// received report goes straight into the buffer; there is no durable
// fallback for reports.
//
// The coordinator also tracks the shared market regime. SetRegime
// publishes the new value and caches it; Listen keeps coordinators on other
// hosts in step.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/labcoord/services/coordinator/backend"
	"github.com/AleutianAI/labcoord/services/coordinator/datatypes"
	"github.com/AleutianAI/labcoord/services/coordinator/observability"
)

// DefaultRegime is reported until a regime is set or restored.
const DefaultRegime = "UNKNOWN"

// Config configures a Coordinator.
type Config struct {
	// Capacity of the local buffer. Default: 100.
	Capacity int

	// FetchBatch bounds how many queued reports one FetchPending drains.
	// Default: 50.
	FetchBatch int

	// RegimeTTL is how long the cached regime lives in the backend.
	// Default: 24h.
	RegimeTTL time.Duration

	// ResubscribeDelay is the pause before Listen retries a lost
	// subscription. Default: 5s.
	ResubscribeDelay time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *observability.Metrics
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 100
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 50
	}
	if c.RegimeTTL <= 0 {
		c.RegimeTTL = 24 * time.Hour
	}
	if c.ResubscribeDelay <= 0 {
		c.ResubscribeDelay = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Coordinator owns the report buffer and the regime.
//
// Thread Safety: Safe for concurrent use.
type Coordinator struct {
	backend backend.Backend
	buffer  *Buffer[datatypes.LabReport]
	config  Config
	logger  *slog.Logger
	tracer  trace.Tracer

	mu     sync.RWMutex
	regime string
}

// New creates a coordinator. Call Restore to pick up a cached regime and
// run Listen on its own goroutine to follow remote changes.
func New(b backend.Backend, config Config) *Coordinator {
	config.applyDefaults()
	return &Coordinator{
		backend: b,
		buffer:  NewBuffer[datatypes.LabReport](config.Capacity),
		config:  config,
		logger:  config.Logger.With(slog.String("component", "reports")),
		tracer:  otel.Tracer("labcoord/reports"),
		regime:  DefaultRegime,
	}
}

// ReceiveReport accepts a report from a producer.
//
// Description:
//
//	Stamps missing defaults, validates, then pushes to the backend report
//	queue. If the backend does not accept it the report goes into the
//	local buffer, evicting the oldest entry when full.
//
// Outputs:
//
//	error - backend.ErrInvalidArgument for an invalid report.
func (c *Coordinator) ReceiveReport(ctx context.Context, report datatypes.LabReport) error {
	report.EnsureDefaults()
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if err := report.Validate(); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrInvalidArgument, err)
	}

	ok, err := c.backend.PushItem(ctx, backend.QueueReports, report)
	if err != nil {
		return err
	}
	if ok {
		c.config.Metrics.ReportReceived(observability.PathBackend)
		return nil
	}
	c.config.Metrics.ReportReceived(observability.PathBuffer)
	c.bufferReport(report)
	return nil
}

func (c *Coordinator) bufferReport(report datatypes.LabReport) {
	if c.buffer.Push(report) {
		c.config.Metrics.ReportEvicted()
		c.logger.Debug("report buffer full, evicted oldest")
	}
}

// FetchPending drains up to FetchBatch reports from the backend queue into
// the buffer and returns how many were buffered. Corrupt or invalid
// entries are logged and skipped.
func (c *Coordinator) FetchPending(ctx context.Context) int {
	fetched := 0
	for i := 0; i < c.config.FetchBatch; i++ {
		raw, err := c.backend.TryPopItem(ctx, backend.QueueReports)
		if err != nil || raw == nil {
			break
		}
		var report datatypes.LabReport
		if err := json.Unmarshal(raw, &report); err != nil {
			c.logger.Error("skipping corrupt report",
				slog.String("error", err.Error()), slog.Int("bytes", len(raw)))
			continue
		}
		if err := report.Validate(); err != nil {
			c.logger.Warn("skipping invalid report",
				slog.String("source", report.SourceName), slog.String("error", err.Error()))
			continue
		}
		c.bufferReport(report)
		fetched++
	}
	if fetched > 0 {
		c.logger.Debug("fetched pending reports", slog.Int("count", fetched))
	}
	return fetched
}

// Regime returns the current classification.
func (c *Coordinator) Regime() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.regime
}

// SetRegime updates the classification, publishes a regime_change event and
// caches the value. Publishing and caching are best effort.
func (c *Coordinator) SetRegime(ctx context.Context, regime string) error {
	if regime == "" {
		return fmt.Errorf("%w: regime must not be empty", backend.ErrInvalidArgument)
	}
	c.applyRegime(regime, "local")

	_, _ = c.backend.Publish(ctx, backend.ChannelRegime, datatypes.NewEvent(
		datatypes.EventRegimeChange, map[string]any{"regime": regime}))
	_, _ = c.backend.CacheState(ctx, backend.StateRegime, regime, c.config.RegimeTTL)
	return nil
}

func (c *Coordinator) applyRegime(regime, origin string) {
	c.mu.Lock()
	old := c.regime
	c.regime = regime
	c.mu.Unlock()
	if old != regime {
		c.logger.Info("regime changed",
			slog.String("from", old), slog.String("to", regime), slog.String("origin", origin))
	}
}

// Restore loads the cached regime from the backend, if any. Returns true
// when a value was found.
func (c *Coordinator) Restore(ctx context.Context) bool {
	raw, err := c.backend.GetState(ctx, backend.StateRegime)
	if err != nil || raw == nil {
		return false
	}
	var regime string
	if err := json.Unmarshal(raw, &regime); err != nil || regime == "" {
		c.logger.Warn("ignoring corrupt cached regime")
		return false
	}
	c.applyRegime(regime, "cache")
	return true
}

// Listen follows regime changes published by any coordinator sharing the
// backend. It blocks until ctx ends, resubscribing after connection loss.
func (c *Coordinator) Listen(ctx context.Context) error {
	handler := func(_ context.Context, payload json.RawMessage) error {
		var ev datatypes.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode regime event: %w", err)
		}
		if ev.Type != datatypes.EventRegimeChange {
			return nil
		}
		regime, _ := ev.Data["regime"].(string)
		if regime == "" {
			return errors.New("regime event without regime")
		}
		c.applyRegime(regime, "remote")
		return nil
	}

	for {
		err := c.backend.Subscribe(ctx, backend.ChannelRegime, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, backend.ErrUnavailable) {
			return err
		}
		c.logger.Warn("regime subscription lost, retrying",
			slog.Duration("delay", c.config.ResubscribeDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.config.ResubscribeDelay):
		}
	}
}

// Synthesize returns the top maxReports buffered reports, ranked by
// priority then confidence, after draining pending reports from the
// backend. A non-positive maxReports yields no reports.
func (c *Coordinator) Synthesize(ctx context.Context, maxReports int) datatypes.Digest {
	ctx, span := c.tracer.Start(ctx, "reports.synthesize",
		trace.WithAttributes(attribute.Int("max_reports", maxReports)))
	defer span.End()

	c.FetchPending(ctx)

	items := c.buffer.Items()
	slices.SortStableFunc(items, func(a, b datatypes.LabReport) int {
		switch {
		case a.Outranks(b):
			return -1
		case b.Outranks(a):
			return 1
		default:
			return 0
		}
	})
	top := items[:min(max(maxReports, 0), len(items))]

	span.SetAttributes(attribute.Int("buffer_size", len(items)), attribute.Int("returned", len(top)))
	return datatypes.Digest{
		Reports:     top,
		Regime:      c.Regime(),
		BufferSize:  len(items),
		GeneratedAt: time.Now().UTC(),
	}
}

// Size returns the number of buffered reports.
func (c *Coordinator) Size() int { return c.buffer.Size() }

// Capacity returns the buffer capacity.
func (c *Coordinator) Capacity() int { return c.buffer.Capacity() }

// Evicted returns how many reports were dropped since the last Clear.
func (c *Coordinator) Evicted() int64 { return c.buffer.Dropped() }

// Clear empties the buffer.
func (c *Coordinator) Clear() {
	c.buffer.Clear()
	c.logger.Info("report buffer cleared")
}
