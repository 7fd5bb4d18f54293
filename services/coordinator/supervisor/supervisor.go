// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor gates heavy work on local resources and guarantees
// that submitted tasks survive backend outages.
//
// # Admission
//
// Every poll samples CPU and RAM and maps RAM onto a three-level state:
//
//	GREEN   ram < yellow
//	YELLOW  yellow <= ram < red
//	RED     ram >= red, or the external override signal is active
//
// # Task Submission
//
// SubmitTask pushes to the backend analysis queue and falls back to the
// durable local store when the backend is unavailable. Only when both fail
// does it return ErrTaskLost.
//
// # Reconciliation
//
// Each GetResourceState call (and therefore each Scheduler tick) drains a
// batch of pending fallback rows into the backend and marks the ones that
// were accepted as recovered. A row may be delivered more than once if the
// process dies between the push and the mark; consumers must tolerate
// duplicates.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/labcoord/services/coordinator/backend"
	"github.com/AleutianAI/labcoord/services/coordinator/datatypes"
	"github.com/AleutianAI/labcoord/services/coordinator/fallback"
	"github.com/AleutianAI/labcoord/services/coordinator/observability"
)

// ErrTaskLost is returned by SubmitTask when neither the backend nor the
// fallback store accepted the task. The wrapped error is the store failure.
var ErrTaskLost = errors.New("task lost: backend and fallback store both failed")

// SnapshotSink receives every fresh snapshot. Implementations must not block.
type SnapshotSink interface {
	WriteSnapshot(snapshot datatypes.ResourceSnapshot)
}

// Config configures a Supervisor.
type Config struct {
	// Thresholds for the admission state. Default: 75 / 90.
	Thresholds Thresholds

	// ReconcileBatch is the maximum number of fallback rows re-pushed per
	// pass. Default: 50.
	ReconcileBatch int

	// SnapshotTTL is how long the cached snapshot lives in the backend.
	// Default: 30s.
	SnapshotTTL time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *observability.Metrics

	// Sink is optional.
	Sink SnapshotSink
}

func (c *Config) applyDefaults() {
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = 50
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Supervisor is the resource-aware front door for task producers.
//
// Thread Safety: Safe for concurrent use.
type Supervisor struct {
	backend backend.Backend
	store   fallback.Store
	sampler Sampler
	config  Config
	logger  *slog.Logger
	tracer  trace.Tracer

	mu         sync.RWMutex
	thresholds Thresholds
	last       *datatypes.ResourceSnapshot

	override    atomic.Bool
	reconcileMu sync.Mutex
}

// New wires a supervisor. Nothing runs in the background; see Scheduler.
//
// Inputs:
//
//	b - Backend client. Use backend.NewDetached() for single-instance mode.
//	store - Durable fallback store. Must not be nil.
//	sampler - Host sampler. Must not be nil.
//	config - Tunables; zero values take defaults.
func New(b backend.Backend, store fallback.Store, sampler Sampler, config Config) (*Supervisor, error) {
	if b == nil {
		return nil, errors.New("backend must not be nil")
	}
	if store == nil {
		return nil, errors.New("fallback store must not be nil")
	}
	if sampler == nil {
		return nil, errors.New("sampler must not be nil")
	}
	config.applyDefaults()
	if err := config.Thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		backend:    b,
		store:      store,
		sampler:    sampler,
		config:     config,
		logger:     config.Logger.With(slog.String("component", "supervisor")),
		tracer:     otel.Tracer("labcoord/supervisor"),
		thresholds: config.Thresholds,
	}, nil
}

// =============================================================================
// Admission
// =============================================================================

// Thresholds returns the active thresholds.
func (s *Supervisor) Thresholds() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds
}

// SetThresholds replaces the thresholds used by subsequent polls.
func (s *Supervisor) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.thresholds
	s.thresholds = t
	s.mu.Unlock()
	if old != t {
		s.logger.Info("admission thresholds updated",
			slog.Float64("yellow", t.Yellow), slog.Float64("red", t.Red))
	}
	return nil
}

// GetResourceState samples the host and returns a fresh snapshot.
//
// Description:
//
//	After computing the state it caches the snapshot in the backend
//	(failure ignored), publishes a resource_state event when the state
//	changed, forwards it to the sink, and finally runs one reconciliation
//	pass.
//
// Outputs:
//
//	datatypes.ResourceSnapshot - The new snapshot.
//	error - Non-nil only if the host could not be sampled.
func (s *Supervisor) GetResourceState(ctx context.Context) (datatypes.ResourceSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.get_resource_state")
	defer span.End()

	sample, err := s.sampler.Sample(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sample failed")
		return datatypes.ResourceSnapshot{}, fmt.Errorf("sample resources: %w", err)
	}

	override := s.override.Load()
	snap := datatypes.ResourceSnapshot{
		CPUPercent:           sample.CPUPercent,
		RAMPercent:           sample.RAMPercent,
		RAMAvailableMB:       sample.RAMAvailableMB,
		State:                ComputeState(sample.RAMPercent, s.Thresholds(), override),
		SignalOverrideActive: override,
		Timestamp:            time.Now().UTC(),
	}
	span.SetAttributes(
		attribute.String("state", string(snap.State)),
		attribute.Float64("ram_percent", snap.RAMPercent),
	)

	s.mu.Lock()
	prev := s.last
	s.last = &snap
	s.mu.Unlock()

	s.config.Metrics.ObserveAdmission(string(snap.State), snap.CPUPercent, snap.RAMPercent)
	_, _ = s.backend.CacheState(ctx, backend.StateResources, snap, s.config.SnapshotTTL)

	if prev == nil || prev.State != snap.State {
		s.logger.Info("admission state",
			slog.String("state", string(snap.State)),
			slog.Float64("ram_percent", snap.RAMPercent),
			slog.Bool("override", override))
		_, _ = s.backend.Publish(ctx, backend.ChannelAlerts, datatypes.NewEvent(
			datatypes.EventResourceState, map[string]any{"snapshot": snap}))
	}
	if s.config.Sink != nil {
		s.config.Sink.WriteSnapshot(snap)
	}

	if _, err := s.Reconcile(ctx); err != nil {
		s.logger.Warn("reconciliation failed", slog.String("error", err.Error()))
	}
	return snap, nil
}

// CanStartHeavyTask reports whether a fresh sample is GREEN. A sampling
// failure counts as not GREEN.
func (s *Supervisor) CanStartHeavyTask(ctx context.Context) bool {
	snap, err := s.GetResourceState(ctx)
	if err != nil {
		s.logger.Warn("refusing heavy task: resources unknown", slog.String("error", err.Error()))
		return false
	}
	return snap.State == datatypes.StateGreen
}

// SetOverrideSignal forces RED while active and announces the change on
// the alerts channel.
func (s *Supervisor) SetOverrideSignal(ctx context.Context, active bool) {
	if s.override.Swap(active) != active {
		s.logger.Warn("override signal changed", slog.Bool("active", active))
	}
	_, _ = s.backend.Publish(ctx, backend.ChannelAlerts, datatypes.NewEvent(
		datatypes.EventOverrideSignal, map[string]any{"active": active}))
}

// OverrideActive reports the override signal.
func (s *Supervisor) OverrideActive() bool {
	return s.override.Load()
}

// LastSnapshot returns the most recent snapshot written by any instance
// sharing the backend, falling back to this instance's last poll. Nil when
// neither exists.
func (s *Supervisor) LastSnapshot(ctx context.Context) *datatypes.ResourceSnapshot {
	if raw, err := s.backend.GetState(ctx, backend.StateResources); err == nil && raw != nil {
		var snap datatypes.ResourceSnapshot
		if err := json.Unmarshal(raw, &snap); err == nil {
			return &snap
		}
		s.logger.Warn("ignoring corrupt cached snapshot")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	snap := *s.last
	return &snap
}

// =============================================================================
// Submission
// =============================================================================

// SubmitTask delivers a task to the backend, or to the fallback store when
// the backend is unavailable.
//
// Outputs:
//
//	error - backend.ErrInvalidArgument for an empty task type, ErrTaskLost
//	        when both paths failed, nil otherwise.
func (s *Supervisor) SubmitTask(ctx context.Context, taskType string, payload map[string]any) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.submit_task",
		trace.WithAttributes(attribute.String("task_type", taskType)))
	defer span.End()

	ok, err := s.backend.PushAnalysisTask(ctx, taskType, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid task")
		return err
	}
	if ok {
		s.config.Metrics.TaskSubmitted(observability.PathBackend)
		span.SetAttributes(attribute.String("path", observability.PathBackend))
		return nil
	}

	if err := s.store.SaveTask(ctx, taskType, payload); err != nil {
		s.config.Metrics.TaskSubmitted(observability.PathLost)
		s.logger.Error("TASK LOST: backend unavailable and fallback write failed",
			slog.String("task_type", taskType), slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "task lost")
		return fmt.Errorf("%w: %w", ErrTaskLost, err)
	}
	s.config.Metrics.TaskSubmitted(observability.PathFallback)
	span.SetAttributes(attribute.String("path", observability.PathFallback))
	s.logger.Debug("task buffered locally", slog.String("task_type", taskType))
	return nil
}

// SubmitReport validates a report and pushes it onto the backend report
// queue, stamping an ID when the report has none.
//
// The boolean is false when the backend did not accept it. Unlike
// reports.Coordinator.ReceiveReport there is no local-buffer fallback here:
// a rejected report is the caller's to retry or drop.
func (s *Supervisor) SubmitReport(ctx context.Context, report datatypes.LabReport) (bool, error) {
	report.EnsureDefaults()
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if err := report.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", backend.ErrInvalidArgument, err)
	}
	ok, err := s.backend.PushItem(ctx, backend.QueueReports, report)
	if err != nil {
		return false, err
	}
	if ok {
		s.config.Metrics.ReportReceived(observability.PathBackend)
	}
	return ok, nil
}

// NextTask pops the oldest analysis task, but only while the host is GREEN.
// Otherwise it leaves the queue untouched and returns nil after waiting out
// timeout (or ctx), so workers can call it in a loop.
func (s *Supervisor) NextTask(ctx context.Context, timeout time.Duration) (*backend.AnalysisTask, error) {
	if timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative, got %s", backend.ErrInvalidArgument, timeout)
	}
	if !s.CanStartHeavyTask(ctx) {
		backend.WaitOut(ctx, timeout)
		return nil, nil
	}
	return s.backend.PopAnalysisTask(ctx, timeout)
}

// =============================================================================
// Locks
// =============================================================================

// AcquireResourceLock claims an external resource.
//
// Description:
//
//	Delegates to the backend, which fails closed when unreachable. With a
//	detached backend there are no peers to exclude, so the lock is always
//	granted.
func (s *Supervisor) AcquireResourceLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if s.backend.Mode() == backend.ModeDetached {
		if _, err := s.backend.AcquireLock(ctx, name, ttl); err != nil {
			return false, err
		}
		return true, nil
	}
	return s.backend.AcquireLock(ctx, name, ttl)
}

// ReleaseResourceLock releases a claim made with AcquireResourceLock.
func (s *Supervisor) ReleaseResourceLock(ctx context.Context, name string) error {
	return s.backend.ReleaseLock(ctx, name)
}

// =============================================================================
// Store passthroughs
// =============================================================================

// FallbackStats reports the fallback store's row counts.
func (s *Supervisor) FallbackStats(ctx context.Context) (fallback.Stats, error) {
	return s.store.GetStats(ctx)
}

// Cleanup runs the fallback retention sweep.
func (s *Supervisor) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.store.CleanupOldTasks(ctx, maxAge)
}
