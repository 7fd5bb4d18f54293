// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// SchedulerConfig holds configuration for the background poll loop.
//
// # Fields
//
//   - PollInterval: How often to sample resources and reconcile. Default: 5s.
//   - CleanupInterval: How often to run the retention sweep. Default: 1h.
//   - MaxTaskAge: Retention window for fallback rows. Default: 24h.
type SchedulerConfig struct {
	PollInterval    time.Duration
	CleanupInterval time.Duration
	MaxTaskAge      time.Duration
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:    5 * time.Second,
		CleanupInterval: time.Hour,
		MaxTaskAge:      24 * time.Hour,
	}
}

// CycleResult summarises one scheduler cycle.
type CycleResult struct {
	State        string
	Recovered    int
	CleanedUp    int
	CleanupRan   bool
	SampleFailed bool
}

// Scheduler drives the supervisor periodically.
//
// # Description
//
// Each poll tick calls GetResourceState, which also reconciles the fallback
// store. Every CleanupInterval the retention sweep runs as well. The owner
// starts and stops the loop; constructing a Scheduler starts nothing.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Scheduler struct {
	supervisor *Supervisor
	config     SchedulerConfig
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewScheduler creates a scheduler for sup. Zero config fields take defaults.
func NewScheduler(sup *Supervisor, config SchedulerConfig) *Scheduler {
	d := DefaultSchedulerConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = d.PollInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = d.CleanupInterval
	}
	if config.MaxTaskAge <= 0 {
		config.MaxTaskAge = d.MaxTaskAge
	}
	return &Scheduler{
		supervisor: sup,
		config:     config,
		logger:     sup.logger.With(slog.String("loop", "scheduler")),
	}
}

// Start begins the background loop.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.Info("scheduler starting",
		slog.Duration("poll_interval", s.config.PollInterval),
		slog.Duration("cleanup_interval", s.config.CleanupInterval),
		slog.Duration("max_task_age", s.config.MaxTaskAge))

	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop and waits for the current cycle to finish.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	s.logger.Info("scheduler stopped")
}

// RunNow performs one poll cycle, including the retention sweep, without
// waiting for the next tick.
func (s *Scheduler) RunNow(ctx context.Context) CycleResult {
	return s.cycle(ctx, true)
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	poll := time.NewTicker(s.config.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(s.config.CleanupInterval)
	defer cleanup.Stop()

	s.cycle(ctx, false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-poll.C:
			s.cycle(ctx, false)
		case <-cleanup.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context, withCleanup bool) CycleResult {
	var res CycleResult

	before, _ := s.supervisor.store.GetStats(ctx)
	snap, err := s.supervisor.GetResourceState(ctx)
	if err != nil {
		s.logger.Warn("resource poll failed", slog.String("error", err.Error()))
		res.SampleFailed = true
		// Sampling is independent of delivery; still try to drain.
		if _, rerr := s.supervisor.Reconcile(ctx); rerr != nil {
			s.logger.Warn("reconciliation failed", slog.String("error", rerr.Error()))
		}
	} else {
		res.State = string(snap.State)
	}
	if after, err := s.supervisor.store.GetStats(ctx); err == nil {
		res.Recovered = max(after.Recovered-before.Recovered, 0)
	}

	if withCleanup {
		res.CleanedUp = s.sweep(ctx)
		res.CleanupRan = true
	}
	return res
}

func (s *Scheduler) sweep(ctx context.Context) int {
	n, err := s.supervisor.Cleanup(ctx, s.config.MaxTaskAge)
	if err != nil {
		s.logger.Error("fallback cleanup failed", slog.String("error", err.Error()))
		return 0
	}
	if n > 0 {
		s.logger.Info("fallback cleanup completed", slog.Int("deleted", n))
	} else {
		s.logger.Debug("fallback cleanup completed (nothing expired)")
	}
	return n
}
