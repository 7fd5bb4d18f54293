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
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/labcoord/services/coordinator/observability"
)

// Reconcile drains one batch of pending fallback rows into the backend.
//
// Description:
//
//	Skipped when another pass is already running or the backend is not
//	reachable. Rows are pushed oldest first; the first rejected push ends
//	the pass, and only the rows the backend accepted are marked recovered.
//	A second pass with no new submissions finds nothing eligible.
//
// Outputs:
//
//	int - Number of rows marked recovered.
//	error - Non-nil if the fallback store could not be read or updated.
func (s *Supervisor) Reconcile(ctx context.Context) (int, error) {
	if !s.reconcileMu.TryLock() {
		s.config.Metrics.ReconcileRun(observability.ResultSkipped)
		return 0, nil
	}
	defer s.reconcileMu.Unlock()

	if !s.backend.IsConnected(ctx) {
		s.config.Metrics.ReconcileRun(observability.ResultSkipped)
		return 0, nil
	}

	ctx, span := s.tracer.Start(ctx, "supervisor.reconcile")
	defer span.End()

	tasks, err := s.store.GetPendingTasks(ctx, s.config.ReconcileBatch)
	if err != nil {
		s.config.Metrics.ReconcileRun(observability.ResultError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "read pending failed")
		return 0, fmt.Errorf("read pending tasks: %w", err)
	}
	if len(tasks) == 0 {
		s.config.Metrics.ReconcileRun(observability.ResultOK)
		return 0, nil
	}

	recovered := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		ok, err := s.backend.PushAnalysisTask(ctx, task.Type, task.Payload)
		if err != nil {
			// Only a malformed row can be rejected this way; it will never
			// succeed, so leave it for the retention sweep.
			s.logger.Error("skipping unpushable fallback task",
				slog.Int64("id", task.ID), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			break
		}
		recovered = append(recovered, task.ID)
	}

	if len(recovered) > 0 {
		if err := s.store.MarkAsRecovered(ctx, recovered); err != nil {
			s.config.Metrics.ReconcileRun(observability.ResultError)
			span.RecordError(err)
			span.SetStatus(codes.Error, "mark recovered failed")
			return 0, fmt.Errorf("mark recovered: %w", err)
		}
	}

	s.config.Metrics.ReconcileRun(observability.ResultOK)
	s.config.Metrics.TasksRecoveredAdd(len(recovered))
	span.SetAttributes(
		attribute.Int("pending", len(tasks)),
		attribute.Int("recovered", len(recovered)),
	)
	s.logger.Info("reconciled fallback tasks",
		slog.Int("recovered", len(recovered)), slog.Int("batch", len(tasks)))
	return len(recovered), nil
}
