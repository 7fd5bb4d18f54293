// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/labcoord/pkg/validation"
	"github.com/AleutianAI/labcoord/services/coordinator/backend"
	"github.com/AleutianAI/labcoord/services/coordinator/datatypes"
	"github.com/AleutianAI/labcoord/services/coordinator/reports"
	"github.com/AleutianAI/labcoord/services/coordinator/supervisor"
)

// HandleResourceState samples the host and returns the snapshot.
func HandleResourceState(sup *supervisor.Supervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := sup.GetResourceState(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// HandleAdmission answers whether heavy work may start now.
func HandleAdmission(sup *supervisor.Supervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"can_start_heavy_task": sup.CanStartHeavyTask(c.Request.Context())})
	}
}

// OverrideRequest is the body of PUT /v1/resources/override.
type OverrideRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// HandleOverride sets or clears the priority override signal.
func HandleOverride(sup *supervisor.Supervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OverrideRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sup.SetOverrideSignal(c.Request.Context(), *req.Active)
		c.JSON(http.StatusOK, gin.H{"signal_override_active": *req.Active})
	}
}

// HandleSubmitReport accepts a lab report. Responds 202 with the report id.
func HandleSubmitReport(coord *reports.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var report datatypes.LabReport
		if err := c.ShouldBindJSON(&report); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if report.ID == "" {
			report.ID = uuid.NewString()
		}
		if err := coord.ReceiveReport(c.Request.Context(), report); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, backend.ErrInvalidArgument) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "id": report.ID})
	}
}

// HandleSynthesis returns the ranked digest. Query: max (default 10).
func HandleSynthesis(coord *reports.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := strconv.Atoi(c.DefaultQuery("max", "10"))
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max must be a non-negative integer"})
			return
		}
		c.JSON(http.StatusOK, coord.Synthesize(c.Request.Context(), n))
	}
}

// RegimeRequest is the body of PUT /v1/regime.
type RegimeRequest struct {
	Regime string `json:"regime" binding:"required"`
}

// HandleSetRegime updates the shared regime classification. Labels are
// normalized to upper case.
func HandleSetRegime(coord *reports.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegimeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		regime, err := validation.SanitizeRegime(req.Regime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := coord.SetRegime(c.Request.Context(), regime); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"regime": coord.Regime()})
	}
}

// HealthCheck reports liveness and backend connectivity. It always
// responds 200; a disconnected backend is a degraded mode, not a failure.
func HealthCheck(b backend.Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":            "ok",
			"backend_mode":      b.Mode().String(),
			"backend_connected": b.IsConnected(c.Request.Context()),
		})
	}
}
