// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the producer-facing HTTP API.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/labcoord/pkg/validation"
	"github.com/AleutianAI/labcoord/services/coordinator/backend"
	"github.com/AleutianAI/labcoord/services/coordinator/supervisor"
)

// SubmitTaskRequest is the body of POST /v1/tasks.
type SubmitTaskRequest struct {
	TaskType string         `json:"task_type" binding:"required"`
	Payload  map[string]any `json:"payload"`
}

// HandleSubmitTask accepts a task for the analysis queue.
//
// Responds 202 when the task reached the backend or the fallback store,
// 400 for a malformed request, and 500 when the task was lost.
func HandleSubmitTask(sup *supervisor.Supervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubmitTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		err := sup.SubmitTask(c.Request.Context(), req.TaskType, req.Payload)
		switch {
		case err == nil:
			c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "task_type": req.TaskType})
		case errors.Is(err, backend.ErrInvalidArgument):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, supervisor.ErrTaskLost):
			slog.Error("task lost", "task_type", req.TaskType, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "task could not be stored"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

// HandleAcquireLock claims the named resource. The TTL comes from the
// ttl_seconds query parameter (default 30).
//
// Responds 200 when granted and 409 when held elsewhere or the backend
// cannot be reached.
func HandleAcquireLock(sup *supervisor.Supervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if err := validation.ValidateResourceName(name); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ttlSeconds, err := strconv.Atoi(c.DefaultQuery("ttl_seconds", "30"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ttl_seconds must be an integer"})
			return
		}

		ok, err := sup.AcquireResourceLock(c.Request.Context(), name, time.Duration(ttlSeconds)*time.Second)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"resource": name, "acquired": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"resource": name, "acquired": true, "ttl_seconds": ttlSeconds})
	}
}

// HandleReleaseLock drops the claim on the named resource.
func HandleReleaseLock(sup *supervisor.Supervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if err := validation.ValidateResourceName(name); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := sup.ReleaseResourceLock(c.Request.Context(), name); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// HandleFallbackStats returns the fallback store's row counts.
func HandleFallbackStats(sup *supervisor.Supervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := sup.FallbackStats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}
