// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/labcoord/pkg/extensions"
	"github.com/AleutianAI/labcoord/services/coordinator/backend"
	"github.com/AleutianAI/labcoord/services/coordinator/handlers"
	"github.com/AleutianAI/labcoord/services/coordinator/middleware"
	"github.com/AleutianAI/labcoord/services/coordinator/reports"
	"github.com/AleutianAI/labcoord/services/coordinator/supervisor"
)

// SetupRoutes registers the coordinator API. A nil gatherer skips /metrics.
// /health and /metrics stay outside the authenticated group.
func SetupRoutes(router *gin.Engine, sup *supervisor.Supervisor, coord *reports.Coordinator,
	b backend.Backend, gatherer prometheus.Gatherer, opts extensions.ServiceOptions) {

	router.GET("/health", handlers.HealthCheck(b))
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts))
	{
		v1.POST("/tasks", handlers.HandleSubmitTask(sup))
		v1.POST("/reports", handlers.HandleSubmitReport(coord))
		v1.GET("/synthesis", handlers.HandleSynthesis(coord))
		v1.PUT("/regime", handlers.HandleSetRegime(coord))
		v1.GET("/events", handlers.HandleEventStream(b))
		v1.GET("/fallback/stats", handlers.HandleFallbackStats(sup))

		resources := v1.Group("/resources")
		{
			resources.GET("/state", handlers.HandleResourceState(sup))
			resources.GET("/admission", handlers.HandleAdmission(sup))
			resources.PUT("/override", handlers.HandleOverride(sup))
		}

		locks := v1.Group("/locks")
		{
			locks.POST("/:name", handlers.HandleAcquireLock(sup))
			locks.DELETE("/:name", handlers.HandleReleaseLock(sup))
		}
	}
}
