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
	"log/slog"

	"github.com/AleutianAI/AleutianSync/services/syncserver/handlers"
	"github.com/AleutianAI/AleutianSync/services/syncserver/middleware"
	"github.com/AleutianAI/AleutianSync/services/syncserver/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Dependencies are the components the routes are wired to.
type Dependencies struct {
	Service handlers.VersionService

	// Metrics may be nil.
	Metrics *observability.Metrics

	// Gatherer serves /metrics. Nil leaves /metrics unregistered.
	Gatherer prometheus.Gatherer

	// MaxSegmentSize of zero means protocol.DefaultMaxSegmentSize.
	MaxSegmentSize int64

	Logger *slog.Logger

	// Limiter applies to the /client routes only. Nil disables limiting.
	Limiter *rate.Limiter
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", handlers.HealthCheck())
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	client := router.Group("/client/:client_id")
	client.Use(
		middleware.RateLimit(deps.Limiter, deps.Metrics),
		middleware.RequestLogger(deps.Logger),
	)
	{
		client.POST("/add-version/:parent_version_id",
			handlers.AddVersion(deps.Service, deps.MaxSegmentSize, deps.Metrics))
		client.GET("/get-child-version/:parent_version_id",
			handlers.GetChildVersion(deps.Service, deps.Metrics))
	}
}
