// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package anatomy

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all /v1/anatomy routes with the router.
//
// Description:
//
//	The router group should already have any required middleware applied.
//
// Endpoints:
//
//	POST   /v1/anatomy/analyze          - Extract an execution plan
//	POST   /v1/anatomy/simulate         - Simulate a source snippet or plan
//	GET    /v1/anatomy/simulate/stream  - Stream simulation snapshots (WebSocket)
//	GET    /v1/anatomy/plans            - List cached plans
//	GET    /v1/anatomy/plans/:hash      - Get a cached plan
//	DELETE /v1/anatomy/plans/:hash      - Delete a cached plan
//	GET    /v1/anatomy/health           - Health check
//	GET    /v1/anatomy/ready            - Readiness check
//
// Example:
//
//	svc := anatomy.NewService(cfg, anatomy.WithStore(plans))
//	handlers := anatomy.NewHandlers(svc)
//
//	v1 := router.Group("/v1")
//	anatomy.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	limit := BodyLimit(handlers.svc.cfg.Server.MaxRequestBytes)

	anatomy := rg.Group("/anatomy")
	{
		anatomy.POST("/analyze", limit, handlers.HandleAnalyze)
		anatomy.POST("/simulate", limit, handlers.HandleSimulate)
		anatomy.GET("/simulate/stream", handlers.HandleStream)

		anatomy.GET("/plans", handlers.HandleListPlans)
		anatomy.GET("/plans/:hash", handlers.HandleGetPlan)
		anatomy.DELETE("/plans/:hash", handlers.HandleDeletePlan)

		anatomy.GET("/health", handlers.HandleHealth)
		anatomy.GET("/ready", handlers.HandleReady)
	}
}

// BodyLimit caps request bodies at n bytes. Reads past the limit fail with
// *http.MaxBytesError, which handlers report as 413.
func BodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if n > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}
