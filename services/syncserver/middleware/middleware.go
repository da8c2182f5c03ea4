// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the sync server.
//
//	Request
//	   │
//	   ▼
//	RateLimit ──► 429 when the token bucket is empty
//	   │
//	   ▼
//	RequestLogger ──► one log line per request
//	   │
//	   ▼
//	Handler
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianSync/services/syncserver/observability"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// =============================================================================
// Request Logging
// =============================================================================

// RequestLogger logs every request after it completes.
//
// # Description
//
// Logs method, route, status, latency, and the client id path parameter if
// present. Server errors are logged at Error, client errors at Warn, and
// everything else at Debug so steady sync traffic stays quiet.
//
// # Inputs
//
//   - logger: Destination. Nil uses slog.Default().
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if clientID := c.Param("client_id"); clientID != "" {
			attrs = append(attrs, "client_id", clientID)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request failed", attrs...)
		case status >= http.StatusBadRequest && status != http.StatusConflict && status != http.StatusNotFound:
			logger.Warn("request rejected", attrs...)
		default:
			logger.Debug("request handled", attrs...)
		}
	}
}

// =============================================================================
// Rate Limiting
// =============================================================================

// RateLimit rejects requests with 429 once the shared token bucket is empty.
//
// # Inputs
//
//   - limiter: Token bucket. Nil disables limiting.
//   - metrics: Counts rejections. May be nil.
//
// # Limitations
//
//   - One bucket for the whole server, not per client
func RateLimit(limiter *rate.Limiter, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || limiter.Allow() {
			c.Next()
			return
		}
		metrics.RecordRequestError(endpointFor(c), observability.ReasonRateLimited)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
}

// NewLimiter builds a limiter from requests per second and burst. A
// non-positive rps returns nil, which RateLimit treats as unlimited.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func endpointFor(c *gin.Context) observability.Endpoint {
	if c.Request.Method == http.MethodGet {
		return observability.EndpointGetChildVersion
	}
	return observability.EndpointAddVersion
}
