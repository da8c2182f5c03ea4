// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianSync/services/syncserver/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// =============================================================================
// RequestLogger
// =============================================================================

func TestRequestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := gin.New()
	r.Use(RequestLogger(logger))
	r.GET("/client/:client_id/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/client/:client_id/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/client/:client_id/fail", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/client/:client_id/conflict", func(c *gin.Context) { c.Status(http.StatusConflict) })

	t.Run("success logs at debug with client id", func(t *testing.T) {
		buf.Reset()
		serve(r, http.MethodGet, "/client/abc/ok")
		assert.Contains(t, buf.String(), `"level":"DEBUG"`)
		assert.Contains(t, buf.String(), `"client_id":"abc"`)
		assert.Contains(t, buf.String(), `"path":"/client/:client_id/ok"`)
	})

	t.Run("bad request logs at warn", func(t *testing.T) {
		buf.Reset()
		serve(r, http.MethodGet, "/client/abc/bad")
		assert.Contains(t, buf.String(), `"level":"WARN"`)
	})

	t.Run("server error logs at error", func(t *testing.T) {
		buf.Reset()
		serve(r, http.MethodGet, "/client/abc/fail")
		assert.Contains(t, buf.String(), `"level":"ERROR"`)
	})

	t.Run("conflict is routine", func(t *testing.T) {
		buf.Reset()
		serve(r, http.MethodGet, "/client/abc/conflict")
		assert.Contains(t, buf.String(), `"level":"DEBUG"`)
	})
}

func TestRequestLogger_NilLogger(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger(nil))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.NotPanics(t, func() { serve(r, http.MethodGet, "/x") })
}

// =============================================================================
// RateLimit
// =============================================================================

func TestRateLimit_RejectsWhenExhausted(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	r := gin.New()
	r.Use(RateLimit(rate.NewLimiter(rate.Every(1e12), 2), m))
	r.POST("/add", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/add").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/add").Code)

	w := serve(r, http.MethodPost, "/add")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestErrorsTotal.WithLabelValues("add_version", "rate_limited")))
}

func TestRateLimit_NilLimiterAllowsAll(t *testing.T) {
	r := gin.New()
	r.Use(RateLimit(nil, nil))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 50; i++ {
		assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/x").Code)
	}
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0, 10))
	assert.Nil(t, NewLimiter(-1, 10))

	l := NewLimiter(5, 0)
	if assert.NotNil(t, l) {
		assert.Equal(t, rate.Limit(5), l.Limit())
		assert.Equal(t, 1, l.Burst())
	}
}
