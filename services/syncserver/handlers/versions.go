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
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianSync/services/syncserver/chain"
	"github.com/AleutianAI/AleutianSync/services/syncserver/ledger"
	"github.com/AleutianAI/AleutianSync/services/syncserver/observability"
	"github.com/AleutianAI/AleutianSync/services/syncserver/protocol"
	"github.com/gin-gonic/gin"
)

// VersionService is what the handlers need from the chain service.
type VersionService interface {
	AddVersion(ctx context.Context, clientID ledger.ClientID, parentVersionID ledger.VersionID, historySegment []byte) (chain.AddVersionResult, error)
	GetChildVersion(ctx context.Context, clientID ledger.ClientID, parentVersionID ledger.VersionID) (chain.GetChildVersionResult, error)
}

func parseIDs(c *gin.Context, endpoint observability.Endpoint, metrics *observability.Metrics) (ledger.ClientID, ledger.VersionID, bool) {
	clientID, err := ledger.ParseClientID(c.Param("client_id"))
	if err != nil {
		metrics.RecordRequestError(endpoint, observability.ReasonBadClientID)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return ledger.ClientID{}, ledger.NoVersionID, false
	}
	parentVersionID, err := ledger.ParseVersionID(c.Param("parent_version_id"))
	if err != nil {
		metrics.RecordRequestError(endpoint, observability.ReasonBadVersionID)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return ledger.ClientID{}, ledger.NoVersionID, false
	}
	return clientID, parentVersionID, true
}

// AddVersion handles POST /client/:client_id/add-version/:parent_version_id.
//
// # Description
//
// Validates the request before any storage is touched: ids must parse, the
// content type must be protocol.HistorySegmentContentType (checked before
// the body is read), and the body must be non-empty and at most
// maxSegmentSize bytes.
// The body is read completely before the service is called.
//
// # Responses
//
//   - 200 with X-Version-Id: version accepted.
//   - 409 with X-Parent-Version-Id: parent was not the latest version.
//   - 400: malformed request.
//   - 500: storage failure.
func AddVersion(svc VersionService, maxSegmentSize int64, metrics *observability.Metrics) gin.HandlerFunc {
	if maxSegmentSize <= 0 {
		maxSegmentSize = protocol.DefaultMaxSegmentSize
	}
	return func(c *gin.Context) {
		const endpoint = observability.EndpointAddVersion

		clientID, parentVersionID, ok := parseIDs(c, endpoint, metrics)
		if !ok {
			return
		}

		if c.ContentType() != protocol.HistorySegmentContentType {
			metrics.RecordRequestError(endpoint, observability.ReasonBadContentType)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Bad content-type"})
			return
		}

		if c.Request.ContentLength > maxSegmentSize {
			metrics.RecordRequestError(endpoint, observability.ReasonBodyTooLarge)
			c.JSON(http.StatusBadRequest, gin.H{"error": "overflow"})
			return
		}

		segment, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSegmentSize+1))
		if err != nil {
			slog.Warn("failed to read history segment", "client_id", clientID.String(), "error", err)
			metrics.RecordRequestError(endpoint, observability.ReasonBodyRead)
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		if int64(len(segment)) > maxSegmentSize {
			metrics.RecordRequestError(endpoint, observability.ReasonBodyTooLarge)
			c.JSON(http.StatusBadRequest, gin.H{"error": "overflow"})
			return
		}
		if len(segment) == 0 {
			metrics.RecordRequestError(endpoint, observability.ReasonEmptyBody)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Empty body"})
			return
		}

		result, err := svc.AddVersion(c.Request.Context(), clientID, parentVersionID, segment)
		if err != nil {
			metrics.RecordRequestError(endpoint, observability.ReasonStorage)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		switch result.Outcome {
		case chain.Accepted:
			c.Header(protocol.VersionIDHeader, result.VersionID.String())
			c.Status(http.StatusOK)
		case chain.Conflict:
			c.Header(protocol.ParentVersionIDHeader, result.ExpectedParentVersionID.String())
			c.Status(http.StatusConflict)
		default:
			slog.Error("unknown add version outcome", "outcome", result.Outcome.String())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown outcome"})
		}
	}
}

// GetChildVersion handles GET /client/:client_id/get-child-version/:parent_version_id.
//
// Responds 200 with the child's history segment as the body, its id in
// X-Version-Id and its parent in X-Parent-Version-Id, or 404 when the parent
// has no child yet.
func GetChildVersion(svc VersionService, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		const endpoint = observability.EndpointGetChildVersion

		clientID, parentVersionID, ok := parseIDs(c, endpoint, metrics)
		if !ok {
			return
		}

		result, err := svc.GetChildVersion(c.Request.Context(), clientID, parentVersionID)
		if err != nil {
			metrics.RecordRequestError(endpoint, observability.ReasonStorage)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !result.Found {
			c.JSON(http.StatusNotFound, gin.H{"error": "no child version"})
			return
		}

		c.Header(protocol.VersionIDHeader, result.Version.ID.String())
		c.Header(protocol.ParentVersionIDHeader, result.Version.ParentVersionID.String())
		c.Data(http.StatusOK, protocol.HistorySegmentContentType, result.Version.HistorySegment)
	}
}

// HealthCheck handles GET /health.
func HealthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
