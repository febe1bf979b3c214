// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmlb/llmlb/internal/httpapi/apierr"
	"github.com/llmlb/llmlb/internal/storage"
)

// dashboardSummary reports one day's throughput (today by default) across
// every registered endpoint, the shape the dashboard's landing page renders.
func (s *Server) dashboardSummary(c *gin.Context) {
	date := c.DefaultQuery("date", time.Now().UTC().Format("2006-01-02"))
	endpoints, err := s.registry.List(c.Request.Context(), storage.EndpointFilter{})
	if err != nil {
		apierr.Abort(c, apierr.Internal(err))
		return
	}

	type row struct {
		EndpointID string  `json:"endpoint_id"`
		Name       string  `json:"name"`
		Status     string  `json:"status"`
		Requests   int64   `json:"requests"`
		Tokens     int64   `json:"tokens"`
		TPS        float64 `json:"tokens_per_second"`
	}
	rows := make([]row, 0, len(endpoints))
	for _, e := range endpoints {
		tp, err := s.stats.EndpointThroughput(c.Request.Context(), e.ID, date)
		if err != nil {
			continue
		}
		rows = append(rows, row{
			EndpointID: e.ID,
			Name:       e.Name,
			Status:     string(e.Status),
			Requests:   tp.TotalRequests,
			Tokens:     tp.TotalTokens,
			TPS:        tp.TPS,
		})
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "endpoints": rows, "queue_depth": s.queue.Depth()})
}

// searchAuditLog exposes the Audit Writer's FTS5-backed search for the
// dashboard's activity view.
func (s *Server) searchAuditLog(c *gin.Context) {
	query := c.Query("q")
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.store.AuditLog().Search(c.Request.Context(), query, limit)
	if err != nil {
		apierr.Abort(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

type issueAPIKeyRequest struct {
	Permissions []string `json:"permissions" binding:"required"`
}

// issueAPIKey mints a credential for the calling admin, returning the
// plaintext key exactly once.
func (s *Server) issueAPIKey(c *gin.Context) {
	var req issueAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Abort(c, apierr.Validation("invalid_body", "permissions is required"))
		return
	}
	_, userID, _ := actorFrom(c)
	plaintext, rec, err := s.auth.IssueAPIKey(c.Request.Context(), userID, storage.NewStringSet(req.Permissions...), nil)
	if err != nil {
		apierr.Abort(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"api_key": plaintext, "id": rec.ID, "permissions": rec.Permissions.Slice()})
}

func (s *Server) listAPIKeys(c *gin.Context) {
	_, userID, _ := actorFrom(c)
	keys, err := s.store.APIKeys().ListForOwner(c.Request.Context(), userID)
	if err != nil {
		apierr.Abort(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": keys})
}

func (s *Server) deleteAPIKey(c *gin.Context) {
	if err := s.store.APIKeys().Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondStoreErr(c, err, "api key")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteUser(c *gin.Context) {
	if err := s.auth.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			apierr.Abort(c, apierr.Conflict("cannot delete the last remaining admin"))
			return
		}
		s.respondStoreErr(c, err, "user")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listUsers(c *gin.Context) {
	users, err := s.store.Users().List(c.Request.Context())
	if err != nil {
		apierr.Abort(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": users})
}
