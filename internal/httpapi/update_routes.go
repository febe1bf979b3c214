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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmlb/llmlb/internal/httpapi/apierr"
	"github.com/llmlb/llmlb/internal/update"
)

func (s *Server) updateStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":          s.update.State(),
		"install_shape":  s.update.Shape(),
		"last_fail_reason": s.update.FailReason(),
	})
}

type scheduleUpdateRequest struct {
	Mode        string `json:"mode" binding:"required"` // immediate | on_idle | scheduled
	ScheduledAt string `json:"scheduled_at"`             // RFC3339, required when mode=scheduled
}

func (s *Server) scheduleUpdate(c *gin.Context) {
	var req scheduleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Abort(c, apierr.Validation("invalid_body", "mode is required"))
		return
	}

	var at time.Time
	mode := update.ApprovalMode(req.Mode)
	if mode == update.ApproveScheduled {
		parsed, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			apierr.Abort(c, apierr.Validation("invalid_scheduled_at", "scheduled_at must be RFC3339 when mode=scheduled"))
			return
		}
		at = parsed
	}

	if err := s.update.Approve(mode, at); err != nil {
		apierr.Abort(c, apierr.Validation("update_not_available", err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": s.update.State()})
}

func (s *Server) cancelUpdate(c *gin.Context) {
	if err := s.update.Cancel(); err != nil {
		apierr.Abort(c, apierr.Validation("nothing_scheduled", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.update.State()})
}

// rollbackUpdate reports the outcome of the most recent automatic rollback;
// the controller rolls back on its own when the swap or its health probe
// fails while applying, so this endpoint surfaces status rather than
// triggering anything.
func (s *Server) rollbackUpdate(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": s.update.State(), "reason": s.update.FailReason()})
}
