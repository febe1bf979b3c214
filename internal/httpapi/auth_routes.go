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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmlb/llmlb/internal/auth"
	"github.com/llmlb/llmlb/internal/httpapi/apierr"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Abort(c, apierr.Validation("invalid_body", "username and password are required"))
		return
	}

	token, csrf, expiresAt, err := s.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			apierr.Abort(c, apierr.Unauthorized("invalid username or password"))
			return
		}
		apierr.Abort(c, apierr.Internal(err))
		return
	}

	maxAge := int(time.Until(expiresAt).Seconds())
	secure := s.cfg.Host != "0.0.0.0" && s.cfg.Host != ""
	c.SetCookie("llmlb_session", token, maxAge, "/", "", secure, true)
	c.SetCookie("llmlb_csrf", csrf, maxAge, "/", "", secure, false)
	c.JSON(http.StatusOK, gin.H{"expires_at": expiresAt})
}

func (s *Server) logout(c *gin.Context) {
	c.SetCookie("llmlb_session", "", -1, "/", "", false, true)
	c.SetCookie("llmlb_csrf", "", -1, "/", "", false, false)
	c.Status(http.StatusNoContent)
}

func (s *Server) me(c *gin.Context) {
	actorType, actorID, actorName := actorFrom(c)
	role, _ := c.Get(ctxUserRole)
	c.JSON(http.StatusOK, gin.H{
		"actor_type": actorType,
		"user_id":    actorID,
		"username":   actorName,
		"role":       role,
	})
}
