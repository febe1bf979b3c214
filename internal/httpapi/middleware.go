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
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/llmlb/llmlb/internal/auth"
	"github.com/llmlb/llmlb/internal/httpapi/apierr"
	"github.com/llmlb/llmlb/internal/storage"
)

// Scope strings gate individual API-key-bearing routes; see auth.Gate's
// Permissions set on storage.APIKey.
const (
	ScopeInference   = "openai.inference"
	ScopeModelsRead  = "openai.models.read"
	ScopeEndpointsRW = "endpoints.manage"
	ScopeEndpointsRO = "endpoints.read"
	ScopeRegistryRO  = "registry.read"
	ScopeMetricsRO   = "metrics.read"
)

const (
	ctxActorType = "llmlb.actor_type"
	ctxActorID   = "llmlb.actor_id"
	ctxActorName = "llmlb.actor_username"
	ctxUserRole  = "llmlb.user_role"
)

// requireAPIKey authenticates the bearer/X-API-Key header and rejects the
// request unless it carries scope. A presented but unknown key is a 401;
// a known key lacking scope is a 403, matching the Auth Gate's split.
func requireAPIKey(gate *auth.Gate, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := auth.ExtractBearer(c.GetHeader("Authorization"), c.GetHeader("X-API-Key"))
		if presented == "" {
			apierr.Abort(c, apierr.Unauthorized("missing API key"))
			return
		}
		key, err := gate.AuthenticateAPIKey(c.Request.Context(), presented, scope)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrScopeDenied):
				apierr.Abort(c, apierr.Forbidden("API key lacks required scope"))
			case errors.Is(err, auth.ErrUnknownAPIKey), errors.Is(err, auth.ErrDebugKeyInRelease):
				apierr.Abort(c, apierr.Unauthorized("invalid API key"))
			default:
				apierr.Abort(c, apierr.Internal(err))
			}
			return
		}
		c.Set(ctxActorType, storage.ActorAPIKey)
		c.Set(ctxActorID, key.ID)
		c.Set(ctxActorName, "")
		c.Next()
	}
}

// requireSession authenticates the dashboard JWT session cookie. Mutating
// methods additionally require a matching CSRF header via requireCSRF.
func requireSession(gate *auth.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie, err := c.Cookie("llmlb_session")
		if err != nil || cookie == "" {
			apierr.Abort(c, apierr.Unauthorized("no session"))
			return
		}
		claims, err := gate.ValidateSession(cookie)
		if err != nil {
			apierr.Abort(c, apierr.Unauthorized("invalid or expired session"))
			return
		}
		c.Set(ctxActorType, storage.ActorUser)
		c.Set(ctxActorID, claims.UserID)
		c.Set(ctxActorName, claims.Username)
		c.Set(ctxUserRole, claims.Role)
		c.Next()
	}
}

// requireCSRF guards every mutating dashboard route. The double-submit
// token check alone only proves the caller can read the llmlb_csrf cookie;
// it doesn't stop a cross-origin page from replaying a valid token it
// phished another way, so it's paired with a same-origin check on Origin
// (preferred) or Referer.
func requireCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "GET" || c.Request.Method == "HEAD" {
			c.Next()
			return
		}
		if !sameOrigin(c.Request) {
			apierr.Abort(c, apierr.Forbidden("cross-origin request rejected"))
			return
		}
		cookie, _ := c.Cookie("llmlb_csrf")
		header := c.GetHeader("X-CSRF-Token")
		if !auth.CheckCSRF(header, cookie) {
			apierr.Abort(c, apierr.Forbidden("missing or invalid CSRF token"))
			return
		}
		c.Next()
	}
}

// sameOrigin reports whether r names this same host in its Origin header,
// falling back to Referer when Origin is absent (older browsers on
// same-origin navigations). Neither header present is treated as
// cross-origin: a browser always sends at least one of the two on a
// state-changing fetch/form submission.
func sameOrigin(r *http.Request) bool {
	if origin := r.Header.Get("Origin"); origin != "" {
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
	if referer := r.Header.Get("Referer"); referer != "" {
		u, err := url.Parse(referer)
		return err == nil && u.Host == r.Host
	}
	return false
}

// requireAdmin rejects a valid session whose role is not admin; it must run
// after requireSession.
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get(ctxUserRole)
		if role != storage.RoleAdmin {
			apierr.Abort(c, apierr.Forbidden("admin role required"))
			return
		}
		c.Next()
	}
}

// requireSessionOrAPIKey accepts either a dashboard session or an API key
// carrying scope, for the /api/endpoints surface which both audiences use.
func requireSessionOrAPIKey(gate *auth.Gate, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cookie, err := c.Cookie("llmlb_session"); err == nil && cookie != "" {
			requireSession(gate)(c)
			return
		}
		requireAPIKey(gate, scope)(c)
	}
}

func actorFrom(c *gin.Context) (storage.ActorType, string, string) {
	actorType, _ := c.Get(ctxActorType)
	actorID, _ := c.Get(ctxActorID)
	actorName, _ := c.Get(ctxActorName)
	at, _ := actorType.(storage.ActorType)
	id, _ := actorID.(string)
	name, _ := actorName.(string)
	if at == "" {
		at = storage.ActorAnonymous
	}
	return at, id, name
}
