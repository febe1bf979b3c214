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

	"github.com/gin-gonic/gin"

	"github.com/llmlb/llmlb/internal/httpapi/apierr"
	"github.com/llmlb/llmlb/internal/storage"
)

type createEndpointRequest struct {
	Name         string              `json:"name" binding:"required"`
	BaseURL      string              `json:"base_url" binding:"required"`
	APIKey       string              `json:"api_key"`
	EndpointType storage.EndpointType `json:"endpoint_type"`
}

func (s *Server) createEndpoint(c *gin.Context) {
	var req createEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Abort(c, apierr.Validation("invalid_body", "name and base_url are required"))
		return
	}
	e := &storage.Endpoint{
		Name:         req.Name,
		BaseURL:      req.BaseURL,
		EndpointType: req.EndpointType,
	}
	if req.APIKey != "" {
		e.APIKeyEncrypted = []byte(req.APIKey) // sealed in place by Registry.Create before persistence
	}
	if err := s.registry.Create(c.Request.Context(), e); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			apierr.Abort(c, apierr.Conflict("an endpoint with that name already exists"))
			return
		}
		apierr.Abort(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (s *Server) listEndpoints(c *gin.Context) {
	filter := storage.EndpointFilter{}
	if status := c.Query("status"); status != "" {
		filter.Status = storage.EndpointStatus(status)
	}
	endpoints, err := s.registry.List(c.Request.Context(), filter)
	if err != nil {
		apierr.Abort(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": endpoints})
}

func (s *Server) getEndpoint(c *gin.Context) {
	e, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreErr(c, err, "endpoint")
		return
	}
	c.JSON(http.StatusOK, e)
}

type updateEndpointRequest struct {
	Name                    string `json:"name"`
	BaseURL                 string `json:"base_url"`
	APIKey                  *string `json:"api_key"`
	HealthCheckIntervalSecs int    `json:"health_check_interval_secs"`
	InferenceTimeoutSecs    int    `json:"inference_timeout_secs"`
}

func (s *Server) updateEndpoint(c *gin.Context) {
	existing, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreErr(c, err, "endpoint")
		return
	}
	var req updateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Abort(c, apierr.Validation("invalid_body", "malformed update body"))
		return
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.BaseURL != "" {
		existing.BaseURL = req.BaseURL
	}
	if req.APIKey != nil {
		existing.APIKeyEncrypted = []byte(*req.APIKey)
	} else if len(existing.APIKeyEncrypted) > 0 {
		plain, err := s.registry.RevealAPIKey(existing)
		if err != nil {
			apierr.Abort(c, apierr.Internal(err))
			return
		}
		existing.APIKeyEncrypted = []byte(plain)
	}
	if req.HealthCheckIntervalSecs > 0 {
		existing.HealthCheckIntervalSecs = req.HealthCheckIntervalSecs
	}
	if req.InferenceTimeoutSecs > 0 {
		existing.InferenceTimeoutSecs = req.InferenceTimeoutSecs
	}
	if err := s.registry.Update(c.Request.Context(), existing); err != nil {
		apierr.Abort(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, existing)
}

func (s *Server) deleteEndpoint(c *gin.Context) {
	if err := s.registry.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondStoreErr(c, err, "endpoint")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) testEndpoint(c *gin.Context) {
	e, err := s.registry.Test(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreErr(c, err, "endpoint")
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) syncEndpoint(c *gin.Context) {
	models, err := s.registry.Sync(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreErr(c, err, "endpoint")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": models})
}

// downloadEndpoint resolves a model's manifest for the requesting runtime;
// the core only ever hands back file metadata, never proxies the weights
// themselves.
func (s *Server) downloadEndpoint(c *gin.Context) {
	modelName := c.Query("model")
	if modelName == "" {
		apierr.Abort(c, apierr.Validation("missing_model", "model query parameter is required"))
		return
	}
	m, err := s.manifests.Get(c.Request.Context(), modelName)
	if err != nil {
		s.respondStoreErr(c, err, "manifest")
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) respondStoreErr(c *gin.Context, err error, resource string) {
	if errors.Is(err, storage.ErrNotFound) {
		apierr.Abort(c, apierr.NotFound(resource))
		return
	}
	if errors.Is(err, storage.ErrConflict) {
		apierr.Abort(c, apierr.Conflict(resource+" conflict"))
		return
	}
	apierr.Abort(c, apierr.Internal(err))
}
