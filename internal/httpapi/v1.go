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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmlb/llmlb/internal/httpapi/apierr"
	"github.com/llmlb/llmlb/internal/router"
	"github.com/llmlb/llmlb/internal/storage"
)

const maxRequestBodyBytes = 32 * 1024 * 1024

// drainGate refuses new /v1/* calls with 503+Retry-After while the Update
// Controller is draining, satisfying the draining-state invariant without
// the router needing to know the update controller exists.
func (s *Server) drainGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := s.update.BeginRequest()
		if !ok {
			c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
			apierr.Abort(c, apierr.Backpressure(int(retryAfter.Seconds())))
			return
		}
		if s.metrics != nil {
			s.metrics.InflightRequests.Inc()
			defer s.metrics.InflightRequests.Dec()
		}
		defer s.update.EndRequest()
		c.Next()
	}
}

// dispatchInference is the shared body for every /v1/* inferential route:
// it reads the body once, extracts model/stream, and hands off to the
// Router, recording one statistics sample alongside the router's own audit
// entry.
func (s *Server) dispatchInference(apiPath string, capability storage.Capability, kind storage.APIKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes))
		if err != nil {
			apierr.Abort(c, apierr.Validation("bad_body", "could not read request body"))
			return
		}

		var parsed struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.Model == "" {
			apierr.Abort(c, apierr.Validation("invalid_model", "request body must be JSON with a non-empty \"model\" field"))
			return
		}

		actorType, actorID, actorName := actorFrom(c)
		rc := router.RequestContext{
			ActorType:     actorType,
			ActorID:       actorID,
			ActorUsername: actorName,
			ClientIP:      c.ClientIP(),
			RequestPath:   c.FullPath(),
			HTTPMethod:    c.Request.Method,
		}

		err = s.router.Dispatch(c.Request.Context(), c.Writer, rc, apiPath, parsed.Model, parsed.Stream, body, capability, kind,
			func(endpointID, model string, k storage.APIKind, success bool, duration time.Duration, outputTokens int64) {
				if statErr := s.stats.Record(c.Request.Context(), endpointID, model, k, success, duration, outputTokens); statErr != nil {
					s.logStatsErr(statErr)
				}
				if s.metrics != nil {
					outcome := "success"
					if !success {
						outcome = "error"
					}
					s.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
				}
			})
		if err != nil && !c.Writer.Written() {
			apierr.Abort(c, classifyDispatchErr(err))
		}
	}
}

func classifyDispatchErr(err error) *apierr.Error {
	var upErr *router.UpstreamError
	switch {
	case err == router.ErrBadCloudRequest:
		return apierr.UpstreamUnavailable("cloud provider not configured")
	case err == router.ErrNoCandidates:
		return apierr.UpstreamUnavailable("no eligible endpoint online for this model")
	case err == router.ErrTenantRateLimited:
		return apierr.Backpressure(1)
	case errors.As(err, &upErr):
		if upErr.Timeout {
			return apierr.UpstreamTimeout(upErr.Error())
		}
		return apierr.UpstreamForwarded(upErr.Status, upErr.Body)
	default:
		return apierr.Internal(err)
	}
}

// listModels reports the union of models currently advertised by any online
// endpoint, in the Azure-style shape the spec's models list carries
// (a "capabilities" object plus a "ready" extension field).
func (s *Server) listModels(c *gin.Context) {
	endpoints, err := s.registry.List(c.Request.Context(), storage.EndpointFilter{Status: storage.StatusOnline})
	if err != nil {
		apierr.Abort(c, apierr.Internal(err))
		return
	}

	type modelOut struct {
		ID           string          `json:"id"`
		Object       string          `json:"object"`
		Capabilities json.RawMessage `json:"capabilities"`
		Ready        bool            `json:"ready"`
	}
	seen := make(map[string]bool)
	out := make([]modelOut, 0)
	for _, e := range endpoints {
		models, err := s.store.Endpoints().ListModels(c.Request.Context(), e.ID)
		if err != nil {
			continue
		}
		for _, m := range models {
			if seen[m.ModelID] {
				continue
			}
			seen[m.ModelID] = true
			caps, _ := json.Marshal(map[string]bool{
				string(storage.CapChatCompletion): m.Capabilities.Has(string(storage.CapChatCompletion)),
				string(storage.CapEmbeddings):     m.Capabilities.Has(string(storage.CapEmbeddings)),
				string(storage.CapVision):          m.Capabilities.Has(string(storage.CapVision)),
			})
			out = append(out, modelOut{ID: m.ModelID, Object: "model", Capabilities: caps, Ready: true})
		}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": out})
}

func (s *Server) getModel(c *gin.Context) {
	id := c.Param("id")
	endpoints, err := s.registry.List(c.Request.Context(), storage.EndpointFilter{Status: storage.StatusOnline, ModelID: id})
	if err != nil {
		apierr.Abort(c, apierr.Internal(err))
		return
	}
	if len(endpoints) == 0 {
		apierr.Abort(c, apierr.NotFound("model"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "object": "model", "ready": true})
}
