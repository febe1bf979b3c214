// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package httpapi assembles the gin engine: route groups layered by auth
// requirement then by resource, mirroring the teacher's routes.SetupRoutes,
// with a centralized apierr.ErrorHandler standing in for its per-handler
// AbortWithStatusJSON calls.
package httpapi

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/llmlb/llmlb/internal/admission"
	"github.com/llmlb/llmlb/internal/auth"
	"github.com/llmlb/llmlb/internal/config"
	"github.com/llmlb/llmlb/internal/httpapi/apierr"
	"github.com/llmlb/llmlb/internal/manifest"
	"github.com/llmlb/llmlb/internal/metrics"
	"github.com/llmlb/llmlb/internal/registry"
	"github.com/llmlb/llmlb/internal/router"
	"github.com/llmlb/llmlb/internal/stats"
	"github.com/llmlb/llmlb/internal/storage"
	"github.com/llmlb/llmlb/internal/update"
)

// Server bundles every dependency the route handlers close over.
type Server struct {
	cfg       *config.Config
	auth      *auth.Gate
	registry  *registry.Registry
	router    *router.Router
	store     storage.Store
	manifests *manifest.Registry
	stats     *stats.Aggregator
	update    *update.Controller
	queue     *admission.Queue
	metrics   *metrics.Registry
}

// New builds a Server; call Engine to get the assembled *gin.Engine.
func New(cfg *config.Config, gate *auth.Gate, reg *registry.Registry, rtr *router.Router, store storage.Store, manifests *manifest.Registry, statsAgg *stats.Aggregator, updateCtrl *update.Controller, queue *admission.Queue, metricsReg *metrics.Registry) *Server {
	return &Server{
		cfg:       cfg,
		auth:      gate,
		registry:  reg,
		router:    rtr,
		store:     store,
		manifests: manifests,
		stats:     statsAgg,
		update:    updateCtrl,
		queue:     queue,
		metrics:   metricsReg,
	}
}

func (s *Server) logStatsErr(err error) {
	slog.Error("recording request statistics failed", "error", err)
}

// Engine assembles the gin.Engine: global middleware first (recovery,
// otelgin tracing, centralized error rendering), then route groups by
// auth requirement.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(apierr.Recover())
	r.Use(otelgin.Middleware("llmlb"))
	r.Use(apierr.ErrorHandler())

	r.GET("/health", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	r.GET("/api/metrics/cloud", requireAPIKey(s.auth, ScopeMetricsRO), metricsHandler())

	s.registerV1(r)
	s.registerAuthRoutes(r)
	s.registerEndpointRoutes(r)
	s.registerDashboardRoutes(r)
	s.registerManifestRoutes(r)
	s.registerUpdateRoutes(r)

	return r
}

func (s *Server) registerV1(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.Use(s.drainGate())
	{
		v1.POST("/chat/completions", requireAPIKey(s.auth, ScopeInference), s.dispatchInference("/v1/chat/completions", storage.CapChatCompletion, storage.APIChatCompletions))
		v1.POST("/completions", requireAPIKey(s.auth, ScopeInference), s.dispatchInference("/v1/completions", storage.CapCompletion, storage.APICompletions))
		v1.POST("/embeddings", requireAPIKey(s.auth, ScopeInference), s.dispatchInference("/v1/embeddings", storage.CapEmbeddings, storage.APIEmbeddings))
		v1.POST("/responses", requireAPIKey(s.auth, ScopeInference), s.dispatchInference("/v1/responses", storage.CapResponsesAPI, storage.APIResponses))
		v1.POST("/audio/speech", requireAPIKey(s.auth, ScopeInference), s.dispatchInference("/v1/audio/speech", storage.CapAudioSpeech, storage.APIAudioSpeech))
		v1.POST("/audio/transcriptions", requireAPIKey(s.auth, ScopeInference), s.dispatchInference("/v1/audio/transcriptions", storage.CapAudioTranscription, storage.APIAudioTranscribe))
		v1.POST("/images/generations", requireAPIKey(s.auth, ScopeInference), s.dispatchInference("/v1/images/generations", storage.CapImageGeneration, storage.APIImages))
		v1.POST("/images/edits", requireAPIKey(s.auth, ScopeInference), s.dispatchInference("/v1/images/edits", storage.CapImageGeneration, storage.APIImages))
		v1.POST("/images/variations", requireAPIKey(s.auth, ScopeInference), s.dispatchInference("/v1/images/variations", storage.CapImageGeneration, storage.APIImages))

		v1.GET("/models", requireAPIKey(s.auth, ScopeModelsRead), s.listModels)
		v1.GET("/models/:id", requireAPIKey(s.auth, ScopeModelsRead), s.getModel)
	}
}

func (s *Server) registerAuthRoutes(r *gin.Engine) {
	a := r.Group("/api/auth")
	{
		a.POST("/login", s.login)
		a.POST("/logout", requireSession(s.auth), requireCSRF(), s.logout)
		a.GET("/me", requireSession(s.auth), s.me)
	}
}

func (s *Server) registerEndpointRoutes(r *gin.Engine) {
	e := r.Group("/api/endpoints")
	{
		e.GET("", requireSessionOrAPIKey(s.auth, ScopeEndpointsRO), s.listEndpoints)
		e.GET("/:id", requireSessionOrAPIKey(s.auth, ScopeEndpointsRO), s.getEndpoint)
		e.POST("", requireSessionOrAPIKey(s.auth, ScopeEndpointsRW), requireCSRF(), s.createEndpoint)
		e.PUT("/:id", requireSessionOrAPIKey(s.auth, ScopeEndpointsRW), requireCSRF(), s.updateEndpoint)
		e.DELETE("/:id", requireSessionOrAPIKey(s.auth, ScopeEndpointsRW), requireCSRF(), s.deleteEndpoint)
		e.POST("/:id/test", requireSessionOrAPIKey(s.auth, ScopeEndpointsRW), requireCSRF(), s.testEndpoint)
		e.POST("/:id/sync", requireSessionOrAPIKey(s.auth, ScopeEndpointsRW), requireCSRF(), s.syncEndpoint)
		e.POST("/:id/download", requireSessionOrAPIKey(s.auth, ScopeEndpointsRW), requireCSRF(), s.downloadEndpoint)
	}
}

func (s *Server) registerDashboardRoutes(r *gin.Engine) {
	d := r.Group("/api/dashboard")
	d.Use(requireSession(s.auth))
	{
		d.GET("/summary", s.dashboardSummary)
		d.GET("/audit", s.searchAuditLog)

		d.GET("/api-keys", s.listAPIKeys)
		d.POST("/api-keys", requireCSRF(), s.issueAPIKey)
		d.DELETE("/api-keys/:id", requireCSRF(), s.deleteAPIKey)

		admin := d.Group("")
		admin.Use(requireAdmin())
		{
			admin.GET("/users", s.listUsers)
			admin.DELETE("/users/:id", requireCSRF(), s.deleteUser)
		}
	}
}

func (s *Server) registerManifestRoutes(r *gin.Engine) {
	m := r.Group("/api/models/registry")
	{
		m.GET("/:name/manifest.json", requireAPIKey(s.auth, ScopeRegistryRO), s.getManifest)
		m.PUT("/:name/manifest.json", requireSessionOrAPIKey(s.auth, ScopeEndpointsRW), requireCSRF(), s.registerManifest)
	}
}

func (s *Server) registerUpdateRoutes(r *gin.Engine) {
	u := r.Group("/api/system/update")
	u.Use(requireSession(s.auth), requireAdmin())
	{
		u.GET("/schedule", s.updateStatus)
		u.POST("/schedule", requireCSRF(), s.scheduleUpdate)
		u.DELETE("/schedule", requireCSRF(), s.cancelUpdate)
		u.POST("/rollback", requireCSRF(), s.rollbackUpdate)
	}
}
