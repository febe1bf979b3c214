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

	"github.com/gin-gonic/gin"

	"github.com/llmlb/llmlb/internal/httpapi/apierr"
	"github.com/llmlb/llmlb/internal/storage"
)

// getManifest serves GET /api/models/registry/{name}/manifest.json: the
// one place a runtime learns which files make up a model and where to
// fetch them, per the origin allowlist it enforces client-side. The core
// never proxies the weights themselves.
func (s *Server) getManifest(c *gin.Context) {
	m, err := s.manifests.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.respondStoreErr(c, err, "manifest")
		return
	}
	c.JSON(http.StatusOK, m)
}

type registerManifestRequest struct {
	Format     string `json:"format"`
	SourceRepo string `json:"source_repo"`
	Files      []struct {
		Name        string `json:"name"`
		Size        int64  `json:"size"`
		SHA256      string `json:"sha256"`
		DownloadURL string `json:"download_url"`
	} `json:"files" binding:"required"`
}

func (s *Server) registerManifest(c *gin.Context) {
	var req registerManifestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Abort(c, apierr.Validation("invalid_body", "files is required"))
		return
	}
	files := make([]storage.ManifestFile, len(req.Files))
	for i, f := range req.Files {
		files[i] = storage.ManifestFile{Name: f.Name, Size: f.Size, SHA256: f.SHA256, DownloadURL: f.DownloadURL}
	}
	m, err := s.manifests.Register(c.Request.Context(), c.Param("name"), storage.ManifestFormat(req.Format), files, req.SourceRepo)
	if err != nil {
		apierr.Abort(c, apierr.Validation("invalid_manifest", err.Error()))
		return
	}
	c.JSON(http.StatusCreated, m)
}
