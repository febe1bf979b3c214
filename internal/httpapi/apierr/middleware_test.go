// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(handler gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Recover(), ErrorHandler())
	r.GET("/t", handler)
	return r
}

// =============================================================================
// ErrorHandler
// =============================================================================

func TestErrorHandler_RendersEnvelopeForAbortedAPIError(t *testing.T) {
	r := newEngine(func(c *gin.Context) {
		Abort(c, Validation("bad_body", "missing field"))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "missing field", env.Error.Message)
	assert.Equal(t, "bad_body", env.Error.Code)
}

func TestErrorHandler_WrapsNonAPIErrorsAsInternal(t *testing.T) {
	r := newEngine(func(c *gin.Context) {
		Abort(c, errors.New("some plain error"))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, KindInternal, env.Error.Type)
	assert.Contains(t, env.Error.Message, "correlation id")
}

func TestErrorHandler_SetsRetryAfterHeaderForBackpressure(t *testing.T) {
	r := newEngine(func(c *gin.Context) {
		Abort(c, Backpressure(7))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "7", w.Header().Get("Retry-After"))
}

func TestErrorHandler_ForwardsUpstreamErrorBodyVerbatim(t *testing.T) {
	r := newEngine(func(c *gin.Context) {
		Abort(c, UpstreamForwarded(http.StatusTooManyRequests, `{"error":"rate limited upstream"}`))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"rate limited upstream"}`, w.Body.String())
}

func TestErrorHandler_NoOpWhenHandlerAlreadyWroteResponse(t *testing.T) {
	r := newEngine(func(c *gin.Context) {
		c.String(http.StatusTeapot, "already written")
		_ = c.Error(Internal(errors.New("ignored")))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "already written", w.Body.String())
}

// =============================================================================
// Recover
// =============================================================================

func TestRecover_ConvertsPanicToInternalEnvelope(t *testing.T) {
	r := newEngine(func(c *gin.Context) {
		panic("something broke")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t", nil)

	assert.NotPanics(t, func() {
		r.ServeHTTP(w, req)
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, KindInternal, env.Error.Type)
}
