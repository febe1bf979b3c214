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
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Abort stashes err on the gin context and stops the handler chain;
// ErrorHandler (registered once, ahead of every route group) renders it.
func Abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// ErrorHandler converts whatever error a handler attached via Abort into
// the canonical envelope. It must be registered before any route is
// matched so it sees every abort, mirroring the teacher's
// AbortWithStatusJSON calls but centralized into one place.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		var apiErr *Error
		if !errors.As(err, &apiErr) {
			apiErr = Internal(err)
		}

		if apiErr.Kind == KindInternal {
			correlationID := uuid.NewString()
			slog.Error("internal error", "correlation_id", correlationID, "error", apiErr.Error())
			apiErr.Message = fmt.Sprintf("internal error (correlation id %s)", correlationID)
		}
		if apiErr.Kind == KindBackpressure && apiErr.RetryAfter > 0 {
			c.Header("Retry-After", fmt.Sprintf("%d", apiErr.RetryAfter))
		}
		if apiErr.Kind == KindUpstreamError {
			c.Data(apiErr.HTTPStatus(), "application/json", []byte(apiErr.Message))
			return
		}
		c.JSON(apiErr.HTTPStatus(), apiErr.Envelope())
	}
}

// Recover replaces gin.Recovery with one that renders the same envelope a
// handler-returned error would, instead of gin's default plain-text panic
// page.
func Recover() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		slog.Error("panic recovered", "value", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, Internal(fmt.Errorf("%v", recovered)).Envelope())
	})
}
