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
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus_MapsEachKindToItsStatus(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want int
	}{
		{"validation", Validation("bad", "nope"), http.StatusBadRequest},
		{"auth default", Unauthorized("no token"), http.StatusUnauthorized},
		{"forbidden", Forbidden("nope"), http.StatusForbidden},
		{"not found", NotFound("endpoint"), http.StatusNotFound},
		{"conflict", Conflict("dup"), http.StatusConflict},
		{"backpressure", Backpressure(5), http.StatusServiceUnavailable},
		{"upstream unavailable", UpstreamUnavailable("down"), http.StatusServiceUnavailable},
		{"upstream timeout", UpstreamTimeout("slow"), http.StatusGatewayTimeout},
		{"upstream error default", UpstreamForwarded(0, "{}"), http.StatusBadGateway},
		{"upstream error forwarded", UpstreamForwarded(http.StatusTooManyRequests, "{}"), http.StatusTooManyRequests},
		{"internal", Internal(errors.New("boom")), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.HTTPStatus())
		})
	}
}

func TestError_StringIncludesCauseWhenPresent(t *testing.T) {
	withCause := Internal(errors.New("disk full"))
	assert.Contains(t, withCause.Error(), "disk full")

	withoutCause := NotFound("endpoint")
	assert.NotContains(t, withoutCause.Error(), "<nil>")
}

func TestError_UnwrapReturnsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Internal(cause)

	assert.ErrorIs(t, err, cause)
}

func TestEnvelope_FallsBackToErrorStringWhenMessageEmpty(t *testing.T) {
	err := &Error{Kind: KindInternal, Code: "internal_error"}

	env := err.Envelope()

	assert.NotEmpty(t, env.Error.Message)
	assert.Equal(t, KindInternal, env.Error.Type)
}

func TestEnvelope_UsesProvidedMessageVerbatim(t *testing.T) {
	err := NotFound("endpoint")

	env := err.Envelope()

	assert.Equal(t, "endpoint not found", env.Error.Message)
	assert.Equal(t, "not_found", env.Error.Code)
}
