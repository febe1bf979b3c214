// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apierr centralizes the HTTP error taxonomy: one Error type
// carries enough to render the canonical {"error":{"message","type","code"}}
// envelope, instead of every handler building its own gin.H.
package apierr

import (
	"fmt"
	"net/http"
)

// Kind is one bucket of the error taxonomy; each maps to exactly one HTTP
// status except Auth, which is 401 or 403 depending on Error.Status, and
// UpstreamError, which forwards whatever status the upstream itself returned.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindAuth               Kind = "auth_error"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindBackpressure       Kind = "backpressure"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamTimeout    Kind = "upstream_timeout"
	KindUpstreamError      Kind = "upstream_error"
	KindInternal           Kind = "internal_error"
)

// Error is the type handlers return (or pass to Abort) to get a uniform
// envelope and status code out of ErrorHandler.
type Error struct {
	Kind       Kind
	Message    string
	Code       string
	Status     int   // only meaningful for KindUpstreamError/KindAuth, which don't have a single fixed status
	RetryAfter int   // seconds; set for KindBackpressure
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) *Error { return New(KindValidation, code, message) }

func Unauthorized(message string) *Error {
	return &Error{Kind: KindAuth, Code: "unauthorized", Message: message, Status: http.StatusUnauthorized}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindAuth, Code: "forbidden", Message: message, Status: http.StatusForbidden}
}

func NotFound(resource string) *Error {
	return New(KindNotFound, "not_found", resource+" not found")
}

func Conflict(message string) *Error {
	return New(KindConflict, "conflict", message)
}

func Backpressure(retryAfter int) *Error {
	return &Error{Kind: KindBackpressure, Code: "queue_full", Message: "admission queue full", RetryAfter: retryAfter}
}

func UpstreamUnavailable(message string) *Error {
	return New(KindUpstreamUnavailable, "upstream_unavailable", message)
}

func UpstreamTimeout(message string) *Error {
	return New(KindUpstreamTimeout, "upstream_timeout", message)
}

// UpstreamForwarded wraps an upstream 4xx/5xx response that should be
// relayed to the caller verbatim rather than re-shaped into the envelope.
func UpstreamForwarded(status int, body string) *Error {
	return &Error{Kind: KindUpstreamError, Code: "upstream_error", Message: body, Status: status}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: "internal error", Cause: err}
}

// HTTPStatus resolves the status code ErrorHandler should write.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		if e.Status != 0 {
			return e.Status
		}
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBackpressure:
		return http.StatusServiceUnavailable
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		if e.Status != 0 {
			return e.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the exact JSON shape every error response carries.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Message string `json:"message"`
	Type    Kind   `json:"type"`
	Code    string `json:"code"`
}

func (e *Error) Envelope() Envelope {
	msg := e.Message
	if msg == "" {
		msg = e.Error()
	}
	return Envelope{Error: EnvelopeBody{Message: msg, Type: e.Kind, Code: e.Code}}
}
