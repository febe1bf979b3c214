// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llmclient holds the wire-format types and translation helpers the
// Request Router uses to dispatch OpenAI-compatible calls to cloud vendors.
// It deliberately does not import any vendor SDK's HTTP client: retries,
// streaming and cancellation are the router's job, so only the request/
// response struct shapes are reused from the wider ecosystem.
package llmclient

// CloudProvider identifies a configured cloud vendor.
type CloudProvider string

const (
	ProviderOpenAI    CloudProvider = "openai"
	ProviderGoogle    CloudProvider = "google"
	ProviderAnthropic CloudProvider = "anthropic"
)

// cloudPrefixes maps the wire prefixes recognized on the model field to a
// provider, including the ahtnorpic: typo alias.
var cloudPrefixes = map[string]CloudProvider{
	"openai:":    ProviderOpenAI,
	"google:":    ProviderGoogle,
	"anthropic:": ProviderAnthropic,
	"ahtnorpic:": ProviderAnthropic,
}

// SplitCloudModel reports whether model carries a recognized cloud prefix
// and, if so, returns the provider and the model name with the prefix
// stripped.
func SplitCloudModel(model string) (provider CloudProvider, stripped string, ok bool) {
	for prefix, p := range cloudPrefixes {
		if len(model) > len(prefix) && model[:len(prefix)] == prefix {
			return p, model[len(prefix):], true
		}
	}
	return "", model, false
}

// GenerationParams are the sampling knobs common across vendors, grounded
// on the shape the teacher's services/llm clients already accept.
type GenerationParams struct {
	Temperature *float32
	TopP        *float32
	TopK        *int
	MaxTokens   *int
	Stop        []string
	Stream      bool
}

// StreamEventType distinguishes the frames emitted while tapping a
// streaming upstream response.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventDone  StreamEventType = "done"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one accounted unit of a streaming response, used by the
// token-accounting tap independent of the vendor wire format.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// Usage is the token accounting the tap produces for one request, whether
// read verbatim from a final `usage` object or estimated from accumulated
// text when the upstream omits it.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Estimated        bool
}
