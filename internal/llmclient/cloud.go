// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llmclient

import (
	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
)

// ChatMessage is the canonical envelope carried through the router before
// any provider-specific translation ("tagged variants with a shared
// envelope").
type ChatMessage struct {
	Role    string
	Content string
}

// ToOpenAIRequest builds the exact wire struct go-openai defines for
// /v1/chat/completions, reused here purely for its JSON field fidelity —
// the router issues the HTTP call itself rather than going through
// go-openai's client, so retries and cancellation stay under its control.
func ToOpenAIRequest(model string, messages []ChatMessage, params GenerationParams) openai.ChatCompletionRequest {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: out,
		Stream:   params.Stream,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	req.Stop = params.Stop
	return req
}

// ToLangchainMessages converts the canonical envelope into langchaingo's
// MessageContent schema, used as an intermediate representation for
// cross-vendor translation (Anthropic, Google) — only the message-schema
// types are used, not langchaingo's model-calling clients, so the router
// keeps its own retry/streaming/cancellation logic end to end.
func ToLangchainMessages(messages []ChatMessage) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case "system":
			role = llms.ChatMessageTypeSystem
		case "assistant":
			role = llms.ChatMessageTypeAI
		case "tool", "function":
			role = llms.ChatMessageTypeTool
		}
		out = append(out, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextContent{Text: m.Content}},
		})
	}
	return out
}

// anthropicMessage/anthropicRequest mirror the Anthropic Messages API wire
// shape; Anthropic has no OpenAI-compatible endpoint, so these are built by
// hand from the langchaingo-normalized message list rather than reused from
// any SDK (Anthropic has no dedicated client among the retrieved examples).
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
}

// ToAnthropicRequest translates the canonical envelope to Anthropic's wire
// format, lifting any system-role message into the top-level system field
// as Anthropic requires.
func ToAnthropicRequest(model string, messages []ChatMessage, params GenerationParams) anthropicChatRequest {
	req := anthropicChatRequest{Model: model, Stream: params.Stream, MaxTokens: 4096}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	for _, mc := range ToLangchainMessages(messages) {
		text := partsText(mc.Parts)
		switch mc.Role {
		case llms.ChatMessageTypeSystem:
			req.System = text
		case llms.ChatMessageTypeAI:
			req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: text})
		default:
			req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: text})
		}
	}
	return req
}

func partsText(parts []llms.ContentPart) string {
	var out string
	for _, p := range parts {
		if tc, ok := p.(llms.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}
