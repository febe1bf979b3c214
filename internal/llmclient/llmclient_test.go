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
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// SplitCloudModel
// =============================================================================

func TestSplitCloudModel_RecognizesEachConfiguredPrefix(t *testing.T) {
	cases := []struct {
		model    string
		provider CloudProvider
		stripped string
	}{
		{"openai:gpt-4o", ProviderOpenAI, "gpt-4o"},
		{"google:gemini-1.5-pro", ProviderGoogle, "gemini-1.5-pro"},
		{"anthropic:claude-3-opus", ProviderAnthropic, "claude-3-opus"},
		{"ahtnorpic:claude-3-opus", ProviderAnthropic, "claude-3-opus"},
	}
	for _, tc := range cases {
		provider, stripped, ok := SplitCloudModel(tc.model)
		assert.True(t, ok, tc.model)
		assert.Equal(t, tc.provider, provider, tc.model)
		assert.Equal(t, tc.stripped, stripped, tc.model)
	}
}

func TestSplitCloudModel_UnprefixedModelIsNotCloud(t *testing.T) {
	_, stripped, ok := SplitCloudModel("llama3:latest")

	assert.False(t, ok)
	assert.Equal(t, "llama3:latest", stripped)
}

func TestSplitCloudModel_BarePrefixWithNoModelNameIsNotCloud(t *testing.T) {
	_, _, ok := SplitCloudModel("openai:")
	assert.False(t, ok, "a prefix with nothing after it should not match")
}

// =============================================================================
// wire translation
// =============================================================================

func TestToOpenAIRequest_CarriesOptionalSamplingParams(t *testing.T) {
	temp := float32(0.7)
	maxTokens := 256
	req := ToOpenAIRequest("gpt-4o", []ChatMessage{{Role: "user", Content: "hi"}}, GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Stop:        []string{"\n"},
	})

	assert.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hi", req.Messages[0].Content)
	assert.Equal(t, temp, req.Temperature)
	assert.Equal(t, maxTokens, req.MaxTokens)
	assert.Equal(t, []string{"\n"}, req.Stop)
}

func TestToAnthropicRequest_LiftsSystemMessageToTopLevelField(t *testing.T) {
	req := ToAnthropicRequest("claude-3-opus", []ChatMessage{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}, GenerationParams{})

	assert.Equal(t, "be terse", req.System)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "hello", req.Messages[0].Content)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	assert.Equal(t, "hi there", req.Messages[1].Content)
}

func TestToAnthropicRequest_DefaultsMaxTokensWhenUnset(t *testing.T) {
	req := ToAnthropicRequest("claude-3-opus", nil, GenerationParams{})
	assert.Equal(t, 4096, req.MaxTokens)
}

// =============================================================================
// TapSSE
// =============================================================================

func TestTapSSE_CopiesFramesByteForByte(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n"
	var out strings.Builder

	_, err := TapSSE(context.Background(), strings.NewReader(body), &out, nil)

	require.NoError(t, err)
	assert.Contains(t, out.String(), `data: {"choices":[{"delta":{"content":"hi"}}]}`)
	assert.Contains(t, out.String(), "data: [DONE]")
}

func TestTapSSE_UsesFinalUsageObjectWhenPresent(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n" +
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5,\"total_tokens\":15}}\n" +
		"data: [DONE]\n"

	usage, err := TapSSE(context.Background(), strings.NewReader(body), &strings.Builder{}, nil)

	require.NoError(t, err)
	assert.EqualValues(t, 15, usage.TotalTokens)
	assert.False(t, usage.Estimated)
}

func TestTapSSE_EstimatesUsageWhenUpstreamOmitsIt(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"12345678\"}}]}\n" +
		"data: [DONE]\n"

	usage, err := TapSSE(context.Background(), strings.NewReader(body), &strings.Builder{}, nil)

	require.NoError(t, err)
	assert.True(t, usage.Estimated)
	assert.EqualValues(t, 2, usage.TotalTokens)
}

func TestTapSSE_StopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n"
	var out strings.Builder

	_, err := TapSSE(ctx, strings.NewReader(body), &out, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, out.String(), `"error"`, "a cancelled stream must still end with a terminal SSE error frame, not just an abrupt close")
}

func TestTapSSE_SkipsMalformedJSONFrameWithoutFailing(t *testing.T) {
	body := "data: {not valid json\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n"

	_, err := TapSSE(context.Background(), strings.NewReader(body), &strings.Builder{}, nil)

	assert.NoError(t, err)
}
