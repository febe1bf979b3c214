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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// doneSentinel is the trailing frame OpenAI-compatible servers emit to mark
// stream end, ahead of (or instead of) a connection close.
const doneSentinel = "[DONE]"

// chatChunk is the subset of an OpenAI-compatible streaming chunk the tap
// needs: the incremental content and, on the final chunk, usage.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// TapSSE copies body to w byte-accurately frame-by-frame while accumulating
// token usage, satisfying the token-accounting tap and the "SSE byte
// stream... equals the upstream byte stream restricted to data: frames"
// invariant. w is flushed after every frame so no buffering delays delivery.
func TapSSE(ctx context.Context, body io.Reader, w io.Writer, flush func()) (Usage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var usage Usage
	var textLen int

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			// The client already received a 200 and some frames; silently
			// dropping the connection here leaves it waiting on a stream
			// that will never complete. A terminal error frame at least
			// tells an OpenAI-compatible client the stream ended abnormally.
			writeSSEError(w, flush, ctx.Err())
			return usage, ctx.Err()
		default:
		}

		line := scanner.Text()
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return usage, err
		}
		if flush != nil {
			flush()
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == doneSentinel {
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
			usage.Estimated = false
			continue
		}
		for _, c := range chunk.Choices {
			textLen += len(c.Delta.Content)
		}
	}

	if usage.TotalTokens == 0 && textLen > 0 {
		// No final usage object was seen; estimate at ~4 characters/token,
		// the same rough heuristic the teacher's classifier budget logic uses.
		usage.CompletionTokens = int64(textLen) / 4
		usage.TotalTokens = usage.CompletionTokens
		usage.Estimated = true
	}

	return usage, scanner.Err()
}

// writeSSEError emits a terminal data: frame carrying cause, best-effort.
// It does not return an error: by the time it's called the stream is
// already failing, and a write error here would just mask the original one.
func writeSSEError(w io.Writer, flush func(), cause error) {
	_, _ = fmt.Fprintf(w, "data: {\"error\":{\"message\":%q,\"type\":\"upstream_timeout\"}}\n\n", cause.Error())
	if flush != nil {
		flush()
	}
}
