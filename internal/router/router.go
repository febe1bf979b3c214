// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router is the Request Router façade: it resolves a
// request's model to either a cloud provider or a local endpoint, applies
// admission control and load scoring for local dispatch, retries transient
// upstream failures, and passes SSE streams through byte-accurately while
// tapping them for token accounting.
package router

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llmlb/llmlb/internal/admission"
	"github.com/llmlb/llmlb/internal/llmclient"
	"github.com/llmlb/llmlb/internal/scoring"
	"github.com/llmlb/llmlb/internal/storage"
)

// maxRetries bounds local-dispatch failover.
const maxRetries = 2

// maxCapturedBodyBytes bounds the request/response snapshot captured for
// audit detail.
const maxCapturedBodyBytes = 16 * 1024

// CloudCredentials is one configured cloud provider's dispatch target.
type CloudCredentials struct {
	BaseURL string
	APIKey  string
}

// CloudConfig holds the configured credentials per provider; a provider
// absent from the map cannot be dispatched to and yields UpstreamUnavailable.
type CloudConfig map[llmclient.CloudProvider]CloudCredentials

// EndpointLister is the subset of the registry the router needs to resolve
// local candidates for a model and recover an endpoint's credential just
// before dispatch.
type EndpointLister interface {
	List(ctx context.Context, filter storage.EndpointFilter) ([]*storage.Endpoint, error)
	Get(ctx context.Context, id string) (*storage.Endpoint, error)
	RevealAPIKey(e *storage.Endpoint) (string, error)
}

// LoadSampler supplies the live CPU/memory/active-request figures the Load
// Scorer needs; the Router does not itself know how endpoints report load.
// It takes the full endpoint rather than a bare ID because a meaningful
// sample depends on where the endpoint runs (BaseURL) and what it last
// self-reported (DeviceInfo), neither of which the sampler stores itself.
type LoadSampler interface {
	Sample(e *storage.Endpoint) (cpuPct, memPct float64, active int, lastUsed time.Time)
}

// AuditSink receives one entry per completed (or failed) inferential call.
// Sends must never block request handling; main wires in the Audit
// Writer's Submit, which drops the entry rather than block when its
// bounded buffer is full.
type AuditSink func(*storage.AuditLogEntry)

// Router ties the admission queue, load scorer and endpoint registry
// together behind the OpenAI-compatible façade.
type Router struct {
	endpoints EndpointLister
	load      LoadSampler
	scorer    *scoring.Scorer
	queue     *admission.Queue
	cloud     CloudConfig
	client    *http.Client
	audit     AuditSink

	active sync.Map // endpointID -> *atomic.Int64
}

func New(endpoints EndpointLister, load LoadSampler, scorer *scoring.Scorer, queue *admission.Queue, cloud CloudConfig, audit AuditSink) *Router {
	return &Router{
		endpoints: endpoints,
		load:      load,
		scorer:    scorer,
		queue:     queue,
		cloud:     cloud,
		client:    &http.Client{},
		audit:     audit,
	}
}

// SetLoadSampler wires the sampler after construction, which breaks the
// construction cycle when the sampler itself needs to query this Router's
// ActiveRequests (e.g. loadsampler.Sampler).
func (r *Router) SetLoadSampler(load LoadSampler) { r.load = load }

// ActiveRequests reports how many in-flight upstream calls are currently
// dispatched to endpointID, satisfying loadsampler.ActiveCounter.
func (r *Router) ActiveRequests(endpointID string) int {
	v, ok := r.active.Load(endpointID)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int64).Load())
}

func (r *Router) incActive(endpointID string) {
	counter, _ := r.active.LoadOrStore(endpointID, &atomic.Int64{})
	counter.(*atomic.Int64).Add(1)
}

func (r *Router) decActive(endpointID string) {
	counter, ok := r.active.Load(endpointID)
	if !ok {
		return
	}
	counter.(*atomic.Int64).Add(-1)
}

// RequestContext carries the per-call metadata the router needs for audit
// attribution, independent of the HTTP framework serving the route.
type RequestContext struct {
	ActorType     storage.ActorType
	ActorID       string
	ActorUsername string
	ClientIP      string
	RequestPath   string
	HTTPMethod    string
}

// ErrBadCloudRequest is returned when the cloud provider named by the
// model prefix has no configured credentials.
var ErrBadCloudRequest = errors.New("router: cloud provider not configured")

// ErrTenantRateLimited is returned when the requesting actor has exceeded
// its fair-share rate limit, independent of overall queue occupancy.
var ErrTenantRateLimited = admission.ErrTenantRateLimited

// ErrNoCandidates is returned when no online endpoint satisfies the
// requested model/capability.
var ErrNoCandidates = errors.New("router: no eligible endpoint for request")

// dispatchResult is the shared shape both cloud and local dispatch return,
// carrying everything Dispatch needs to build one audit entry and one
// statistics record regardless of which path served the request.
type dispatchResult struct {
	status     int
	usage      llmclient.Usage
	endpointID string
	// written is true once any response bytes (headers or body) have been
	// sent to the client for this attempt. A failure after written is true
	// must never be retried: issuing a second upstream call and relaying
	// its response on top of bytes the client already received would
	// corrupt the response rather than fail it cleanly.
	written bool
}

// UpstreamError carries the real upstream HTTP status (and, for a
// forwarded failure, its body) through the retry loop so the façade can
// render the actual outcome instead of collapsing every dispatch failure
// into a generic 500.
type UpstreamError struct {
	Status  int
	Body    string
	Timeout bool
}

func (e *UpstreamError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream timeout (status %d)", e.Status)
	}
	return fmt.Sprintf("upstream error %d: %s", e.Status, e.Body)
}

// StatsSink receives one throughput sample per completed (or failed) call,
// keyed the same way storage.Stats rollups are.
type StatsSink func(endpointID, model string, kind storage.APIKind, success bool, duration time.Duration, outputTokens int64)

// Dispatch resolves model to either a cloud provider or a local endpoint
// and forwards the request body, streaming the response back through w
// when stream is true. It implements the façade's cloud-prefix / local
// split and always calls r.audit exactly once, even on failure, as
// the final step — satisfying the "one audit entry per response" invariant.
func (r *Router) Dispatch(ctx context.Context, w http.ResponseWriter, rc RequestContext, apiPath, model string, stream bool, body []byte, capability storage.Capability, kind storage.APIKind, onStat StatsSink) error {
	start := time.Now()
	entry := &storage.AuditLogEntry{
		Timestamp:     start,
		HTTPMethod:    rc.HTTPMethod,
		RequestPath:   rc.RequestPath,
		ActorType:     rc.ActorType,
		ActorID:       rc.ActorID,
		ActorUsername: rc.ActorUsername,
		ClientIP:      rc.ClientIP,
		ModelName:     model,
	}

	if !r.queue.AllowTenant(rc.ActorID) {
		writeBackpressure(w, r.queue.RetryAfterSeconds())
		entry.StatusCode = http.StatusServiceUnavailable
		entry.Detail = captureDetail(body, ErrTenantRateLimited)
		if r.audit != nil {
			r.audit(entry)
		}
		return ErrTenantRateLimited
	}

	var result dispatchResult
	var dispatchErr error

	if provider, stripped, ok := llmclient.SplitCloudModel(model); ok {
		result, dispatchErr = r.dispatchCloud(ctx, w, provider, apiPath, stripped, stream, body)
		result.endpointID = "cloud:" + string(provider)
	} else {
		result, dispatchErr = r.dispatchLocal(ctx, w, apiPath, model, stream, body, capability)
	}

	duration := time.Since(start)
	entry.DurationMs = duration.Milliseconds()
	entry.StatusCode = result.status
	entry.EndpointID = result.endpointID
	entry.InputTokens = &result.usage.PromptTokens
	entry.OutputTokens = &result.usage.CompletionTokens
	entry.TotalTokens = &result.usage.TotalTokens
	entry.Detail = captureDetail(body, dispatchErr)
	if r.audit != nil {
		r.audit(entry)
	}
	if onStat != nil {
		onStat(result.endpointID, model, kind, dispatchErr == nil, duration, result.usage.CompletionTokens)
	}
	return dispatchErr
}

func captureDetail(body []byte, err error) string {
	snippet := body
	if len(snippet) > maxCapturedBodyBytes {
		// Opaque/large payloads are hashed rather than stored verbatim.
		sum := sha256.Sum256(body)
		snippet = []byte(fmt.Sprintf(`{"body_sha256":"%s","truncated":true}`, hex.EncodeToString(sum[:])))
	}
	if err != nil {
		return fmt.Sprintf(`{"request":%s,"error":%q}`, string(snippet), err.Error())
	}
	return fmt.Sprintf(`{"request":%s}`, string(snippet))
}

// --- cloud dispatch --------------------------------------------------------

// dispatchCloud translates the caller's OpenAI-compatible request body into
// each provider's own wire format via llmclient before forwarding, rather
// than just swapping the model field and hoping the shapes line up —
// Anthropic's Messages API in particular does not accept OpenAI's request
// shape at all.
func (r *Router) dispatchCloud(ctx context.Context, w http.ResponseWriter, provider llmclient.CloudProvider, apiPath, model string, stream bool, body []byte) (dispatchResult, error) {
	creds, ok := r.cloud[provider]
	if !ok || creds.APIKey == "" {
		return dispatchResult{status: http.StatusServiceUnavailable}, ErrBadCloudRequest
	}

	var incoming struct {
		Messages    []llmclient.ChatMessage `json:"messages"`
		Temperature *float32                `json:"temperature"`
		TopP        *float32                `json:"top_p"`
		MaxTokens   *int                    `json:"max_tokens"`
		Stop        []string                `json:"stop"`
	}
	if err := json.Unmarshal(body, &incoming); err != nil {
		return dispatchResult{status: http.StatusBadRequest}, fmt.Errorf("decoding request body: %w", err)
	}
	params := llmclient.GenerationParams{
		Temperature: incoming.Temperature,
		TopP:        incoming.TopP,
		MaxTokens:   incoming.MaxTokens,
		Stop:        incoming.Stop,
		Stream:      stream,
	}

	var rewritten []byte
	var err error
	switch provider {
	case llmclient.ProviderAnthropic:
		if apiPath != "/v1/chat/completions" {
			return dispatchResult{status: http.StatusBadRequest}, fmt.Errorf("anthropic dispatch: capability at %s is not supported", apiPath)
		}
		rewritten, err = json.Marshal(llmclient.ToAnthropicRequest(model, incoming.Messages, params))
		apiPath = "/v1/messages"
	default:
		// Google's Generative Language API and any other OpenAI-compatible
		// cloud target both take the same shape go-openai defines; only
		// Anthropic's Messages API needs its own translation.
		rewritten, err = json.Marshal(llmclient.ToOpenAIRequest(model, incoming.Messages, params))
	}
	if err != nil {
		return dispatchResult{status: http.StatusInternalServerError}, err
	}

	url := strings.TrimSuffix(creds.BaseURL, "/") + apiPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(rewritten))
	if err != nil {
		return dispatchResult{status: http.StatusInternalServerError}, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch provider {
	case llmclient.ProviderAnthropic:
		req.Header.Set("x-api-key", creds.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	case llmclient.ProviderGoogle:
		req.Header.Set("x-goog-api-key", creds.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return dispatchResult{status: http.StatusBadGateway}, &UpstreamError{Status: http.StatusBadGateway, Body: err.Error()}
	}
	defer resp.Body.Close()

	status, usage, written, err := relayResponse(ctx, w, resp, stream)
	return dispatchResult{status: status, usage: usage, written: written}, err
}

// --- local dispatch ----------------------------------------------------

func (r *Router) dispatchLocal(ctx context.Context, w http.ResponseWriter, apiPath, model string, stream bool, body []byte, capability storage.Capability) (dispatchResult, error) {
	release, err := r.queue.Acquire(ctx)
	if err != nil {
		if errors.Is(err, admission.ErrQueueFull) {
			writeBackpressure(w, r.queue.RetryAfterSeconds())
			return dispatchResult{status: http.StatusServiceUnavailable}, err
		}
		return dispatchResult{status: http.StatusInternalServerError}, err
	}
	defer release()

	candidates, err := r.candidatesFor(ctx, model, capability)
	if err != nil {
		return dispatchResult{status: http.StatusInternalServerError}, err
	}
	if len(candidates) == 0 {
		return dispatchResult{status: http.StatusServiceUnavailable}, ErrNoCandidates
	}

	var lastErr error
	var lastResult dispatchResult
	tried := make(map[string]bool)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		remaining := excludeTried(candidates, tried)
		if len(remaining) == 0 {
			break
		}
		pick, _ := r.scorer.Pick(remaining)
		if pick == nil {
			break
		}
		tried[pick.ID] = true

		r.incActive(pick.ID)
		result, err := r.issueUpstream(ctx, w, pick, apiPath, body, stream)
		r.decActive(pick.ID)
		result.endpointID = pick.ID
		if err == nil {
			return result, nil
		}
		lastErr, lastResult = err, result
		// Once any bytes of a response have reached the client, a retry
		// would issue a second upstream call and relay its output on top
		// of (or instead of) what the client already received — that
		// corrupts the response instead of cleanly failing it, so a
		// partially-written attempt is never retried regardless of error.
		if result.written || !isRetryable(err) {
			return result, err
		}
	}

	if lastErr == nil {
		lastErr = ErrNoCandidates
		lastResult = dispatchResult{status: http.StatusServiceUnavailable}
	}
	return lastResult, lastErr
}

func (r *Router) candidatesFor(ctx context.Context, model string, capability storage.Capability) ([]scoring.Candidate, error) {
	endpoints, err := r.endpoints.List(ctx, storage.EndpointFilter{
		Status:     storage.StatusOnline,
		Capability: capability,
		ModelID:    model,
	})
	if err != nil {
		return nil, err
	}
	out := make([]scoring.Candidate, 0, len(endpoints))
	for _, e := range endpoints {
		cpu, mem, active, lastUsed := 0.0, 0.0, 0, time.Time{}
		if r.load != nil {
			cpu, mem, active, lastUsed = r.load.Sample(e)
		}
		out = append(out, scoring.Candidate{Endpoint: e, CPUUsagePct: cpu, MemoryUsagePct: mem, ActiveRequests: active, LastUsed: lastUsed})
	}
	return scoring.Eligible(time.Now(), out), nil
}

func excludeTried(candidates []scoring.Candidate, tried map[string]bool) []scoring.Candidate {
	out := make([]scoring.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !tried[c.Endpoint.ID] {
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) issueUpstream(ctx context.Context, w http.ResponseWriter, e *storage.Endpoint, apiPath string, body []byte, stream bool) (dispatchResult, error) {
	timeout := time.Duration(e.InferenceTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimSuffix(e.BaseURL, "/") + apiPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return dispatchResult{status: http.StatusInternalServerError}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key, err := r.endpoints.RevealAPIKey(e); err == nil && key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return dispatchResult{status: http.StatusGatewayTimeout}, &UpstreamError{Status: http.StatusGatewayTimeout, Body: err.Error(), Timeout: true}
		}
		return dispatchResult{status: http.StatusBadGateway}, &UpstreamError{Status: http.StatusBadGateway, Body: err.Error()}
	}
	defer resp.Body.Close()

	status, usage, written, err := relayResponse(ctx, w, resp, stream)
	return dispatchResult{status: status, usage: usage, written: written}, err
}

// isRetryable treats any connection failure or 5xx as transient. It is a
// secondary check: dispatchLocal's retry loop gates primarily on whether
// the previous attempt already wrote response bytes, which this function
// cannot see.
func isRetryable(err error) bool {
	return err != nil
}

// relayResponse copies resp through to w, tapping the body for token usage.
// The returned written flag is true from the moment w.WriteHeader is called
// for a non-5xx response onward, even if copying the body subsequently
// fails — callers must treat such a failure as terminal, never retryable.
func relayResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, stream bool) (int, llmclient.Usage, bool, error) {
	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxCapturedBodyBytes))
		return resp.StatusCode, llmclient.Usage{}, false, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	if stream {
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	var flush func()
	if flusher != nil {
		flush = flusher.Flush
	}

	if stream {
		usage, err := llmclient.TapSSE(ctx, resp.Body, w, flush)
		return resp.StatusCode, usage, true, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, llmclient.Usage{}, true, err
	}
	if _, err := w.Write(body); err != nil {
		return resp.StatusCode, llmclient.Usage{}, true, err
	}

	var parsed struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	usage := llmclient.Usage{}
	if json.Unmarshal(body, &parsed) == nil {
		usage = llmclient.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return resp.StatusCode, usage, true, nil
}

func writeBackpressure(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"error":{"message":"admission queue full","type":"backpressure","code":"queue_full"}}`))
}
