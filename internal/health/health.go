// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health implements the Health Supervisor: one scheduled probe per
// endpoint, feeding a fixed state machine (pending/online/offline/error)
// with latency EMA tracking.
package health

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llmlb/llmlb/internal/storage"
)

const (
	emaAlpha             = 0.2
	pendingFailThreshold = 3
	errorFailThreshold   = 3
	defaultProbeTimeout  = 5 * time.Second
)

// endpointState is the per-endpoint mutable state guarded by its own mutex,
// so that no handler holds a lock across the probe's network I/O.
type endpointState struct {
	mu             sync.Mutex
	consecutiveFailures int
}

// Supervisor runs one goroutine per known endpoint, scheduled with jitter to
// avoid a thundering herd of simultaneous probes.
type Supervisor struct {
	endpoints storage.Endpoints
	client    *http.Client

	mu     sync.Mutex
	states map[string]*endpointState
}

func New(endpoints storage.Endpoints) *Supervisor {
	return &Supervisor{
		endpoints: endpoints,
		client:    &http.Client{Timeout: defaultProbeTimeout},
		states:    make(map[string]*endpointState),
	}
}

// Run starts one supervising goroutine per endpoint returned by list and
// blocks until ctx is cancelled or a probe goroutine returns a non-context
// error. list is called once at startup; endpoints registered afterward are
// supervised only if Watch is called for them.
func (s *Supervisor) Run(ctx context.Context, list func(context.Context) ([]*storage.Endpoint, error)) error {
	endpoints, err := list(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range endpoints {
		e := e
		g.Go(func() error { return s.superviseOne(ctx, e) })
	}
	return g.Wait()
}

// Watch adds a supervising goroutine for a newly registered endpoint. ctx
// should be the same long-lived context passed to Run; callers typically
// hold on to the cancel func returned here to stop supervising a deleted
// endpoint.
func (s *Supervisor) Watch(ctx context.Context, e *storage.Endpoint) context.CancelFunc {
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := s.superviseOne(watchCtx, e); err != nil && watchCtx.Err() == nil {
			slog.Error("health supervisor exited unexpectedly", "endpoint_id", e.ID, "error", err)
		}
	}()
	return cancel
}

func (s *Supervisor) superviseOne(ctx context.Context, e *storage.Endpoint) error {
	interval := time.Duration(e.HealthCheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	// Initial jitter spreads first probes across the interval window.
	jitter := time.Duration(rand.Int63n(int64(interval)))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.probeOnce(ctx, e.ID)
			timer.Reset(interval)
		}
	}
}

func (s *Supervisor) stateFor(id string) *endpointState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		st = &endpointState{}
		s.states[id] = st
	}
	return st
}

// probeOnce runs a single probe/transition cycle for one endpoint. The
// endpoint's own endpointState mutex makes the read-probe-write sequence
// atomic with respect to concurrent probes of the SAME endpoint; different
// endpoints never contend with each other.
func (s *Supervisor) probeOnce(ctx context.Context, id string) {
	st := s.stateFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	e, err := s.endpoints.Get(ctx, id)
	if err != nil {
		return
	}

	start := time.Now()
	ok := s.probe(ctx, e)
	latencyMs := float64(time.Since(start).Milliseconds())

	next, errorCount, latency, lastError := transition(e.Status, st.consecutiveFailures, e.ErrorCount, e.InferenceLatencyMs, ok, latencyMs)
	if ok {
		st.consecutiveFailures = 0
	} else {
		st.consecutiveFailures++
	}

	if err := s.endpoints.UpdateHealth(ctx, id, next, latency, lastError, errorCount); err != nil {
		slog.Error("recording health transition failed", "endpoint_id", id, "error", err)
	}
}

// transition implements the exact state machine.
func transition(current storage.EndpointStatus, consecutiveFailures, errorCount int, prevLatency *float64, probeOK bool, latencyMs float64) (next storage.EndpointStatus, nextErrorCount int, latency *float64, lastError string) {
	if probeOK {
		ema := latencyMs
		if prevLatency != nil {
			ema = emaAlpha*latencyMs + (1-emaAlpha)*(*prevLatency)
		}
		// Every successful probe lands on online regardless of prior state,
		// and resets the error counter: any successful probe lands on online regardless of prior state.
		return storage.StatusOnline, 0, &ema, ""
	}

	lastError = "probe failed"
	switch current {
	case storage.StatusPending:
		if consecutiveFailures+1 >= pendingFailThreshold {
			return storage.StatusOffline, errorCount, prevLatency, lastError
		}
		return storage.StatusPending, errorCount, prevLatency, lastError
	case storage.StatusOnline:
		errorCount++
		if errorCount >= errorFailThreshold {
			return storage.StatusOffline, errorCount, prevLatency, lastError
		}
		return storage.StatusError, errorCount, prevLatency, lastError
	case storage.StatusError:
		errorCount++
		if errorCount >= errorFailThreshold {
			return storage.StatusOffline, errorCount, prevLatency, lastError
		}
		return storage.StatusError, errorCount, prevLatency, lastError
	case storage.StatusOffline:
		return storage.StatusOffline, errorCount, prevLatency, lastError
	}
	return storage.StatusOffline, errorCount, prevLatency, lastError
}

// probe issues the type-specific health check, defaulting to GET /v1/models.
func (s *Supervisor) probe(ctx context.Context, e *storage.Endpoint) bool {
	path := "/v1/models"
	switch e.EndpointType {
	case storage.EndpointTypeOllama:
		path = "/api/tags"
	case storage.EndpointTypeXLLM:
		path = "/api/system"
	}

	ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(e.BaseURL, "/")+path, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
