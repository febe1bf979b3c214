// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scoring implements the Load Scorer: ranks the online candidate
// endpoints for a request and picks the lowest-scoring one, falling back to
// round-robin when every candidate is CPU-saturated.
package scoring

import (
	"sync/atomic"
	"time"

	"github.com/llmlb/llmlb/internal/storage"
)

// cpuSaturatedThreshold is the cpu_usage_pct above which a candidate is
// considered saturated for the round-robin fallback rule.
const cpuSaturatedThreshold = 80.0

// errorCoolDownThreshold is the error_count at or above which an endpoint
// is excluded from selection until the cool-down window elapses.
const errorCoolDownThreshold = 3

// CoolDownWindow is how long an endpoint stays excluded after crossing
// errorCoolDownThreshold, measured from its last_seen.
const CoolDownWindow = 60 * time.Second

// Candidate is the live load snapshot the scorer needs for one endpoint;
// CPUUsagePct/MemoryUsagePct come from the load sampler (the endpoint's own
// self-report in DeviceInfo when present, else this host's figures for a
// localhost endpoint, else zero) and ActiveRequests is the router's
// in-flight count for the endpoint.
type Candidate struct {
	Endpoint        *storage.Endpoint
	CPUUsagePct     float64
	MemoryUsagePct  float64
	ActiveRequests  int
	LastUsed        time.Time
}

// Scorer picks an endpoint per request. It holds a single atomic counter
// for the round-robin fallback, shared across all callers.
type Scorer struct {
	roundRobinCounter atomic.Uint64
	latencyWeight     float64
}

// New builds a Scorer with the configured latency weight (defaults to 1 and is surfaced as configuration).
func New(latencyWeight float64) *Scorer {
	if latencyWeight == 0 {
		latencyWeight = 1
	}
	return &Scorer{latencyWeight: latencyWeight}
}

// Score computes the scalar: lower is better.
func (s *Scorer) Score(c Candidate) float64 {
	latencyMs := 0.0
	if c.Endpoint.InferenceLatencyMs != nil {
		latencyMs = *c.Endpoint.InferenceLatencyMs
	}
	return c.CPUUsagePct + c.MemoryUsagePct + 10*float64(c.ActiveRequests) + s.latencyWeight*latencyMs/100
}

// Eligible keeps only online endpoints, and drops those whose error_count
// has reached the threshold until CoolDownWindow has passed since last_seen.
func Eligible(now time.Time, candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Endpoint.Status != storage.StatusOnline {
			continue
		}
		if c.Endpoint.ErrorCount >= errorCoolDownThreshold {
			lastSeen := c.Endpoint.LastSeen
			if lastSeen == nil || now.Sub(*lastSeen) < CoolDownWindow {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// Pick selects one candidate: lowest score, falling back to round-robin
// when every candidate exceeds the CPU saturation threshold, with ties
// broken by (lowest error_count, oldest last_used).
func (s *Scorer) Pick(candidates []Candidate) (*storage.Endpoint, bool) {
	if len(candidates) == 0 {
		return nil, false
	}

	allSaturated := true
	for _, c := range candidates {
		if c.CPUUsagePct <= cpuSaturatedThreshold {
			allSaturated = false
			break
		}
	}
	if allSaturated {
		idx := s.roundRobinCounter.Add(1) - 1
		return candidates[idx%uint64(len(candidates))].Endpoint, true
	}

	best := candidates[0]
	bestScore := s.Score(best)
	for _, c := range candidates[1:] {
		score := s.Score(c)
		switch {
		case score < bestScore:
			best, bestScore = c, score
		case score == bestScore:
			if better(c, best) {
				best = c
			}
		}
	}
	return best.Endpoint, true
}

// better reports whether a is the preferred tie-break over b: lower
// error_count first, then older last_used.
func better(a, b Candidate) bool {
	if a.Endpoint.ErrorCount != b.Endpoint.ErrorCount {
		return a.Endpoint.ErrorCount < b.Endpoint.ErrorCount
	}
	return a.LastUsed.Before(b.LastUsed)
}
