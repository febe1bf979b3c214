// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loadsampler feeds the Load Scorer the CPU/memory/active-request
// figures it needs for candidates that do not self-report load in their
// /api/system or /v1/models response (most openai_compatible and ollama
// endpoints). It falls back to host-level gopsutil sampling of the local
// machine for any endpoint running on localhost, and to zero otherwise —
// the scorer then leans entirely on the configured latency weight for
// those candidates.
package loadsampler

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/llmlb/llmlb/internal/storage"
)

// ActiveCounter is satisfied by anything that can report how many in-flight
// requests are currently dispatched to an endpoint; main wires in the
// Router, whose ActiveRequests keeps that per-endpoint count.
type ActiveCounter interface {
	ActiveRequests(endpointID string) int
}

// Sampler implements router.LoadSampler. Host-level CPU/memory figures are
// cached for cacheTTL since gopsutil's cpu.Percent call briefly blocks to
// measure a delta and every request asking for it would otherwise serialize
// on that measurement window.
type Sampler struct {
	active   ActiveCounter
	cacheTTL time.Duration

	mu        sync.Mutex
	cpuPct    float64
	memPct    float64
	sampledAt time.Time
}

func New(active ActiveCounter) *Sampler {
	return &Sampler{active: active, cacheTTL: 2 * time.Second}
}

// selfReport is the cpu/memory shape an endpoint may publish on its own
// /api/system (xLLM) response; registry.Registry.Test copies that body
// into storage.Endpoint.DeviceInfo verbatim whenever the probe succeeds,
// so this is the one place that format gets parsed.
type selfReport struct {
	CPUPercent    *float64 `json:"cpu_percent"`
	MemoryPercent *float64 `json:"memory_percent"`
}

// Sample prefers e's own self-reported cpu/memory figures when DeviceInfo
// carries them, since those are the true load on that machine regardless
// of where it runs. Lacking a self-report, it falls back to this host's
// own gopsutil sampling only when e is reachable at localhost/127.0.0.1 —
// sampling this process's CPU for a remote endpoint would misattribute
// load that has nothing to do with it. A remote endpoint with no
// self-report gets zero, and the scorer leans on latency alone for it.
func (s *Sampler) Sample(e *storage.Endpoint) (cpuPct, memPct float64, active int, lastUsed time.Time) {
	active = 0
	if s.active != nil {
		active = s.active.ActiveRequests(e.ID)
	}
	lastUsed = time.Now()

	if reported, ok := parseSelfReport(e.DeviceInfo); ok {
		return reported.cpuPct, reported.memPct, active, lastUsed
	}
	if IsLocalhost(e.BaseURL) {
		cpuPct, memPct = s.hostUsage()
	}
	return cpuPct, memPct, active, lastUsed
}

type reportedUsage struct {
	cpuPct float64
	memPct float64
}

// parseSelfReport decodes deviceInfo as a selfReport, reporting ok=false
// when the field is empty, not JSON, or carries neither figure — any of
// which means the caller should fall back rather than trust a zero value
// that was never actually reported.
func parseSelfReport(deviceInfo string) (reportedUsage, bool) {
	if deviceInfo == "" {
		return reportedUsage{}, false
	}
	var report selfReport
	if err := json.Unmarshal([]byte(deviceInfo), &report); err != nil {
		return reportedUsage{}, false
	}
	if report.CPUPercent == nil && report.MemoryPercent == nil {
		return reportedUsage{}, false
	}
	var out reportedUsage
	if report.CPUPercent != nil {
		out.cpuPct = *report.CPUPercent
	}
	if report.MemoryPercent != nil {
		out.memPct = *report.MemoryPercent
	}
	return out, true
}

// IsLocalhost reports whether baseURL targets this machine, the condition
// under which host sampling is meaningful for an endpoint's candidate.
func IsLocalhost(baseURL string) bool {
	return strings.Contains(baseURL, "://localhost") || strings.Contains(baseURL, "://127.0.0.1")
}

func (s *Sampler) hostUsage() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.sampledAt) < s.cacheTTL {
		return s.cpuPct, s.memPct
	}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		s.cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.memPct = vm.UsedPercent
	}
	s.sampledAt = time.Now()
	return s.cpuPct, s.memPct
}
