// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loadsampler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/llmlb/llmlb/internal/storage"
)

type fakeActiveCounter struct {
	byEndpoint map[string]int
}

func (f *fakeActiveCounter) ActiveRequests(endpointID string) int {
	return f.byEndpoint[endpointID]
}

func TestIsLocalhost_MatchesLocalhostAndLoopbackIP(t *testing.T) {
	assert.True(t, IsLocalhost("http://localhost:11434"))
	assert.True(t, IsLocalhost("http://127.0.0.1:8080"))
	assert.False(t, IsLocalhost("https://api.example.com"))
}

func TestSample_DelegatesActiveRequestCountToCounter(t *testing.T) {
	counter := &fakeActiveCounter{byEndpoint: map[string]int{"ep-1": 3}}
	s := New(counter)

	_, _, active, lastUsed := s.Sample(&storage.Endpoint{ID: "ep-1", BaseURL: "https://remote.example"})

	assert.Equal(t, 3, active)
	assert.False(t, lastUsed.IsZero())
}

func TestSample_ZeroActiveWhenCounterIsNil(t *testing.T) {
	s := New(nil)

	_, _, active, _ := s.Sample(&storage.Endpoint{ID: "ep-1", BaseURL: "https://remote.example"})

	assert.Equal(t, 0, active)
}

func TestSample_UnknownEndpointReportsZeroActive(t *testing.T) {
	counter := &fakeActiveCounter{byEndpoint: map[string]int{"ep-1": 3}}
	s := New(counter)

	_, _, active, _ := s.Sample(&storage.Endpoint{ID: "ep-unknown", BaseURL: "https://remote.example"})

	assert.Equal(t, 0, active)
}

func TestSample_PrefersSelfReportedFiguresOverHostSampling(t *testing.T) {
	s := New(nil)

	cpuPct, memPct, _, _ := s.Sample(&storage.Endpoint{
		ID:         "ep-a",
		BaseURL:    "https://remote-a.example",
		DeviceInfo: `{"cpu_percent":20,"memory_percent":30}`,
	})

	assert.Equal(t, 20.0, cpuPct)
	assert.Equal(t, 30.0, memPct)
}

func TestSample_DistinctSelfReportsProduceDistinctFigures(t *testing.T) {
	s := New(nil)

	aCPU, aMem, _, _ := s.Sample(&storage.Endpoint{ID: "ep-a", BaseURL: "https://remote-a.example", DeviceInfo: `{"cpu_percent":20,"memory_percent":30}`})
	bCPU, bMem, _, _ := s.Sample(&storage.Endpoint{ID: "ep-b", BaseURL: "https://remote-b.example", DeviceInfo: `{"cpu_percent":70,"memory_percent":50}`})

	assert.Equal(t, 20.0, aCPU)
	assert.Equal(t, 30.0, aMem)
	assert.Equal(t, 70.0, bCPU)
	assert.Equal(t, 50.0, bMem)
}

func TestSample_RemoteEndpointWithoutSelfReportIsZero(t *testing.T) {
	s := New(nil)

	cpuPct, memPct, _, _ := s.Sample(&storage.Endpoint{ID: "ep-remote", BaseURL: "https://remote.example", DeviceInfo: `{"id":"gpt-4"}`})

	assert.Zero(t, cpuPct)
	assert.Zero(t, memPct)
}

func TestSample_RemoteEndpointWithMalformedDeviceInfoIsZero(t *testing.T) {
	s := New(nil)

	cpuPct, memPct, _, _ := s.Sample(&storage.Endpoint{ID: "ep-remote", BaseURL: "https://remote.example", DeviceInfo: "not json"})

	assert.Zero(t, cpuPct)
	assert.Zero(t, memPct)
}

func TestSample_LocalhostEndpointWithoutSelfReportFallsBackToHostUsage(t *testing.T) {
	s := New(nil)

	cpuPct, memPct, _, _ := s.Sample(&storage.Endpoint{ID: "ep-local", BaseURL: "http://localhost:11434"})

	assert.GreaterOrEqual(t, cpuPct, 0.0)
	assert.GreaterOrEqual(t, memPct, 0.0)
}
