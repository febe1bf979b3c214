// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/llmlb/internal/storage"
)

// fakeStats is a minimal in-memory storage.Stats that additively upserts
// rows the way the real sqlite-backed implementation does, keyed by
// (endpoint, model, date, api_kind).
type fakeStats struct {
	rows map[string]*storage.DailyEndpointStat
}

func newFakeStats() *fakeStats {
	return &fakeStats{rows: make(map[string]*storage.DailyEndpointStat)}
}

func key(endpointID, modelID, date string, kind storage.APIKind) string {
	return endpointID + "|" + modelID + "|" + date + "|" + string(kind)
}

func (f *fakeStats) Upsert(ctx context.Context, s *storage.DailyEndpointStat) error {
	k := key(s.EndpointID, s.ModelID, s.Date, s.APIKind)
	existing, ok := f.rows[k]
	if !ok {
		cp := *s
		f.rows[k] = &cp
		return nil
	}
	existing.Total += s.Total
	existing.Successful += s.Successful
	existing.Failed += s.Failed
	existing.TotalOutputTokens += s.TotalOutputTokens
	existing.TotalDurationMs += s.TotalDurationMs
	return nil
}

func (f *fakeStats) ForEndpoint(ctx context.Context, endpointID, date string) ([]*storage.DailyEndpointStat, error) {
	out := make([]*storage.DailyEndpointStat, 0)
	for _, r := range f.rows {
		if r.EndpointID == endpointID && r.Date == date {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStats) ForModel(ctx context.Context, modelID, from, to string) ([]*storage.DailyEndpointStat, error) {
	out := make([]*storage.DailyEndpointStat, 0)
	for _, r := range f.rows {
		if r.ModelID == modelID && r.Date >= from && r.Date <= to {
			out = append(out, r)
		}
	}
	return out, nil
}

// =============================================================================
// Record
// =============================================================================

func TestRecord_SuccessIncrementsSuccessfulCount(t *testing.T) {
	store := newFakeStats()
	agg := New(store)

	err := agg.Record(context.Background(), "ep-1", "llama3", storage.APIChatCompletions, true, 200*time.Millisecond, 50)

	require.NoError(t, err)
	today := time.Now().UTC().Format("2006-01-02")
	row := store.rows[key("ep-1", "llama3", today, storage.APIChatCompletions)]
	require.NotNil(t, row)
	assert.EqualValues(t, 1, row.Successful)
	assert.EqualValues(t, 0, row.Failed)
	assert.EqualValues(t, 50, row.TotalOutputTokens)
}

func TestRecord_FailureIncrementsFailedCount(t *testing.T) {
	store := newFakeStats()
	agg := New(store)

	err := agg.Record(context.Background(), "ep-1", "llama3", storage.APIChatCompletions, false, 100*time.Millisecond, 0)

	require.NoError(t, err)
	today := time.Now().UTC().Format("2006-01-02")
	row := store.rows[key("ep-1", "llama3", today, storage.APIChatCompletions)]
	require.NotNil(t, row)
	assert.EqualValues(t, 1, row.Failed)
	assert.EqualValues(t, 0, row.Successful)
}

func TestRecord_AccumulatesAcrossMultipleCalls(t *testing.T) {
	store := newFakeStats()
	agg := New(store)

	require.NoError(t, agg.Record(context.Background(), "ep-1", "llama3", storage.APIChatCompletions, true, time.Second, 100))
	require.NoError(t, agg.Record(context.Background(), "ep-1", "llama3", storage.APIChatCompletions, true, time.Second, 100))

	today := time.Now().UTC().Format("2006-01-02")
	row := store.rows[key("ep-1", "llama3", today, storage.APIChatCompletions)]
	require.NotNil(t, row)
	assert.EqualValues(t, 2, row.Total)
	assert.EqualValues(t, 200, row.TotalOutputTokens)
}

// =============================================================================
// Throughput
// =============================================================================

func TestEndpointThroughput_ComputesTokensPerSecond(t *testing.T) {
	store := newFakeStats()
	agg := New(store)
	date := time.Now().UTC().Format("2006-01-02")

	require.NoError(t, store.Upsert(context.Background(), &storage.DailyEndpointStat{
		EndpointID: "ep-1", ModelID: "llama3", Date: date, APIKind: storage.APIChatCompletions,
		Total: 1, TotalOutputTokens: 100, TotalDurationMs: 2000,
	}))

	tp, err := agg.EndpointThroughput(context.Background(), "ep-1", date)

	require.NoError(t, err)
	assert.EqualValues(t, 100, tp.TotalTokens)
	assert.InDelta(t, 50.0, tp.TPS, 0.001)
}

func TestEndpointThroughput_ZeroDurationYieldsZeroTPS(t *testing.T) {
	store := newFakeStats()
	agg := New(store)

	tp, err := agg.EndpointThroughput(context.Background(), "ep-missing", "2026-01-01")

	require.NoError(t, err)
	assert.Zero(t, tp.TPS)
	assert.Zero(t, tp.TotalRequests)
}

func TestModelThroughput_SumsAcrossDateRange(t *testing.T) {
	store := newFakeStats()
	agg := New(store)

	require.NoError(t, store.Upsert(context.Background(), &storage.DailyEndpointStat{
		EndpointID: "ep-1", ModelID: "llama3", Date: "2026-07-01", APIKind: storage.APIChatCompletions,
		Total: 2, TotalOutputTokens: 40, TotalDurationMs: 1000,
	}))
	require.NoError(t, store.Upsert(context.Background(), &storage.DailyEndpointStat{
		EndpointID: "ep-2", ModelID: "llama3", Date: "2026-07-02", APIKind: storage.APIChatCompletions,
		Total: 3, TotalOutputTokens: 60, TotalDurationMs: 1000,
	}))

	tp, err := agg.ModelThroughput(context.Background(), "llama3", "2026-07-01", "2026-07-02")

	require.NoError(t, err)
	assert.EqualValues(t, 5, tp.TotalRequests)
	assert.EqualValues(t, 100, tp.TotalTokens)
}
