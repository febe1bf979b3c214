// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats is the Statistics Aggregator: it keeps the per-(endpoint,
// model, date, api_kind) daily rollups storage.Stats persists current and
// derives throughput from them on request.
//
// Record is called synchronously from the request path (internal/httpapi's
// dispatchInference, immediately after internal/router.Router.Dispatch
// returns) rather than off the Audit Writer's sealed batches. The two
// write paths are deliberately independent: a request that the Audit
// Writer later drops for buffer overflow (see audit.Writer.Dropped) still
// produced real upstream traffic and still counts toward throughput, and
// gating rollups on batch-seal timing would only add latency to a number
// nobody reads at batch granularity. Audit completeness is tracked and
// alerted on separately via the llmlb_audit_entries_dropped_total metric; it is not
// reconciled against these rollups.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/llmlb/llmlb/internal/storage"
)

// Aggregator consumes completed-request entries and keeps the daily rollup
// table current. It has no internal buffering of its own: each call to
// Record performs one upsert, which storage.Stats.Upsert applies additively
// (see its doc comment), so each request is counted once only as long as
// Record is called exactly once per request.
type Aggregator struct {
	store storage.Stats
}

func New(store storage.Stats) *Aggregator {
	return &Aggregator{store: store}
}

// Record folds one completed request into today's rollup row for
// (endpointID, modelID, kind). duration and outputTokens feed the
// tokens-per-second figure ForModel/ForEndpoint callers derive.
func (a *Aggregator) Record(ctx context.Context, endpointID, modelID string, kind storage.APIKind, success bool, duration time.Duration, outputTokens int64) error {
	stat := &storage.DailyEndpointStat{
		EndpointID:        endpointID,
		ModelID:           modelID,
		Date:              time.Now().UTC().Format("2006-01-02"),
		APIKind:           kind,
		Total:             1,
		TotalOutputTokens: outputTokens,
		TotalDurationMs:   duration.Milliseconds(),
	}
	if success {
		stat.Successful = 1
	} else {
		stat.Failed = 1
	}
	if err := a.store.Upsert(ctx, stat); err != nil {
		return fmt.Errorf("recording daily stat: %w", err)
	}
	return nil
}

// Throughput is a derived view over a set of rollup rows: total_output_tokens
// divided by wall-clock duration in seconds, the "tokens per second" figure
// exposed on the dashboard.
type Throughput struct {
	TotalRequests int64
	TotalTokens   int64
	TPS           float64
}

// EndpointThroughput aggregates an endpoint's rollup rows for one date into
// a single throughput figure.
func (a *Aggregator) EndpointThroughput(ctx context.Context, endpointID, date string) (Throughput, error) {
	rows, err := a.store.ForEndpoint(ctx, endpointID, date)
	if err != nil {
		return Throughput{}, err
	}
	return summarize(rows), nil
}

// ModelThroughput aggregates a model's rollup rows across a date range.
func (a *Aggregator) ModelThroughput(ctx context.Context, modelID, from, to string) (Throughput, error) {
	rows, err := a.store.ForModel(ctx, modelID, from, to)
	if err != nil {
		return Throughput{}, err
	}
	return summarize(rows), nil
}

func summarize(rows []*storage.DailyEndpointStat) Throughput {
	var t Throughput
	var totalMs int64
	for _, r := range rows {
		t.TotalRequests += r.Total
		t.TotalTokens += r.TotalOutputTokens
		totalMs += r.TotalDurationMs
	}
	if totalMs > 0 {
		t.TPS = float64(t.TotalTokens) / (float64(totalMs) / 1000)
	}
	return t
}
