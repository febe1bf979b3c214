// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics wires Prometheus and OpenTelemetry instrumentation for the
// gateway, mirroring the dual-stack observability setup the teacher builds in
// services/orchestrator/main.go (otelgin middleware + an OTel tracer
// provider), generalized here to also export OTel metrics through the
// Prometheus exporter so GET /api/metrics/cloud can be scraped with a single
// registry.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Registry bundles every metric the gateway exports.
//
// # Fields
//
//   - InflightRequests: gauge of requests currently admitted.
//   - QueueDepth: gauge of admission queue occupancy.
//   - RequestsTotal: counter of inferential requests by outcome.
//   - EndpointScore: gauge of the last computed load score per endpoint.
//   - AuditDropped: counter of audit entries dropped on buffer overflow.
type Registry struct {
	InflightRequests prometheus.Gauge
	QueueDepth       prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
	EndpointScore    *prometheus.GaugeVec
	AuditDropped     prometheus.Counter

	meterProvider *sdkmetric.MeterProvider
}

// New constructs a Registry registered against prometheus.DefaultRegisterer
// and wires an OTel MeterProvider backed by the same Prometheus exporter, so
// OTel instrumentation anywhere in the codebase surfaces on the same scrape
// endpoint as the hand-rolled client_golang metrics above.
func New() (*Registry, error) {
	exporter, err := otelprom.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	r := &Registry{
		InflightRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "llmlb_inflight_requests",
			Help: "Number of inferential requests currently admitted and in flight.",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "llmlb_admission_queue_depth",
			Help: "Current occupancy of the admission queue.",
		}),
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "llmlb_requests_total",
			Help: "Total inferential requests by outcome.",
		}, []string{"outcome"}),
		EndpointScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llmlb_endpoint_score",
			Help: "Last computed load score for an online endpoint.",
		}, []string{"endpoint_id"}),
		AuditDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "llmlb_audit_entries_dropped_total",
			Help: "Audit entries dropped because the in-memory buffer was full.",
		}),
		meterProvider: mp,
	}
	return r, nil
}

// Shutdown flushes and stops the OTel meter provider. Called during graceful
// teardown alongside the audit writer's flush (see internal/audit).
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.meterProvider == nil {
		return nil
	}
	return r.meterProvider.Shutdown(ctx)
}
