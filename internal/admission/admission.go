// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admission implements the Admission Queue: a bounded FIFO that
// gates inferential requests with a capacity limit and an acquisition
// timeout.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrQueueFull is returned by Acquire when the queue has no free slot;
// callers surface this as 503 with a Retry-After header.
var ErrQueueFull = errors.New("admission: queue full")

// ErrAcquireTimeout is returned by AwaitDispatch when the dispatch it bounds
// does not complete within T_ACQ.
var ErrAcquireTimeout = errors.New("admission: acquire timed out")

// ErrTenantRateLimited is returned when a single actor has exceeded its
// fair-share token bucket, independent of overall queue occupancy.
var ErrTenantRateLimited = errors.New("admission: tenant rate limit exceeded")

// Queue is a counting semaphore sized to Q_MAX, implemented over a buffered
// channel so enqueue/dequeue never requires a mutex.
type Queue struct {
	slots      chan struct{}
	acquireTTL time.Duration
	retryAfter int

	tenantRPS   rate.Limit
	tenantBurst int
	mu          sync.Mutex
	tenants     map[string]*rate.Limiter
}

// New builds a Queue with capacity qMax and acquisition timeout acquireTTL.
// qMax=0 means every request is rejected immediately (the boundary
// behavior required of a momentarily full queue.
func New(qMax int, acquireTTL time.Duration) *Queue {
	q := &Queue{acquireTTL: acquireTTL, retryAfter: int(acquireTTL.Seconds())}
	if q.retryAfter < 1 {
		q.retryAfter = 1
	}
	if qMax > 0 {
		q.slots = make(chan struct{}, qMax)
	}
	return q
}

// SetTenantLimit configures the per-actor token bucket: ratePerSecond
// tokens refill continuously, up to burst tokens banked. A zero or
// negative ratePerSecond disables per-tenant limiting (the default).
func (q *Queue) SetTenantLimit(ratePerSecond float64, burst int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tenantRPS = rate.Limit(ratePerSecond)
	q.tenantBurst = burst
	q.tenants = make(map[string]*rate.Limiter)
}

// AllowTenant reports whether actorID's token bucket has a token to spend
// right now. It never blocks. Call before Acquire so a tenant already over
// its fair share doesn't also consume a shared queue slot.
func (q *Queue) AllowTenant(actorID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tenantRPS <= 0 || actorID == "" {
		return true
	}
	lim, ok := q.tenants[actorID]
	if !ok {
		lim = rate.NewLimiter(q.tenantRPS, q.tenantBurst)
		q.tenants[actorID] = lim
	}
	return lim.Allow()
}

// Release is returned by Acquire; the caller must invoke it exactly once
// when the bound request completes or is cancelled.
type Release func()

// Acquire is a non-blocking enqueue: a momentarily-full queue is rejected
// immediately with ErrQueueFull, which the caller surfaces as 503 with
// Retry-After. It does not wait — the acquisition timeout governs
// AwaitDispatch below, the time the bound request may spend waiting for
// the Load Scorer to settle on a candidate endpoint.
func (q *Queue) Acquire(ctx context.Context) (Release, error) {
	if q.slots == nil {
		return nil, ErrQueueFull
	}
	select {
	case q.slots <- struct{}{}:
		return q.release(), nil
	default:
		return nil, ErrQueueFull
	}
}

// AwaitDispatch bounds how long a request may wait, once admitted, for
// dispatch(ctx) — typically the Load Scorer's candidate pick followed by
// the upstream call being issued — to complete.
func (q *Queue) AwaitDispatch(ctx context.Context, dispatch func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, q.acquireTTL)
	defer cancel()
	err := dispatch(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrAcquireTimeout
	}
	return err
}

func (q *Queue) release() Release {
	return func() {
		select {
		case <-q.slots:
		default:
		}
	}
}

// RetryAfterSeconds is the value to send in the Retry-After header on a
// 503 produced by this queue.
func (q *Queue) RetryAfterSeconds() int { return q.retryAfter }

// Depth reports the current number of occupied slots, for metrics.
func (q *Queue) Depth() int {
	if q.slots == nil {
		return 0
	}
	return len(q.slots)
}
