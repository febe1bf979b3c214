// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Acquire / Release
// =============================================================================

func TestAcquire_ZeroCapacityRejectsImmediately(t *testing.T) {
	q := New(0, time.Second)

	_, err := q.Acquire(context.Background())

	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestAcquire_RejectsOnceCapacityExhausted(t *testing.T) {
	q := New(1, time.Second)

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)

	_, err = q.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrQueueFull)

	release()

	_, err = q.Acquire(context.Background())
	assert.NoError(t, err)
}

func TestRelease_IsSafeToCallTwice(t *testing.T) {
	q := New(1, time.Second)
	release, err := q.Acquire(context.Background())
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		release()
		release()
	})
}

func TestDepth_TracksOccupiedSlots(t *testing.T) {
	q := New(2, time.Second)
	assert.Equal(t, 0, q.Depth())

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, q.Depth())

	release()
	assert.Equal(t, 0, q.Depth())
}

func TestDepth_ZeroCapacityQueueAlwaysReportsZero(t *testing.T) {
	q := New(0, time.Second)
	assert.Equal(t, 0, q.Depth())
}

// =============================================================================
// AwaitDispatch
// =============================================================================

func TestAwaitDispatch_PropagatesDispatchSuccess(t *testing.T) {
	q := New(1, time.Second)

	err := q.AwaitDispatch(context.Background(), func(ctx context.Context) error {
		return nil
	})

	assert.NoError(t, err)
}

func TestAwaitDispatch_TranslatesDeadlineExceededToAcquireTimeout(t *testing.T) {
	q := New(1, 10*time.Millisecond)

	err := q.AwaitDispatch(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestAwaitDispatch_PropagatesOtherErrorsUnchanged(t *testing.T) {
	q := New(1, time.Second)
	sentinel := errors.New("upstream exploded")

	err := q.AwaitDispatch(context.Background(), func(ctx context.Context) error {
		return sentinel
	})

	assert.ErrorIs(t, err, sentinel)
}

// =============================================================================
// Tenant rate limiting
// =============================================================================

func TestAllowTenant_UnconfiguredLimiterAllowsEveryone(t *testing.T) {
	q := New(1, time.Second)

	for i := 0; i < 5; i++ {
		assert.True(t, q.AllowTenant("tenant-a"))
	}
}

func TestAllowTenant_EmptyActorIDAlwaysAllowed(t *testing.T) {
	q := New(1, time.Second)
	q.SetTenantLimit(1, 1)

	assert.True(t, q.AllowTenant(""))
	assert.True(t, q.AllowTenant(""))
}

func TestAllowTenant_EnforcesBurstThenRefillsOverTime(t *testing.T) {
	q := New(1, time.Second)
	q.SetTenantLimit(10, 1)

	assert.True(t, q.AllowTenant("tenant-a"), "first request should consume the only burst token")
	assert.False(t, q.AllowTenant("tenant-a"), "second immediate request should be rejected")

	time.Sleep(150 * time.Millisecond)
	assert.True(t, q.AllowTenant("tenant-a"), "token should have refilled at 10/s after 150ms")
}

func TestAllowTenant_TracksTenantsIndependently(t *testing.T) {
	q := New(1, time.Second)
	q.SetTenantLimit(1, 1)

	assert.True(t, q.AllowTenant("tenant-a"))
	assert.False(t, q.AllowTenant("tenant-a"))
	assert.True(t, q.AllowTenant("tenant-b"), "a separate tenant should have its own bucket")
}

func TestSetTenantLimit_DisablesWithNonPositiveRate(t *testing.T) {
	q := New(1, time.Second)
	q.SetTenantLimit(1, 1)
	assert.True(t, q.AllowTenant("tenant-a"))
	assert.False(t, q.AllowTenant("tenant-a"))

	q.SetTenantLimit(0, 0)
	assert.True(t, q.AllowTenant("tenant-a"), "resetting to a non-positive rate should disable limiting")
}

// =============================================================================
// RetryAfterSeconds
// =============================================================================

func TestRetryAfterSeconds_FloorsAtOneSecond(t *testing.T) {
	q := New(1, 100*time.Millisecond)
	assert.Equal(t, 1, q.RetryAfterSeconds())
}

func TestRetryAfterSeconds_ReflectsConfiguredTTL(t *testing.T) {
	q := New(1, 5*time.Second)
	assert.Equal(t, 5, q.RetryAfterSeconds())
}
