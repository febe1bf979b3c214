// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package update

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	c, err := New("v1.0.0", t.TempDir(), nil)
	require.NoError(t, err)
	return c
}

// =============================================================================
// noteAvailable
// =============================================================================

func TestNoteAvailable_TransitionsIdleToAvailable(t *testing.T) {
	c := newTestController(t)

	c.noteAvailable(&Release{Version: "v1.1.0"})

	assert.Equal(t, StateAvailable, c.State())
}

func TestNoteAvailable_IgnoresLowerOrEqualVersionOnceAvailable(t *testing.T) {
	c := newTestController(t)
	c.noteAvailable(&Release{Version: "v1.2.0"})

	c.noteAvailable(&Release{Version: "v1.1.0"})

	c.mu.Lock()
	got := c.available.Version
	c.mu.Unlock()
	assert.Equal(t, "v1.2.0", got)
}

func TestNoteAvailable_AdoptsNewerVersionWhileAvailable(t *testing.T) {
	c := newTestController(t)
	c.noteAvailable(&Release{Version: "v1.1.0"})

	c.noteAvailable(&Release{Version: "v1.2.0"})

	c.mu.Lock()
	got := c.available.Version
	c.mu.Unlock()
	assert.Equal(t, "v1.2.0", got)
}

func TestNoteAvailable_NoOpOnceScheduled(t *testing.T) {
	c := newTestController(t)
	c.noteAvailable(&Release{Version: "v1.1.0"})
	require.NoError(t, c.Approve(ApproveImmediate, time.Time{}))

	c.noteAvailable(&Release{Version: "v1.5.0"})

	assert.Equal(t, StateScheduled, c.State())
}

// =============================================================================
// Approve / Cancel
// =============================================================================

func TestApprove_RequiresAnAvailableRelease(t *testing.T) {
	c := newTestController(t)

	err := c.Approve(ApproveImmediate, time.Time{})

	assert.ErrorIs(t, err, ErrNoReleaseAvailable)
}

func TestApprove_RejectsWhenAlreadyInProgress(t *testing.T) {
	c := newTestController(t)
	c.noteAvailable(&Release{Version: "v1.1.0"})
	require.NoError(t, c.Approve(ApproveImmediate, time.Time{}))

	err := c.Approve(ApproveImmediate, time.Time{})

	assert.ErrorIs(t, err, ErrUpdateInProgress)
}

func TestApprove_TransitionsAvailableToScheduled(t *testing.T) {
	c := newTestController(t)
	c.noteAvailable(&Release{Version: "v1.1.0"})

	err := c.Approve(ApproveOnIdle, time.Time{})

	assert.NoError(t, err)
	assert.Equal(t, StateScheduled, c.State())
}

func TestCancel_ReturnsScheduledToAvailable(t *testing.T) {
	c := newTestController(t)
	c.noteAvailable(&Release{Version: "v1.1.0"})
	require.NoError(t, c.Approve(ApproveScheduled, time.Now().Add(time.Hour)))

	err := c.Cancel()

	assert.NoError(t, err)
	assert.Equal(t, StateAvailable, c.State())
}

func TestCancel_ErrorsWhenNothingScheduled(t *testing.T) {
	c := newTestController(t)

	err := c.Cancel()

	assert.ErrorIs(t, err, ErrNothingScheduled)
}

// =============================================================================
// shouldTrigger
// =============================================================================

func TestShouldTrigger_ImmediateAlwaysFires(t *testing.T) {
	c := newTestController(t)
	c.approval = ApproveImmediate

	assert.True(t, c.shouldTrigger())
}

func TestShouldTrigger_OnIdleWaitsForZeroInFlight(t *testing.T) {
	c := newTestController(t)
	c.approval = ApproveOnIdle
	c.inFlight.Add(1)

	assert.False(t, c.shouldTrigger())

	c.inFlight.Add(-1)
	assert.True(t, c.shouldTrigger())
}

func TestShouldTrigger_ScheduledWaitsForTime(t *testing.T) {
	c := newTestController(t)
	c.approval = ApproveScheduled
	c.scheduledFor = time.Now().Add(time.Hour)

	assert.False(t, c.shouldTrigger())

	c.scheduledFor = time.Now().Add(-time.Second)
	assert.True(t, c.shouldTrigger())
}

// =============================================================================
// BeginRequest / EndRequest
// =============================================================================

func TestBeginRequest_AllowsWhenNotDraining(t *testing.T) {
	c := newTestController(t)

	ok, _ := c.BeginRequest()

	assert.True(t, ok)
	c.EndRequest()
}

func TestBeginRequest_RefusesWhileDraining(t *testing.T) {
	c := newTestController(t)
	c.mu.Lock()
	c.state = StateDraining
	c.mu.Unlock()

	ok, retryAfter := c.BeginRequest()

	assert.False(t, ok)
	assert.Positive(t, retryAfter)
}

func TestBeginRequest_TracksInFlightCount(t *testing.T) {
	c := newTestController(t)

	ok, _ := c.BeginRequest()
	require.True(t, ok)
	assert.EqualValues(t, 1, c.inFlight.Load())

	c.EndRequest()
	assert.EqualValues(t, 0, c.inFlight.Load())
}

// =============================================================================
// normalizeSemver
// =============================================================================

func TestNormalizeSemver_PrependsVWhenMissing(t *testing.T) {
	assert.Equal(t, "v1.2.3", normalizeSemver("1.2.3"))
	assert.Equal(t, "v1.2.3", normalizeSemver("v1.2.3"))
}

func TestNormalizeSemver_TrimsTrailingWhitespace(t *testing.T) {
	assert.Equal(t, "v1.2.3", normalizeSemver("1.2.3\n"))
	assert.Equal(t, "v1.2.3", normalizeSemver("1.2.3 \r\n"))
}
