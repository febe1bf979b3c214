// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// =============================================================================
// Endpoints
// =============================================================================

func TestEndpoints_CreateThenGetRoundTrips(t *testing.T) {
	store := openTestStore(t)
	eps := store.Endpoints()

	e := &Endpoint{ID: "ep-1", Name: "local-1", BaseURL: "http://localhost:11434", EndpointType: EndpointTypeOllama, Status: StatusPending, Capabilities: NewStringSet(string(CapChatCompletion))}
	require.NoError(t, eps.Create(context.Background(), e))

	got, err := eps.Get(context.Background(), "ep-1")
	require.NoError(t, err)
	assert.Equal(t, "local-1", got.Name)
	assert.True(t, got.Capabilities.Has(string(CapChatCompletion)))
}

func TestEndpoints_CreateRejectsDuplicateName(t *testing.T) {
	store := openTestStore(t)
	eps := store.Endpoints()

	e1 := &Endpoint{ID: "ep-1", Name: "dup", BaseURL: "http://a.invalid", EndpointType: EndpointTypeOpenAICompatible, Status: StatusPending}
	require.NoError(t, eps.Create(context.Background(), e1))

	e2 := &Endpoint{ID: "ep-2", Name: "dup", BaseURL: "http://b.invalid", EndpointType: EndpointTypeOpenAICompatible, Status: StatusPending}
	err := eps.Create(context.Background(), e2)

	assert.ErrorIs(t, err, ErrConflict)
}

func TestEndpoints_GetUnknownIDReturnsNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Endpoints().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndpoints_UpdateHealthSetsLastSeenOnlyWhenOnline(t *testing.T) {
	store := openTestStore(t)
	eps := store.Endpoints()
	e := &Endpoint{ID: "ep-1", Name: "health-check", BaseURL: "http://a.invalid", EndpointType: EndpointTypeOpenAICompatible, Status: StatusPending}
	require.NoError(t, eps.Create(context.Background(), e))

	require.NoError(t, eps.UpdateHealth(context.Background(), "ep-1", StatusOnline, nil, "", 0))
	got, err := eps.Get(context.Background(), "ep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)
	assert.NotNil(t, got.LastSeen)

	require.NoError(t, eps.UpdateHealth(context.Background(), "ep-1", StatusOffline, nil, "connection refused", 1))
	got, err = eps.Get(context.Background(), "ep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, got.Status)
	assert.Equal(t, "connection refused", got.LastError)
	assert.Equal(t, 1, got.ErrorCount)
}

func TestEndpoints_ListFiltersByStatusAndCapability(t *testing.T) {
	store := openTestStore(t)
	eps := store.Endpoints()

	online := &Endpoint{ID: "ep-online", Name: "online", BaseURL: "http://a.invalid", EndpointType: EndpointTypeOpenAICompatible, Status: StatusOnline, Capabilities: NewStringSet(string(CapChatCompletion))}
	offline := &Endpoint{ID: "ep-offline", Name: "offline", BaseURL: "http://b.invalid", EndpointType: EndpointTypeOpenAICompatible, Status: StatusOffline, Capabilities: NewStringSet(string(CapChatCompletion))}
	require.NoError(t, eps.Create(context.Background(), online))
	require.NoError(t, eps.Create(context.Background(), offline))

	got, err := eps.List(context.Background(), EndpointFilter{Status: StatusOnline})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ep-online", got[0].ID)

	got, err = eps.List(context.Background(), EndpointFilter{Capability: CapChatCompletion})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestEndpoints_DeleteRemovesEndpoint(t *testing.T) {
	store := openTestStore(t)
	eps := store.Endpoints()
	e := &Endpoint{ID: "ep-1", Name: "to-delete", BaseURL: "http://a.invalid", EndpointType: EndpointTypeOpenAICompatible, Status: StatusPending}
	require.NoError(t, eps.Create(context.Background(), e))

	require.NoError(t, eps.Delete(context.Background(), "ep-1"))

	_, err := eps.Get(context.Background(), "ep-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndpoints_IncrementCountersTracksSuccessAndFailure(t *testing.T) {
	store := openTestStore(t)
	eps := store.Endpoints()
	e := &Endpoint{ID: "ep-1", Name: "counted", BaseURL: "http://a.invalid", EndpointType: EndpointTypeOpenAICompatible, Status: StatusOnline}
	require.NoError(t, eps.Create(context.Background(), e))

	require.NoError(t, eps.IncrementCounters(context.Background(), "ep-1", true))
	require.NoError(t, eps.IncrementCounters(context.Background(), "ep-1", false))

	got, err := eps.Get(context.Background(), "ep-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.TotalRequests)
	assert.EqualValues(t, 1, got.SuccessfulRequests)
	assert.EqualValues(t, 1, got.FailedRequests)
}

func TestEndpoints_ReplaceModelsOverwritesWholesale(t *testing.T) {
	store := openTestStore(t)
	eps := store.Endpoints()
	e := &Endpoint{ID: "ep-1", Name: "with-models", BaseURL: "http://a.invalid", EndpointType: EndpointTypeOpenAICompatible, Status: StatusOnline}
	require.NoError(t, eps.Create(context.Background(), e))

	require.NoError(t, eps.ReplaceModels(context.Background(), "ep-1", []EndpointModel{
		{EndpointID: "ep-1", ModelID: "llama3", Capabilities: NewStringSet(string(CapChatCompletion))},
	}))
	models, err := eps.ListModels(context.Background(), "ep-1")
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3", models[0].ModelID)

	require.NoError(t, eps.ReplaceModels(context.Background(), "ep-1", []EndpointModel{
		{EndpointID: "ep-1", ModelID: "mistral"},
	}))
	models, err = eps.ListModels(context.Background(), "ep-1")
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "mistral", models[0].ModelID)
}

// =============================================================================
// Users
// =============================================================================

func TestUsers_CountAdminsReflectsRole(t *testing.T) {
	store := openTestStore(t)
	users := store.Users()

	require.NoError(t, users.Create(context.Background(), &User{ID: "u-1", Username: "admin-1", PasswordHash: "hash", Role: RoleAdmin}))
	require.NoError(t, users.Create(context.Background(), &User{ID: "u-2", Username: "viewer-1", PasswordHash: "hash", Role: RoleViewer}))

	n, err := users.CountAdmins(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUsers_GetByUsernameUnknownReturnsNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Users().GetByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Settings
// =============================================================================

func TestSettings_RoundTripsValue(t *testing.T) {
	store := openTestStore(t)
	settings := store.Settings()

	require.NoError(t, settings.Set(context.Background(), "load_latency_weight", "1.5"))

	got, ok, err := settings.Get(context.Background(), "load_latency_weight")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.5", got)
}

func TestSettings_UnknownKeyReportsNotOK(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.Settings().Get(context.Background(), "never-set")
	require.NoError(t, err)
	assert.False(t, ok)
}
