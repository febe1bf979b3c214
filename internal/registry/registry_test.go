// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/llmlb/internal/secure"
	"github.com/llmlb/llmlb/internal/storage"
)

// fakeEndpointStore is a minimal in-memory storage.Endpoints for exercising
// the Registry without a real database.
type fakeEndpointStore struct {
	byID map[string]*storage.Endpoint
}

func newFakeEndpointStore() *fakeEndpointStore {
	return &fakeEndpointStore{byID: make(map[string]*storage.Endpoint)}
}

func (f *fakeEndpointStore) Create(ctx context.Context, e *storage.Endpoint) error {
	cp := *e
	f.byID[e.ID] = &cp
	return nil
}

func (f *fakeEndpointStore) Update(ctx context.Context, e *storage.Endpoint) error {
	cp := *e
	f.byID[e.ID] = &cp
	return nil
}

func (f *fakeEndpointStore) UpdateHealth(ctx context.Context, id string, status storage.EndpointStatus, latencyMs *float64, lastError string, errorCount int) error {
	e, ok := f.byID[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.Status = status
	e.LatencyMs = latencyMs
	e.LastError = lastError
	e.ErrorCount = errorCount
	return nil
}

func (f *fakeEndpointStore) Delete(ctx context.Context, id string) error {
	delete(f.byID, id)
	return nil
}

func (f *fakeEndpointStore) Get(ctx context.Context, id string) (*storage.Endpoint, error) {
	e, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (f *fakeEndpointStore) GetByName(ctx context.Context, name string) (*storage.Endpoint, error) {
	for _, e := range f.byID {
		if e.Name == name {
			return e, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeEndpointStore) List(ctx context.Context, filter storage.EndpointFilter) ([]*storage.Endpoint, error) {
	out := make([]*storage.Endpoint, 0)
	for _, e := range f.byID {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeEndpointStore) IncrementCounters(ctx context.Context, id string, success bool) error {
	return nil
}

func (f *fakeEndpointStore) ReplaceModels(ctx context.Context, endpointID string, models []storage.EndpointModel) error {
	return nil
}

func (f *fakeEndpointStore) ListModels(ctx context.Context, endpointID string) ([]storage.EndpointModel, error) {
	return nil, nil
}

func (f *fakeEndpointStore) ListModelsForModelID(ctx context.Context, modelID string) ([]storage.EndpointModel, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeEndpointStore, *secure.Vault) {
	t.Helper()
	vault, err := secure.New()
	require.NoError(t, err)
	t.Cleanup(vault.Close)

	store := newFakeEndpointStore()
	reg, err := New(store, t.TempDir(), vault)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg, store, vault
}

// =============================================================================
// Create / Get / Update / Delete
// =============================================================================

func TestCreate_AssignsIDAndDefaultsWhenUnset(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	e := &storage.Endpoint{Name: "local-1", BaseURL: "http://unreachable.invalid", EndpointType: storage.EndpointTypeOpenAICompatible}

	err := reg.Create(context.Background(), e)

	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, 30, e.HealthCheckIntervalSecs)
	assert.Equal(t, 60, e.InferenceTimeoutSecs)
	assert.Equal(t, storage.StatusPending, e.Status)
}

func TestCreate_SealsAPIKeyBeforePersisting(t *testing.T) {
	reg, store, vault := newTestRegistry(t)
	e := &storage.Endpoint{Name: "keyed", BaseURL: "http://unreachable.invalid", EndpointType: storage.EndpointTypeOpenAICompatible, APIKeyEncrypted: []byte("sk-plaintext")}

	require.NoError(t, reg.Create(context.Background(), e))

	persisted := store.byID[e.ID]
	assert.NotEqual(t, "sk-plaintext", string(persisted.APIKeyEncrypted))
	plain, err := vault.Unseal(persisted.APIKeyEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "sk-plaintext", plain)
}

func TestCreate_RespectsManualEndpointTypeOverride(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	e := &storage.Endpoint{Name: "manual", BaseURL: "http://unreachable.invalid", EndpointType: storage.EndpointTypeVLLM}

	require.NoError(t, reg.Create(context.Background(), e))

	assert.Equal(t, storage.EndpointTypeVLLM, e.EndpointType)
	assert.Equal(t, "manual override", e.DetectionReason)
}

func TestGet_PrefersCachedSnapshotOverStore(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	e := &storage.Endpoint{Name: "cached", BaseURL: "http://unreachable.invalid", EndpointType: storage.EndpointTypeOpenAICompatible}
	require.NoError(t, reg.Create(context.Background(), e))

	store.byID[e.ID].Name = "mutated-directly-in-store"

	got, err := reg.Get(context.Background(), e.ID)

	require.NoError(t, err)
	assert.Equal(t, "cached", got.Name, "Get should serve the cached snapshot written at Create time")
}

func TestDelete_RemovesFromCacheAndStore(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	e := &storage.Endpoint{Name: "to-delete", BaseURL: "http://unreachable.invalid", EndpointType: storage.EndpointTypeOpenAICompatible}
	require.NoError(t, reg.Create(context.Background(), e))

	require.NoError(t, reg.Delete(context.Background(), e.ID))

	_, ok := store.byID[e.ID]
	assert.False(t, ok)
	_, err := reg.Get(context.Background(), e.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRevealAPIKey_EmptyForEndpointWithNoCredential(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	e := &storage.Endpoint{ID: "ep-1"}

	key, err := reg.RevealAPIKey(e)

	require.NoError(t, err)
	assert.Empty(t, key)
}

// =============================================================================
// Version
// =============================================================================

func TestVersion_IncrementsOnEachSnapshotWrite(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	before := reg.Version()

	e := &storage.Endpoint{Name: "versioned", BaseURL: "http://unreachable.invalid", EndpointType: storage.EndpointTypeOpenAICompatible}
	require.NoError(t, reg.Create(context.Background(), e))

	assert.Greater(t, reg.Version(), before)
}

// =============================================================================
// Test
// =============================================================================

func TestTest_CapturesSelfReportedDeviceInfoFromAPISystem(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/system" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"xllm_version":"1.0","cpu_percent":42,"memory_percent":55}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ep := &storage.Endpoint{ID: "ep-1", Name: "xllm-1", BaseURL: srv.URL, EndpointType: storage.EndpointTypeXLLM}
	store.byID[ep.ID] = ep

	got, err := reg.Test(context.Background(), ep.ID)

	require.NoError(t, err)
	assert.Contains(t, got.DeviceInfo, "cpu_percent")
	assert.NotNil(t, got.LatencyMs)
}

func TestTest_FallsBackToV1ModelsWhenAPISystemUnavailable(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":[{"id":"llama3"}]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ep := &storage.Endpoint{ID: "ep-1", Name: "oai-1", BaseURL: srv.URL, EndpointType: storage.EndpointTypeOpenAICompatible}
	store.byID[ep.ID] = ep

	got, err := reg.Test(context.Background(), ep.ID)

	require.NoError(t, err)
	assert.Contains(t, got.DeviceInfo, "llama3")
}

// =============================================================================
// detectType
// =============================================================================

func TestDetectType_RecognizesOllamaTagsEndpoint(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"models":[]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	typ, reason := reg.detectType(context.Background(), srv.URL)

	assert.Equal(t, storage.EndpointTypeOllama, typ)
	assert.Contains(t, reason, "/api/tags")
}

func TestDetectType_RecognizesXLLMSystemEndpoint(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/system" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"xllm_version":"1.0"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	typ, _ := reg.detectType(context.Background(), srv.URL)

	assert.Equal(t, storage.EndpointTypeXLLM, typ)
}

func TestDetectType_FallsBackToOpenAICompatibleOnV1Models(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":[]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	typ, reason := reg.detectType(context.Background(), srv.URL)

	assert.Equal(t, storage.EndpointTypeOpenAICompatible, typ)
	assert.Contains(t, reason, "/v1/models")
}

func TestDetectType_DefaultsToOpenAICompatibleWhenUnreachable(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	typ, reason := reg.detectType(context.Background(), "http://127.0.0.1:1")

	assert.Equal(t, storage.EndpointTypeOpenAICompatible, typ)
	assert.Contains(t, reason, "unreachable")
}
