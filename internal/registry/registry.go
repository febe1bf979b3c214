// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry implements the Endpoint Registry: CRUD over known
// inference endpoints, type auto-detection, and a read-mostly cache that
// lets hot-path lookups (the Load Scorer, the Router) avoid hitting
// storage for every request.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/llmlb/llmlb/internal/secure"
	"github.com/llmlb/llmlb/internal/storage"
)

var tracer = otel.Tracer("llmlb.registry")

// Registry is the single source of truth handle for endpoint lifecycle
// operations. Storage remains authoritative; cache is a versioned snapshot
// that readers are allowed to observe slightly stale: single writer, versioned snapshot reads.
type Registry struct {
	store     storage.Endpoints
	cache     *badger.DB
	probeHTTP *http.Client
	vault     *secure.Vault
	version   atomic.Int64
}

// New opens (or reuses) a badger snapshot store rooted at cacheDir and
// returns a Registry backed by the given Endpoints aggregate. vault seals
// each endpoint's API key before it is persisted; pass the same Vault
// instance the caller uses elsewhere so RevealAPIKey can later open it.
func New(store storage.Endpoints, cacheDir string, vault *secure.Vault) (*Registry, error) {
	opts := badger.DefaultOptions(cacheDir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening endpoint cache: %w", err)
	}
	return &Registry{
		store:     store,
		cache:     db,
		probeHTTP: &http.Client{Timeout: 5 * time.Second},
		vault:     vault,
	}, nil
}

// RevealAPIKey decrypts e.APIKeyEncrypted, returning an empty string for an
// endpoint that carries no credential. Callers (the Router, when issuing an
// upstream call) must not retain the result beyond the call it authorizes.
func (r *Registry) RevealAPIKey(e *storage.Endpoint) (string, error) {
	if len(e.APIKeyEncrypted) == 0 {
		return "", nil
	}
	return r.vault.Unseal(e.APIKeyEncrypted)
}

// sealAPIKey replaces a caller-supplied plaintext key (carried, by
// convention, in e.APIKeyEncrypted before Create/Update persist it) with
// its sealed form. A no-op when the field is empty.
func (r *Registry) sealAPIKey(e *storage.Endpoint) error {
	if len(e.APIKeyEncrypted) == 0 {
		return nil
	}
	sealed, err := r.vault.Seal(string(e.APIKeyEncrypted))
	if err != nil {
		return fmt.Errorf("sealing endpoint API key: %w", err)
	}
	e.APIKeyEncrypted = sealed
	return nil
}

func (r *Registry) Close() error { return r.cache.Close() }

// Create registers a new endpoint. If e.EndpointType is empty, the type is
// auto-detected by probing the base URL per a fixed rule order;
// manual override (a caller-supplied EndpointType) always wins.
func (r *Registry) Create(ctx context.Context, e *storage.Endpoint) error {
	ctx, span := tracer.Start(ctx, "Registry.Create")
	defer span.End()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.HealthCheckIntervalSecs == 0 {
		e.HealthCheckIntervalSecs = 30
	}
	if e.InferenceTimeoutSecs == 0 {
		e.InferenceTimeoutSecs = 60
	}
	if e.Capabilities == nil {
		e.Capabilities = storage.NewStringSet()
	}
	e.Status = storage.StatusPending

	if e.EndpointType == "" {
		detected, reason := r.detectType(ctx, e.BaseURL)
		e.EndpointType = detected
		e.DetectionReason = reason
	} else {
		e.DetectionReason = "manual override"
	}
	span.SetAttributes(attribute.String("endpoint.type", string(e.EndpointType)))

	if err := r.sealAPIKey(e); err != nil {
		return err
	}
	if err := r.store.Create(ctx, e); err != nil {
		return err
	}
	r.writeSnapshot(e)
	return nil
}

func (r *Registry) Update(ctx context.Context, e *storage.Endpoint) error {
	if err := r.sealAPIKey(e); err != nil {
		return err
	}
	if err := r.store.Update(ctx, e); err != nil {
		return err
	}
	r.writeSnapshot(e)
	return nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.deleteSnapshot(id)
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*storage.Endpoint, error) {
	if e, ok := r.readSnapshot(id); ok {
		return e, nil
	}
	return r.store.Get(ctx, id)
}

func (r *Registry) List(ctx context.Context, filter storage.EndpointFilter) ([]*storage.Endpoint, error) {
	return r.store.List(ctx, filter)
}

// Test performs a live probe against id's base URL, refreshing latency_ms
// and device_info without touching status (status belongs to the Health
// Supervisor alone). device_info is populated from /api/system when the
// endpoint answers there, the same self-report shape xLLM publishes (see
// detectType) and the one the load sampler knows how to parse for cpu/mem
// figures; endpoints that don't answer on /api/system fall back to the
// /v1/models listing body, which is informational only.
func (r *Registry) Test(ctx context.Context, id string) (*storage.Endpoint, error) {
	e, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ok, body := r.probe(ctx, e.BaseURL, "/api/system")
	if !ok {
		ok, body = r.probe(ctx, e.BaseURL, "/v1/models")
	}
	elapsed := float64(time.Since(start).Milliseconds())
	if ok {
		e.LatencyMs = &elapsed
		e.DeviceInfo = string(body)
	}
	if err := r.store.Update(ctx, e); err != nil {
		return nil, err
	}
	r.writeSnapshot(e)
	return e, nil
}

// Sync pulls the model listing from the endpoint and derives per-model
// capabilities, replacing the endpoint_models rows wholesale.
func (r *Registry) Sync(ctx context.Context, id string) ([]storage.EndpointModel, error) {
	e, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	ok, body := r.probe(ctx, e.BaseURL, "/v1/models")
	if !ok {
		return nil, fmt.Errorf("sync: endpoint %s unreachable", e.ID)
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("sync: parsing model listing: %w", err)
	}

	hasSpeech, _ := r.probe(ctx, e.BaseURL, "/v1/audio/speech")
	caps := storage.NewStringSet(string(storage.CapChatCompletion))
	if hasSpeech {
		caps.Add(string(storage.CapAudioSpeech))
	}

	models := make([]storage.EndpointModel, 0, len(listing.Data))
	for _, m := range listing.Data {
		models = append(models, storage.EndpointModel{
			EndpointID:    e.ID,
			ModelID:       m.ID,
			SupportedAPIs: storage.NewStringSet("chat_completions"),
			Capabilities:  caps,
		})
	}
	if err := r.store.ReplaceModels(ctx, e.ID, models); err != nil {
		return nil, err
	}
	return models, nil
}

// detectType implements the fixed probe order. It never returns an
// error: an unreachable endpoint yields (openai_compatible, "unreachable
// during detection; defaulted to openai_compatible").
func (r *Registry) detectType(ctx context.Context, baseURL string) (storage.EndpointType, string) {
	if ok, body := r.probe(ctx, baseURL, "/api/system"); ok {
		if strings.Contains(string(body), "xllm_version") {
			return storage.EndpointTypeXLLM, "detected xllm_version field on /api/system"
		}
	}
	if ok, _ := r.probe(ctx, baseURL, "/api/tags"); ok {
		return storage.EndpointTypeOllama, "responded on /api/tags"
	}
	if ok, body, header := r.probeWithHeader(ctx, baseURL, "/api/v1/models"); ok {
		lower := strings.ToLower(string(body))
		if strings.Contains(lower, "publisher") || strings.Contains(lower, "arch") || strings.Contains(lower, "state") {
			return storage.EndpointTypeLMStudio, "response body contains a publisher/arch/state field"
		}
		if strings.Contains(strings.ToLower(header), "vllm") {
			return storage.EndpointTypeVLLM, "Server header advertises vllm"
		}
	}
	if ok, _ := r.probe(ctx, baseURL, "/v1/models"); ok {
		return storage.EndpointTypeOpenAICompatible, "responded on /v1/models"
	}
	return storage.EndpointTypeOpenAICompatible, "unreachable during detection; defaulted to openai_compatible"
}

func (r *Registry) probe(ctx context.Context, baseURL, path string) (bool, []byte) {
	ok, body, _ := r.probeWithHeader(ctx, baseURL, path)
	return ok, body
}

func (r *Registry) probeWithHeader(ctx context.Context, baseURL, path string) (bool, []byte, string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+path, nil)
	if err != nil {
		return false, nil, ""
	}
	resp, err := r.probeHTTP.Do(req)
	if err != nil {
		return false, nil, ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil, resp.Header.Get("Server")
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return false, nil, resp.Header.Get("Server")
	}
	return true, body, resp.Header.Get("Server")
}

// --- badger-backed snapshot cache -----------------------------------------

func cacheKey(id string) []byte { return []byte("endpoints/" + id) }

func (r *Registry) writeSnapshot(e *storage.Endpoint) {
	r.version.Add(1)
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	_ = r.cache.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheKey(e.ID), payload)
	})
}

func (r *Registry) deleteSnapshot(id string) {
	r.version.Add(1)
	_ = r.cache.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(id))
	})
}

func (r *Registry) readSnapshot(id string) (*storage.Endpoint, bool) {
	var e storage.Endpoint
	err := r.cache.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(bytes.Clone(val), &e)
		})
	})
	if err != nil {
		return nil, false
	}
	return &e, true
}

// Version reports the cache's monotonic write counter, useful for readers
// that want to detect whether their last-seen snapshot might be stale.
func (r *Registry) Version() int64 { return r.version.Load() }
