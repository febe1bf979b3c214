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
	"errors"
)

// ErrNotFound is returned by Get-style methods when no row matches.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned on unique-constraint violations the caller should
// surface as a 409.
var ErrConflict = errors.New("storage: conflict")

// EndpointFilter narrows Endpoints.List. Zero-value fields are unconstrained.
type EndpointFilter struct {
	Status       EndpointStatus
	EndpointType EndpointType
	Capability   Capability
	ModelID      string
}

// Endpoints is the narrow interface the Endpoint Registry and Health
// Supervisor use against Storage. It is the only component allowed to
// see both the endpoints and endpoint_models tables together.
type Endpoints interface {
	Create(ctx context.Context, e *Endpoint) error
	Update(ctx context.Context, e *Endpoint) error
	UpdateHealth(ctx context.Context, id string, status EndpointStatus, latencyMs *float64, lastError string, errorCount int) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Endpoint, error)
	GetByName(ctx context.Context, name string) (*Endpoint, error)
	List(ctx context.Context, filter EndpointFilter) ([]*Endpoint, error)
	IncrementCounters(ctx context.Context, id string, success bool) error

	ReplaceModels(ctx context.Context, endpointID string, models []EndpointModel) error
	ListModels(ctx context.Context, endpointID string) ([]EndpointModel, error)
	ListModelsForModelID(ctx context.Context, modelID string) ([]EndpointModel, error)
}

// Users is the narrow interface the Auth Gate uses for accounts.
type Users interface {
	Create(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	CountAdmins(ctx context.Context) (int, error)
}

// APIKeys is the narrow interface the Auth Gate uses for API credentials.
type APIKeys interface {
	Create(ctx context.Context, k *APIKey) error
	Delete(ctx context.Context, id string) error
	GetByHash(ctx context.Context, keyHash string) (*APIKey, error)
	ListForOwner(ctx context.Context, ownerUserID string) ([]*APIKey, error)
	TouchLastUsed(ctx context.Context, id string) error
}

// AuditLog is the narrow interface the Audit Writer uses.
type AuditLog interface {
	InsertBatch(ctx context.Context, entries []*AuditLogEntry) ([]int64, error)
	SealBatch(ctx context.Context, ids []int64, batchID int64) error
	InsertBatchHash(ctx context.Context, h *AuditBatchHash) error
	LastBatchHash(ctx context.Context) (*AuditBatchHash, error)
	ListBatchHashes(ctx context.Context) ([]*AuditBatchHash, error)
	EntriesForBatch(ctx context.Context, batchID int64) ([]*AuditLogEntry, error)
	Search(ctx context.Context, query string, limit int) ([]*AuditLogEntry, error)
	OlderThan(ctx context.Context, cutoffUnix int64, limit int) ([]*AuditLogEntry, error)
	DeleteByIDs(ctx context.Context, ids []int64) error
}

// Stats is the narrow interface the Statistics Aggregator uses.
type Stats interface {
	Upsert(ctx context.Context, s *DailyEndpointStat) error
	ForEndpoint(ctx context.Context, endpointID, date string) ([]*DailyEndpointStat, error)
	ForModel(ctx context.Context, modelID string, from, to string) ([]*DailyEndpointStat, error)
}

// Manifests is the narrow interface the Model Manifest registry uses.
type Manifests interface {
	Put(ctx context.Context, m *ModelManifest) error
	Get(ctx context.Context, modelName string) (*ModelManifest, error)
	List(ctx context.Context) ([]*ModelManifest, error)
}

// Settings is a generic key/value store for runtime-tunable configuration
// that does not warrant a dedicated column (e.g. scoring weights).
type Settings interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Store aggregates every narrow interface behind one handle so callers that
// genuinely need several (e.g. boot-time wiring) can take a single
// dependency, while each component is still typed against only the
// sub-interface it needs.
type Store interface {
	Endpoints() Endpoints
	Users() Users
	APIKeys() APIKeys
	AuditLog() AuditLog
	Stats() Stats
	Manifests() Manifests
	Settings() Settings
	Close() error
}
