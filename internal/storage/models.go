// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage is the single relational store for the gateway (SQLite in
// WAL mode), implementing a single relational store. Every other component reaches the database
// only through the narrow per-aggregate interfaces defined in this package;
// cross-aggregate joins are forbidden above this layer above this layer.
package storage

import "time"

// EndpointType identifies the wire protocol an endpoint speaks.
type EndpointType string

const (
	EndpointTypeXLLM            EndpointType = "xllm"
	EndpointTypeOllama          EndpointType = "ollama"
	EndpointTypeVLLM            EndpointType = "vllm"
	EndpointTypeLMStudio        EndpointType = "lm_studio"
	EndpointTypeOpenAICompatible EndpointType = "openai_compatible"
)

// EndpointStatus is the Health Supervisor's state machine value.
type EndpointStatus string

const (
	StatusPending EndpointStatus = "pending"
	StatusOnline  EndpointStatus = "online"
	StatusOffline EndpointStatus = "offline"
	StatusError   EndpointStatus = "error"
)

// Capability is a declared feature of an endpoint-model pair.
type Capability string

const (
	CapChatCompletion    Capability = "chat_completion"
	CapCompletion        Capability = "completion"
	CapEmbeddings        Capability = "embeddings"
	CapAudioTranscription Capability = "audio_transcription"
	CapAudioSpeech       Capability = "audio_speech"
	CapImageGeneration   Capability = "image_generation"
	CapVision            Capability = "vision"
	CapResponsesAPI      Capability = "responses_api"
)

// StringSet is a small set-of-strings helper used for Capabilities,
// SupportedAPIs and Permissions columns, which are persisted as sorted,
// comma-joined TEXT persisted as sorted, comma-joined TEXT.
type StringSet map[string]struct{}

// NewStringSet builds a StringSet from a variadic list.
func NewStringSet(items ...string) StringSet {
	s := make(StringSet, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Has reports whether item is a member.
func (s StringSet) Has(item string) bool {
	_, ok := s[item]
	return ok
}

// Add inserts item.
func (s StringSet) Add(item string) { s[item] = struct{}{} }

// Slice returns the members in unspecified order.
func (s StringSet) Slice() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// Endpoint is an external inference service known to the balancer.
type Endpoint struct {
	ID                      string
	Name                    string
	BaseURL                 string
	APIKeyEncrypted         []byte
	EndpointType            EndpointType
	DetectionReason         string
	Status                  EndpointStatus
	HealthCheckIntervalSecs int
	InferenceTimeoutSecs    int
	LatencyMs               *float64
	InferenceLatencyMs      *float64
	LastSeen                *time.Time
	LastError               string
	ErrorCount              int
	Capabilities            StringSet
	TotalRequests           int64
	SuccessfulRequests      int64
	FailedRequests          int64
	DeviceInfo              string // JSON blob, opaque to storage
	RegisteredAt            time.Time
}

// EndpointModel is a model listed by an endpoint, keyed by (EndpointID, ModelID).
type EndpointModel struct {
	EndpointID    string
	ModelID       string
	MaxTokens     *int
	SupportedAPIs StringSet
	Capabilities  StringSet
}

// Role is a dashboard user's authorization level.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// User is a dashboard account.
type User struct {
	ID                string
	Username          string
	PasswordHash      string
	Role              Role
	MustChangePassword bool
	CreatedAt         time.Time
}

// APIKey is a bearer credential for the /v1/* and selected /api/* surface.
type APIKey struct {
	ID          string
	OwnerUserID string
	KeyHash     string // sha256(hex) of the full "sk_"+body key
	Permissions StringSet
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// Invitation lets an admin pre-authorize a new account.
type Invitation struct {
	ID        string
	Token     string
	Role      Role
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorUser      ActorType = "user"
	ActorAPIKey    ActorType = "api_key"
	ActorAnonymous ActorType = "anonymous"
)

// AuditLogEntry is a single record of one HTTP operation. Insert-only.
type AuditLogEntry struct {
	ID             int64
	Timestamp      time.Time
	HTTPMethod     string
	RequestPath    string
	StatusCode     int
	DurationMs     int64
	ActorType      ActorType
	ActorID        string
	ActorUsername  string
	ClientIP       string
	ModelName      string
	EndpointID     string
	InputTokens    *int64
	OutputTokens   *int64
	TotalTokens    *int64
	Detail         string
	BatchID        *int64
}

// AuditBatchHash is one link in the tamper-evident chain.
type AuditBatchHash struct {
	ID             int64
	SequenceNumber int64
	BatchStart     time.Time
	BatchEnd       time.Time
	RecordCount    int64
	Hash           string
	PreviousHash   string
}

// APIKind groups requests for per-(endpoint,model,api) statistics.
type APIKind string

const (
	APIChatCompletions APIKind = "chat_completions"
	APICompletions     APIKind = "completions"
	APIEmbeddings      APIKind = "embeddings"
	APIResponses       APIKind = "responses"
	APIAudioSpeech     APIKind = "audio_speech"
	APIAudioTranscribe APIKind = "audio_transcriptions"
	APIImages          APIKind = "images"
)

// DailyEndpointStat is the rollup key (endpoint_id, model_id, date, api_kind).
type DailyEndpointStat struct {
	EndpointID        string
	ModelID           string
	Date              string // YYYY-MM-DD, UTC
	APIKind           APIKind
	Total             int64
	Successful        int64
	Failed            int64
	TotalOutputTokens int64
	TotalDurationMs   int64
}

// ManifestFormat is the on-disk model format a manifest describes.
type ManifestFormat string

const (
	FormatGGUF        ManifestFormat = "gguf"
	FormatSafetensors ManifestFormat = "safetensors"
)

// ManifestFile describes one file within a model manifest.
type ManifestFile struct {
	Name        string
	Size        int64
	SHA256      string
	DownloadURL string
}

// ModelManifest maps an HF repo id to its file listing.
type ModelManifest struct {
	ModelName  string
	Format     ManifestFormat
	Files      []ManifestFile
	SourceRepo string
	CreatedAt  time.Time
}

// Setting is a single row in the generic settings key/value table, used for
// runtime-tunable values that do not warrant a dedicated column (e.g. the
// scoring latency weight).
type Setting struct {
	Key   string
	Value string
}
