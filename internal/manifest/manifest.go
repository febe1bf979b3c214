// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest is the Model Manifest registry: a read-through mapping
// of Hugging Face repo ids to the file listing runtimes fetch directly.
// The router holds metadata only — it never downloads or proxies model
// weights.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/llmlb/llmlb/internal/storage"
)

// ErrAmbiguousFormat is returned when a repo's file listing is consistent
// with both gguf and safetensors and the caller did not disambiguate.
var ErrAmbiguousFormat = errors.New("manifest: repo contains both gguf and safetensors files; format must be specified")

// ErrMissingRequiredFile is returned when a safetensors registration omits
// a file its shape requires.
var ErrMissingRequiredFile = errors.New("manifest: missing file required for this format")

// Registry is a thin read-through wrapper over storage.Manifests that
// enforces the format-validation rules at registration time rather than
// leaving them to callers.
type Registry struct {
	store storage.Manifests
}

func New(store storage.Manifests) *Registry {
	return &Registry{store: store}
}

// Register validates files against format (inferring it when unambiguous)
// and persists the manifest.
func (r *Registry) Register(ctx context.Context, modelName string, format storage.ManifestFormat, files []storage.ManifestFile, sourceRepo string) (*storage.ModelManifest, error) {
	resolved, err := resolveFormat(format, files)
	if err != nil {
		return nil, err
	}
	if err := validateRequiredFiles(resolved, files); err != nil {
		return nil, err
	}

	m := &storage.ModelManifest{
		ModelName:  modelName,
		Format:     resolved,
		Files:      files,
		SourceRepo: sourceRepo,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.Put(ctx, m); err != nil {
		return nil, fmt.Errorf("persisting manifest for %s: %w", modelName, err)
	}
	return m, nil
}

func (r *Registry) Get(ctx context.Context, modelName string) (*storage.ModelManifest, error) {
	return r.store.Get(ctx, modelName)
}

func (r *Registry) List(ctx context.Context) ([]*storage.ModelManifest, error) {
	return r.store.List(ctx)
}

// resolveFormat infers gguf/safetensors from the file extensions present
// when format is empty, and rejects the call as ambiguous when both
// extension families appear and the caller left format unspecified.
func resolveFormat(format storage.ManifestFormat, files []storage.ManifestFile) (storage.ManifestFormat, error) {
	if format != "" {
		return format, nil
	}
	hasGGUF, hasSafetensors := false, false
	for _, f := range files {
		switch {
		case strings.HasSuffix(f.Name, ".gguf"):
			hasGGUF = true
		case strings.HasSuffix(f.Name, ".safetensors"):
			hasSafetensors = true
		}
	}
	switch {
	case hasGGUF && hasSafetensors:
		return "", ErrAmbiguousFormat
	case hasGGUF:
		return storage.FormatGGUF, nil
	case hasSafetensors:
		return storage.FormatSafetensors, nil
	default:
		return "", fmt.Errorf("manifest: cannot infer format from file listing; specify format explicitly")
	}
}

// validateRequiredFiles enforces the companion-file rules: safetensors
// needs config.json and tokenizer.json, and a sharded safetensors repo
// (more than one .safetensors file) additionally needs the shard index.
func validateRequiredFiles(format storage.ManifestFormat, files []storage.ManifestFile) error {
	if format != storage.FormatSafetensors {
		return nil
	}
	names := make(map[string]bool, len(files))
	shardCount := 0
	for _, f := range files {
		names[f.Name] = true
		if strings.HasSuffix(f.Name, ".safetensors") {
			shardCount++
		}
	}
	for _, required := range []string{"config.json", "tokenizer.json"} {
		if !names[required] {
			return fmt.Errorf("%w: %s", ErrMissingRequiredFile, required)
		}
	}
	if shardCount > 1 && !names["model.safetensors.index.json"] {
		return fmt.Errorf("%w: model.safetensors.index.json", ErrMissingRequiredFile)
	}
	return nil
}
