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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type manifestStore struct{ db *sql.DB }

func (s *manifestStore) Put(ctx context.Context, m *ModelManifest) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	files, err := json.Marshal(m.Files)
	if err != nil {
		return fmt.Errorf("encoding manifest files: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO model_manifests (model_name, format, files, source_repo, created_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (model_name) DO UPDATE SET format=excluded.format, files=excluded.files, source_repo=excluded.source_repo`,
		m.ModelName, string(m.Format), string(files), m.SourceRepo, m.CreatedAt.Unix())
	return err
}

func scanManifest(row rowScanner) (*ModelManifest, error) {
	var m ModelManifest
	var format, files string
	var createdAt int64
	if err := row.Scan(&m.ModelName, &format, &files, &m.SourceRepo, &createdAt); err != nil {
		return nil, err
	}
	m.Format = ManifestFormat(format)
	m.CreatedAt = timeFromUnix(createdAt)
	if err := json.Unmarshal([]byte(files), &m.Files); err != nil {
		return nil, fmt.Errorf("decoding manifest files for %s: %w", m.ModelName, err)
	}
	return &m, nil
}

func (s *manifestStore) Get(ctx context.Context, modelName string) (*ModelManifest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT model_name, format, files, source_repo, created_at FROM model_manifests WHERE model_name=?`, modelName)
	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *manifestStore) List(ctx context.Context) ([]*ModelManifest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model_name, format, files, source_repo, created_at FROM model_manifests ORDER BY model_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ModelManifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
