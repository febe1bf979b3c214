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
	"errors"
	"fmt"
	"time"
)

type apiKeyStore struct{ db *sql.DB }

func (s *apiKeyStore) Create(ctx context.Context, k *APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_keys (id, owner_user_id, key_hash, permissions, expires_at, last_used_at, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		k.ID, k.OwnerUserID, k.KeyHash, joinSet(k.Permissions), unixOrNil(k.ExpiresAt), unixOrNil(k.LastUsedAt), k.CreatedAt.Unix())
	if isUniqueConstraintErr(err) {
		return fmt.Errorf("%w: api key already exists", ErrConflict)
	}
	return err
}

func (s *apiKeyStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	return err
}

const apiKeySelectCols = `SELECT id, owner_user_id, key_hash, permissions, expires_at, last_used_at, created_at FROM api_keys`

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var k APIKey
	var perms string
	var expiresAt, lastUsedAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&k.ID, &k.OwnerUserID, &k.KeyHash, &perms, &expiresAt, &lastUsedAt, &createdAt); err != nil {
		return nil, err
	}
	k.Permissions = parseSet(perms)
	k.CreatedAt = timeFromUnix(createdAt)
	if expiresAt.Valid {
		t := timeFromUnix(expiresAt.Int64)
		k.ExpiresAt = &t
	}
	if lastUsedAt.Valid {
		t := timeFromUnix(lastUsedAt.Int64)
		k.LastUsedAt = &t
	}
	return &k, nil
}

func (s *apiKeyStore) GetByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, apiKeySelectCols+` WHERE key_hash=?`, keyHash)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return k, err
}

func (s *apiKeyStore) ListForOwner(ctx context.Context, ownerUserID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, apiKeySelectCols+` WHERE owner_user_id=? ORDER BY created_at ASC`, ownerUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *apiKeyStore) TouchLastUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, time.Now().UTC().Unix(), id)
	return err
}
