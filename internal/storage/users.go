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

type userStore struct{ db *sql.DB }

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username, password_hash, role, must_change_password, created_at)
		VALUES (?,?,?,?,?,?)`, u.ID, u.Username, u.PasswordHash, string(u.Role), boolToInt(u.MustChangePassword), u.CreatedAt.Unix())
	if isUniqueConstraintErr(err) {
		return fmt.Errorf("%w: username already taken", ErrConflict)
	}
	return err
}

func (s *userStore) Update(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET username=?, password_hash=?, role=?, must_change_password=? WHERE id=?`,
		u.Username, u.PasswordHash, string(u.Role), boolToInt(u.MustChangePassword), u.ID)
	return err
}

// Delete enforces the last-admin guard: deleting the sole remaining
// admin is refused with ErrConflict, which callers surface as HTTP 409.
func (s *userStore) Delete(ctx context.Context, id string) error {
	u, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if u.Role == RoleAdmin {
		count, err := s.CountAdmins(ctx)
		if err != nil {
			return err
		}
		if count <= 1 {
			return fmt.Errorf("%w: at least one admin user must exist", ErrConflict)
		}
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	return err
}

func (s *userStore) Get(ctx context.Context, id string) (*User, error) {
	return s.scanOne(ctx, `WHERE id=?`, id)
}

func (s *userStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanOne(ctx, `WHERE username=?`, username)
}

func (s *userStore) scanOne(ctx context.Context, where string, arg string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, role, must_change_password, created_at FROM users `+where, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var role string
	var mustChange int
	var createdAt int64
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &mustChange, &createdAt); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	u.MustChangePassword = mustChange != 0
	u.CreatedAt = timeFromUnix(createdAt)
	return &u, nil
}

func (s *userStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, password_hash, role, must_change_password, created_at FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *userStore) CountAdmins(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE role=?`, string(RoleAdmin)).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
