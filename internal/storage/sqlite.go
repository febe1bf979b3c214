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
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteStore implements Store on top of a single *sql.DB opened in WAL mode.
// Open caps the pool at one connection, so reads and writes alike are
// serialized through it.
type sqliteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path, enables WAL
// mode and foreign keys, and applies pending migrations.
//
// # Inputs
//
//   - ctx: used only for the migration pass; not retained.
//   - path: filesystem path to the database file (e.g. "{data_dir}/load balancer.db").
//
// # Outputs
//
//   - Store: ready for use.
//   - error: non-nil if the file cannot be opened or migrations fail.
func Open(ctx context.Context, path string) (Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite writers are serialized; one conn avoids SQLITE_BUSY churn.

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// ArchiveLog is a second, independent audit store opened by OpenArchive; it
// embeds AuditLog for the Audit Writer's archival queries and adds Close so
// the caller can release the handle at shutdown, which the narrow AuditLog
// interface itself has no reason to expose.
type ArchiveLog struct {
	AuditLog
	db *sql.DB
}

func (a *ArchiveLog) Close() error { return a.db.Close() }

// OpenArchive opens a second, independent SQLite database used solely as
// the Audit Writer's cold-storage target: entries older than the retention
// window are moved here (with their batch hashes) so the primary database
// stays small without ever deleting audit history outright. It shares the
// same migration set as the primary store; the archive simply never
// populates the non-audit tables that migration also creates.
func OpenArchive(ctx context.Context, path string) (*ArchiveLog, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening archive database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating archive %s: %w", path, err)
	}
	return &ArchiveLog{AuditLog: &auditLogStore{db: db}, db: db}, nil
}

func (s *sqliteStore) Endpoints() Endpoints { return &endpointStore{db: s.db} }
func (s *sqliteStore) Users() Users         { return &userStore{db: s.db} }
func (s *sqliteStore) APIKeys() APIKeys     { return &apiKeyStore{db: s.db} }
func (s *sqliteStore) AuditLog() AuditLog   { return &auditLogStore{db: s.db} }
func (s *sqliteStore) Stats() Stats         { return &statsStore{db: s.db} }
func (s *sqliteStore) Manifests() Manifests { return &manifestStore{db: s.db} }
func (s *sqliteStore) Settings() Settings   { return &settingsStore{db: s.db} }

// --- shared helpers -------------------------------------------------------

func joinSet(s StringSet) string {
	if len(s) == 0 {
		return ""
	}
	items := s.Slice()
	sort.Strings(items)
	return strings.Join(items, ",")
}

func parseSet(raw string) StringSet {
	s := make(StringSet)
	if raw == "" {
		return s
	}
	for _, part := range strings.Split(raw, ",") {
		if part != "" {
			s.Add(part)
		}
	}
	return s
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromUnix(u int64) time.Time {
	return time.Unix(u, 0).UTC()
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
