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
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations
var embeddedMigrations embed.FS

// migrate applies every .sql file under migrations/ in ascending numeric
// order inside its own transaction, tracked in schema_migrations. Each file
// is idempotent (CREATE TABLE/INDEX/TRIGGER IF NOT EXISTS) so
// re-applying a file that already ran is harmless; the schema_migrations
// table exists purely to skip the work, not to guarantee correctness.
//
// This repo does not pull in golang-migrate: its source-driver abstraction
// (file:// , github://, s3://, ...) buys nothing for a single embed.FS of
// local files, and its target-driver abstraction buys nothing when the only
// target is this module's own *sql.DB. The apply-in-order/idempotent
// contract golang-migrate provides is reproduced directly below; see
// DESIGN.md for the full justification of this stdlib-only corner.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(embeddedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("reading embedded migrations: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, name)
		if err := row.Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		body, err := embeddedMigrations.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning tx for %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, strftime('%s','now'))`, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}
	}

	return nil
}

// rebuildTableDroppingColumn implements the table-rebuild pattern
// requires for schema changes that drop columns on SQLite: create a shadow
// table with the new shape, copy surviving columns, drop the old table, and
// rename the shadow into place. newDDL must create a table named
// "<table>_new"; keepColumns lists the columns to copy, in the shadow
// table's column order.
func rebuildTableDroppingColumn(ctx context.Context, db *sql.DB, table, newDDL string, keepColumns []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, newDDL); err != nil {
		return fmt.Errorf("creating shadow table: %w", err)
	}

	cols := strings.Join(keepColumns, ", ")
	copySQL := fmt.Sprintf("INSERT INTO %s_new (%s) SELECT %s FROM %s", table, cols, cols, table)
	if _, err := tx.ExecContext(ctx, copySQL); err != nil {
		return fmt.Errorf("copying rows into shadow table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s", table)); err != nil {
		return fmt.Errorf("dropping old table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s_new RENAME TO %s", table, table)); err != nil {
		return fmt.Errorf("renaming shadow table: %w", err)
	}

	return tx.Commit()
}
