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
	"strings"
)

type auditLogStore struct{ db *sql.DB }

// InsertBatch inserts entries in a single transaction and returns the
// assigned row IDs in the same order, for the caller to hand to SealBatch
// once the hash chain link for this batch has been computed.
func (s *auditLogStore) InsertBatch(ctx context.Context, entries []*AuditLogEntry) ([]int64, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		res, err := tx.ExecContext(ctx, `INSERT INTO audit_log (
			timestamp, http_method, request_path, status_code, duration_ms,
			actor_type, actor_id, actor_username, client_ip, model_name, endpoint_id,
			input_tokens, output_tokens, total_tokens, detail, batch_id
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			e.Timestamp.Unix(), e.HTTPMethod, e.RequestPath, e.StatusCode, e.DurationMs,
			string(e.ActorType), e.ActorID, e.ActorUsername, e.ClientIP, e.ModelName, e.EndpointID,
			e.InputTokens, e.OutputTokens, e.TotalTokens, e.Detail, e.BatchID,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting audit entry: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// SealBatch stamps batch_id onto previously-unsealed rows once their hash
// chain link has been written, marking them immutable history.
func (s *auditLogStore) SealBatch(ctx context.Context, ids []int64, batchID int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, batchID)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE audit_log SET batch_id=? WHERE id IN (%s)`, strings.Join(placeholders, ","))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *auditLogStore) InsertBatchHash(ctx context.Context, h *AuditBatchHash) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_batch_hashes
		(sequence_number, batch_start, batch_end, record_count, hash, previous_hash)
		VALUES (?,?,?,?,?,?)`,
		h.SequenceNumber, h.BatchStart.Unix(), h.BatchEnd.Unix(), h.RecordCount, h.Hash, h.PreviousHash)
	return err
}

const batchHashSelectCols = `SELECT id, sequence_number, batch_start, batch_end, record_count, hash, previous_hash FROM audit_batch_hashes`

func scanBatchHash(row rowScanner) (*AuditBatchHash, error) {
	var h AuditBatchHash
	var start, end int64
	if err := row.Scan(&h.ID, &h.SequenceNumber, &start, &end, &h.RecordCount, &h.Hash, &h.PreviousHash); err != nil {
		return nil, err
	}
	h.BatchStart = timeFromUnix(start)
	h.BatchEnd = timeFromUnix(end)
	return &h, nil
}

// LastBatchHash returns the highest-sequence link in the chain, or
// ErrNotFound if no batch has been sealed yet — the caller uses that to
// decide whether to chain the new batch to the all-zeros genesis hash.
func (s *auditLogStore) LastBatchHash(ctx context.Context) (*AuditBatchHash, error) {
	row := s.db.QueryRowContext(ctx, batchHashSelectCols+` ORDER BY sequence_number DESC LIMIT 1`)
	h, err := scanBatchHash(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return h, err
}

func (s *auditLogStore) ListBatchHashes(ctx context.Context) ([]*AuditBatchHash, error) {
	rows, err := s.db.QueryContext(ctx, batchHashSelectCols+` ORDER BY sequence_number ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditBatchHash
	for rows.Next() {
		h, err := scanBatchHash(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

const auditEntryCols = `id, timestamp, http_method, request_path, status_code, duration_ms,
	actor_type, actor_id, actor_username, client_ip, model_name, endpoint_id,
	input_tokens, output_tokens, total_tokens, detail, batch_id`

const auditEntrySelectCols = `SELECT ` + auditEntryCols + ` FROM audit_log`

func scanAuditEntry(row rowScanner) (*AuditLogEntry, error) {
	var e AuditLogEntry
	var ts int64
	var actorType string
	var batchID sql.NullInt64
	if err := row.Scan(
		&e.ID, &ts, &e.HTTPMethod, &e.RequestPath, &e.StatusCode, &e.DurationMs,
		&actorType, &e.ActorID, &e.ActorUsername, &e.ClientIP, &e.ModelName, &e.EndpointID,
		&e.InputTokens, &e.OutputTokens, &e.TotalTokens, &e.Detail, &batchID,
	); err != nil {
		return nil, err
	}
	e.Timestamp = timeFromUnix(ts)
	e.ActorType = ActorType(actorType)
	if batchID.Valid {
		e.BatchID = &batchID.Int64
	}
	return &e, nil
}

func (s *auditLogStore) EntriesForBatch(ctx context.Context, batchID int64) ([]*AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, auditEntrySelectCols+` WHERE batch_id=? ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

// Search runs a full-text query across request_path, actor_id,
// actor_username and detail via the audit_log_fts shadow table, newest first.
func (s *auditLogStore) Search(ctx context.Context, query string, limit int) ([]*AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditEntryCols+`
		FROM audit_log
		JOIN audit_log_fts ON audit_log_fts.rowid = audit_log.id
		WHERE audit_log_fts MATCH ?
		ORDER BY audit_log.id DESC
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching audit log: %w", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func (s *auditLogStore) OlderThan(ctx context.Context, cutoffUnix int64, limit int) ([]*AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, auditEntrySelectCols+` WHERE timestamp < ? ORDER BY id ASC LIMIT ?`, cutoffUnix, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func scanAuditEntries(rows *sql.Rows) ([]*AuditLogEntry, error) {
	var out []*AuditLogEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *auditLogStore) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM audit_log WHERE id IN (%s)`, strings.Join(placeholders, ","))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
