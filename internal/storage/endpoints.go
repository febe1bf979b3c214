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

type endpointStore struct {
	db *sql.DB
}

func (s *endpointStore) Create(ctx context.Context, e *Endpoint) error {
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO endpoints (
		id, name, base_url, api_key_encrypted, endpoint_type, detection_reason,
		status, health_check_interval_secs, inference_timeout_secs,
		capabilities, device_info, registered_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Name, e.BaseURL, e.APIKeyEncrypted, string(e.EndpointType), e.DetectionReason,
		string(e.Status), e.HealthCheckIntervalSecs, e.InferenceTimeoutSecs,
		joinSet(e.Capabilities), e.DeviceInfo, e.RegisteredAt.Unix(),
	)
	if isUniqueConstraintErr(err) {
		return fmt.Errorf("%w: endpoint name or base_url already registered", ErrConflict)
	}
	return err
}

func (s *endpointStore) Update(ctx context.Context, e *Endpoint) error {
	_, err := s.db.ExecContext(ctx, `UPDATE endpoints SET
		name=?, base_url=?, api_key_encrypted=?, endpoint_type=?, detection_reason=?,
		health_check_interval_secs=?, inference_timeout_secs=?, capabilities=?, device_info=?
		WHERE id=?`,
		e.Name, e.BaseURL, e.APIKeyEncrypted, string(e.EndpointType), e.DetectionReason,
		e.HealthCheckIntervalSecs, e.InferenceTimeoutSecs, joinSet(e.Capabilities), e.DeviceInfo,
		e.ID,
	)
	if isUniqueConstraintErr(err) {
		return fmt.Errorf("%w: endpoint name or base_url already registered", ErrConflict)
	}
	return err
}

// UpdateHealth is the only mutation the Health Supervisor is allowed
// to perform: status, latency, last_error, error_count and last_seen.
func (s *endpointStore) UpdateHealth(ctx context.Context, id string, status EndpointStatus, latencyMs *float64, lastError string, errorCount int) error {
	var lastSeen any
	if status == StatusOnline {
		lastSeen = time.Now().UTC().Unix()
	}
	_, err := s.db.ExecContext(ctx, `UPDATE endpoints SET
		status=?, latency_ms=COALESCE(?, latency_ms), last_error=?, error_count=?,
		last_seen=COALESCE(?, last_seen)
		WHERE id=?`,
		string(status), latencyMs, lastError, errorCount, lastSeen, id,
	)
	return err
}

func (s *endpointStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id=?`, id)
	return err
}

func (s *endpointStore) Get(ctx context.Context, id string) (*Endpoint, error) {
	return s.scanOne(ctx, `WHERE id=?`, id)
}

func (s *endpointStore) GetByName(ctx context.Context, name string) (*Endpoint, error) {
	return s.scanOne(ctx, `WHERE name=?`, name)
}

func (s *endpointStore) scanOne(ctx context.Context, where string, args ...any) (*Endpoint, error) {
	row := s.db.QueryRowContext(ctx, endpointSelectCols+" FROM endpoints "+where, args...)
	e, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

const endpointSelectCols = `SELECT id, name, base_url, api_key_encrypted, endpoint_type, detection_reason,
	status, health_check_interval_secs, inference_timeout_secs, latency_ms, inference_latency_ms,
	last_seen, last_error, error_count, capabilities, total_requests, successful_requests,
	failed_requests, device_info, registered_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (*Endpoint, error) {
	var e Endpoint
	var endpointType, status, caps string
	var lastSeen sql.NullInt64
	var registeredAt int64

	err := row.Scan(
		&e.ID, &e.Name, &e.BaseURL, &e.APIKeyEncrypted, &endpointType, &e.DetectionReason,
		&status, &e.HealthCheckIntervalSecs, &e.InferenceTimeoutSecs, &e.LatencyMs, &e.InferenceLatencyMs,
		&lastSeen, &e.LastError, &e.ErrorCount, &caps, &e.TotalRequests, &e.SuccessfulRequests,
		&e.FailedRequests, &e.DeviceInfo, &registeredAt,
	)
	if err != nil {
		return nil, err
	}
	e.EndpointType = EndpointType(endpointType)
	e.Status = EndpointStatus(status)
	e.Capabilities = parseSet(caps)
	e.RegisteredAt = timeFromUnix(registeredAt)
	if lastSeen.Valid {
		t := timeFromUnix(lastSeen.Int64)
		e.LastSeen = &t
	}
	return &e, nil
}

func (s *endpointStore) List(ctx context.Context, filter EndpointFilter) ([]*Endpoint, error) {
	query := endpointSelectCols + ` FROM endpoints WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status=?`
		args = append(args, string(filter.Status))
	}
	if filter.EndpointType != "" {
		query += ` AND endpoint_type=?`
		args = append(args, string(filter.EndpointType))
	}
	if filter.Capability != "" {
		query += ` AND (',' || capabilities || ',') LIKE ?`
		args = append(args, "%,"+string(filter.Capability)+",%")
	}
	if filter.ModelID != "" {
		query += ` AND id IN (SELECT endpoint_id FROM endpoint_models WHERE model_id=?)`
		args = append(args, filter.ModelID)
	}
	query += ` ORDER BY registered_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *endpointStore) IncrementCounters(ctx context.Context, id string, success bool) error {
	if success {
		_, err := s.db.ExecContext(ctx, `UPDATE endpoints SET total_requests=total_requests+1, successful_requests=successful_requests+1 WHERE id=?`, id)
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE endpoints SET total_requests=total_requests+1, failed_requests=failed_requests+1 WHERE id=?`, id)
	return err
}

func (s *endpointStore) ReplaceModels(ctx context.Context, endpointID string, models []EndpointModel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM endpoint_models WHERE endpoint_id=?`, endpointID); err != nil {
		return err
	}
	for _, m := range models {
		if _, err := tx.ExecContext(ctx, `INSERT INTO endpoint_models (endpoint_id, model_id, max_tokens, supported_apis, capabilities)
			VALUES (?,?,?,?,?)`, endpointID, m.ModelID, m.MaxTokens, joinSet(m.SupportedAPIs), joinSet(m.Capabilities)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *endpointStore) ListModels(ctx context.Context, endpointID string) ([]EndpointModel, error) {
	return s.listModels(ctx, `WHERE endpoint_id=?`, endpointID)
}

func (s *endpointStore) ListModelsForModelID(ctx context.Context, modelID string) ([]EndpointModel, error) {
	return s.listModels(ctx, `WHERE model_id=?`, modelID)
}

func (s *endpointStore) listModels(ctx context.Context, where string, arg string) ([]EndpointModel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT endpoint_id, model_id, max_tokens, supported_apis, capabilities FROM endpoint_models `+where, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EndpointModel
	for rows.Next() {
		var m EndpointModel
		var apis, caps string
		if err := rows.Scan(&m.EndpointID, &m.ModelID, &m.MaxTokens, &apis, &caps); err != nil {
			return nil, err
		}
		m.SupportedAPIs = parseSet(apis)
		m.Capabilities = parseSet(caps)
		out = append(out, m)
	}
	return out, rows.Err()
}
