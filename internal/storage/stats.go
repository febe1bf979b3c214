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
)

type statsStore struct{ db *sql.DB }

// Upsert adds st's counters to the daily rollup row for its key, inserting
// the row if it does not exist. It is additive, not idempotent: applying the
// same figures twice counts them twice, so the caller is responsible for
// calling Upsert exactly once per recorded request.
func (s *statsStore) Upsert(ctx context.Context, st *DailyEndpointStat) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO daily_stats
		(endpoint_id, model_id, date, api_kind, total, successful, failed, total_output_tokens, total_duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (endpoint_id, model_id, date, api_kind) DO UPDATE SET
			total = total + excluded.total,
			successful = successful + excluded.successful,
			failed = failed + excluded.failed,
			total_output_tokens = total_output_tokens + excluded.total_output_tokens,
			total_duration_ms = total_duration_ms + excluded.total_duration_ms`,
		st.EndpointID, st.ModelID, st.Date, string(st.APIKind),
		st.Total, st.Successful, st.Failed, st.TotalOutputTokens, st.TotalDurationMs)
	return err
}

const dailyStatCols = `endpoint_id, model_id, date, api_kind, total, successful, failed, total_output_tokens, total_duration_ms`

func scanDailyStat(row rowScanner) (*DailyEndpointStat, error) {
	var st DailyEndpointStat
	var apiKind string
	if err := row.Scan(&st.EndpointID, &st.ModelID, &st.Date, &apiKind,
		&st.Total, &st.Successful, &st.Failed, &st.TotalOutputTokens, &st.TotalDurationMs); err != nil {
		return nil, err
	}
	st.APIKind = APIKind(apiKind)
	return &st, nil
}

func (s *statsStore) ForEndpoint(ctx context.Context, endpointID, date string) ([]*DailyEndpointStat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dailyStatCols+` FROM daily_stats WHERE endpoint_id=? AND date=? ORDER BY model_id, api_kind`, endpointID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DailyEndpointStat
	for rows.Next() {
		st, err := scanDailyStat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *statsStore) ForModel(ctx context.Context, modelID string, from, to string) ([]*DailyEndpointStat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dailyStatCols+` FROM daily_stats WHERE model_id=? AND date BETWEEN ? AND ? ORDER BY date, endpoint_id, api_kind`, modelID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DailyEndpointStat
	for rows.Next() {
		st, err := scanDailyStat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
