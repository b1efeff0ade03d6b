// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// UpdateKeys runs updater atomically against the signing-key singleton.
//
// Cross-instance safety uses next_rotation as an optimistic guard: the
// UPDATE only applies while the column still holds the value read at the
// start, and zero affected rows means another instance rotated first. A
// racing bootstrap INSERT fails on the primary key instead. Both cases
// surface as storage.ErrKeysConflict.
func (s *Store) UpdateKeys(ctx context.Context, updater storage.KeysUpdater) error {
	select {
	case s.keysMu <- struct{}{}:
		defer func() { <-s.keysMu }()
	case <-ctx.Done():
		return ctx.Err()
	}

	var (
		data    sql.NullString
		guard   sql.NullTime
		found   = true
		current *models.Keys
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT data, next_rotation FROM "keys" WHERE id = ?`, models.KeysID).Scan(&data, &guard)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		found = false
	case err != nil:
		return fmt.Errorf("load signing keys: %w", err)
	default:
		current = &models.Keys{}
		if err := json.Unmarshal([]byte(data.String), current); err != nil {
			return fmt.Errorf("decode signing keys: %w", err)
		}
	}

	updated, err := updater(current, found)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	payload, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("encode signing keys: %w", err)
	}

	if !found {
		_, err := s.conn.ExecContext(ctx,
			`INSERT INTO "keys" (id, created_at, updated_at, deleted, next_rotation, data) VALUES (?, ?, ?, '', ?, ?)`,
			updated.GetID(), updated.GetCreatedAt().UTC(), nullableTime(updated.GetUpdatedAt()),
			nullableTime(updated.NextRotation), string(payload))
		if err != nil {
			if isConflictError(err) {
				return storage.ErrKeysConflict
			}
			return fmt.Errorf("insert signing keys: %w", err)
		}
		return nil
	}

	// Compare against the scanned column value, not the decoded JSON:
	// the column round-trips at the database's timestamp precision.
	res, err := s.conn.ExecContext(ctx,
		`UPDATE "keys" SET data = ?, updated_at = ?, next_rotation = ? WHERE id = ? AND next_rotation IS NOT DISTINCT FROM ?`,
		string(payload), nullableTime(updated.GetUpdatedAt()), nullableTime(updated.NextRotation),
		models.KeysID, guard)
	if err != nil {
		if isConflictError(err) {
			return storage.ErrKeysConflict
		}
		return fmt.Errorf("update signing keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update signing keys: %w", err)
	}
	if n == 0 {
		return storage.ErrKeysConflict
	}
	return nil
}
