// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
schema.go - Table Layout

One table per entity kind, named after the kind. Shared columns:

	id          TEXT PRIMARY KEY
	created_at  TIMESTAMP NOT NULL   (listing order, newest first)
	updated_at  TIMESTAMP
	deleted     TEXT                 (soft-delete marker, '' while live)
	deleted_at  TIMESTAMP
	expires_at  TIMESTAMP            (TTL bound, NULL for durable rows)
	data        TEXT NOT NULL        (full entity document as JSON)

Per-kind columns mirror the filterable fields of each entity so equality
filters and the policy-resolution joins run in SQL instead of after
decoding. The data column stays the source of truth; extracted columns
are rewritten on every upsert.

Kind names collide with SQL keywords (user, group, keys), so every table
reference is quoted.
*/

//nolint:staticcheck // File documentation, not package doc
package duckdb

import (
	"context"
	"fmt"
	"time"

	"github.com/cimidp/cim/internal/models"
)

// colSpec declares one extracted filter column.
type colSpec struct {
	name string
	typ  string
}

// tableColumns lists the extracted columns per kind, in the order
// indexValues emits them.
var tableColumns = map[string][]colSpec{
	models.KindUser: {
		{"account_id", "TEXT"},
		{"email", "TEXT"},
		{"phone_number", "TEXT"},
	},
	models.KindGroup: {
		{"account_id", "TEXT"},
		{"name", "TEXT"},
	},
	models.KindGroupUser: {
		{"group_id", "TEXT"},
		{"user_id", "TEXT"},
	},
	models.KindRole: {
		{"account_id", "TEXT"},
		{"name", "TEXT"},
	},
	models.KindRoleBinding: {
		{"role_id", "TEXT"},
		{"user_type", "INTEGER"},
		{"user_id", "TEXT"},
	},
	models.KindPolicy: {
		{"account_id", "TEXT"},
	},
	models.KindPolicyBinding: {
		{"policy_id", "TEXT"},
		{"bindings_type", "INTEGER"},
		{"bindings_id", "TEXT"},
	},
	models.KindClient: {
		{"account_id", "TEXT"},
		{"name", "TEXT"},
	},
	models.KindConnector: {
		{"connector_type", "TEXT"},
		{"name", "TEXT"},
	},
	models.KindAuthRequest: {
		{"client_id", "TEXT"},
		{"connector_id", "TEXT"},
	},
	models.KindAuthCode: {
		{"client_id", "TEXT"},
	},
	models.KindRefreshToken: {
		{"client_id", "TEXT"},
		{"connector_id", "TEXT"},
	},
	models.KindOfflineSession: {
		{"user_id", "TEXT"},
		{"conn_id", "TEXT"},
	},
	models.KindKeys: {
		{"next_rotation", "TIMESTAMP"},
	},
	models.KindAuditEvent: {
		{"subject", "TEXT"},
		{"action", "TEXT"},
		{"outcome", "TEXT"},
	},
}

// indexValues extracts the column values for obj, aligned with
// tableColumns[obj.Kind()].
func indexValues(obj models.Object) []any {
	switch o := obj.(type) {
	case *models.User:
		return []any{o.AccountID, o.Claim.Email, o.Claim.PhoneNumber}
	case *models.Group:
		return []any{o.AccountID, o.Name}
	case *models.GroupUser:
		return []any{o.GroupID, o.UserID}
	case *models.Role:
		return []any{o.AccountID, o.Name}
	case *models.RoleBinding:
		return []any{o.RoleID, int(o.UserType), o.UserID}
	case *models.Policy:
		return []any{o.AccountID}
	case *models.PolicyBinding:
		return []any{o.PolicyID, int(o.BindingsType), o.BindingsID}
	case *models.Client:
		return []any{o.AccountID, o.Name}
	case *models.Connector:
		return []any{o.ConnectorType, o.Name}
	case *models.AuthRequest:
		return []any{o.ClientID, o.ConnectorID}
	case *models.AuthCode:
		return []any{o.ClientID}
	case *models.RefreshToken:
		return []any{o.ClientID, o.ConnectorID}
	case *models.OfflineSession:
		return []any{o.UserID, o.ConnID}
	case *models.Keys:
		return []any{nullableTime(o.NextRotation)}
	case *models.AuditEvent:
		return []any{o.Subject, o.Action, o.Outcome}
	default:
		return nil
	}
}

// schemaContext returns a context with timeout for schema operations.
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createSchema creates every kind's table and filter indexes.
func (s *Store) createSchema() error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, kind := range models.AllKinds() {
		if _, err := s.conn.ExecContext(ctx, createTableQuery(kind)); err != nil {
			return fmt.Errorf("create table %s: %w", kind, err)
		}
		for _, query := range createIndexQueries(kind) {
			if _, err := s.conn.ExecContext(ctx, query); err != nil {
				return fmt.Errorf("create index on %s: %w", kind, err)
			}
		}
	}
	return nil
}

// createTableQuery builds the CREATE TABLE statement for a kind.
func createTableQuery(kind string) string {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP,
		deleted TEXT NOT NULL DEFAULT '',
		deleted_at TIMESTAMP,
		expires_at TIMESTAMP`, kind)

	for _, c := range tableColumns[kind] {
		query += fmt.Sprintf(",\n\t\t%s %s", c.name, c.typ)
	}
	query += ",\n\t\tdata TEXT NOT NULL\n\t)"
	return query
}

// createIndexQueries builds the index statements for a kind's filter
// columns plus the listing order.
func createIndexQueries(kind string) []string {
	queries := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %q (created_at)`, kind, kind),
	}
	for _, c := range tableColumns[kind] {
		queries = append(queries,
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %q (%s)`, kind, c.name, kind, c.name))
	}
	return queries
}
