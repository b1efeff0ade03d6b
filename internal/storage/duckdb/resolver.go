// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
resolver.go - Relational Policy Resolution

Collects every policy attached to a user through any binding path:

  - a policy binding naming the user directly
  - a policy binding naming a group the user belongs to
  - a policy binding naming a role, where the role is bound to the user
    or to a group the user belongs to

The union query is the canonical statement of these paths; the in-memory
resolver in internal/authz reproduces it for backends without SQL.
*/

//nolint:staticcheck // File documentation, not package doc
package duckdb

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/models"
)

// policiesForUserQuery resolves the policy ids bound to a user through
// direct, group, and role paths, then loads the policy documents. The
// binding tables are filtered to live rows; the referential delete
// guards keep the chains from dangling.
const policiesForUserQuery = `
SELECT p.data
FROM "policy" p
WHERE p.deleted = '' AND p.id IN (
	SELECT pb.policy_id
	FROM "policy_binding" pb
	WHERE pb.deleted = '' AND pb.bindings_type = 1 AND pb.bindings_id = ?
	UNION
	SELECT pb.policy_id
	FROM "policy_binding" pb
	JOIN "group_user" gu ON gu.group_id = pb.bindings_id AND gu.deleted = ''
	WHERE pb.deleted = '' AND pb.bindings_type = 2 AND gu.user_id = ?
	UNION
	SELECT pb.policy_id
	FROM "policy_binding" pb
	JOIN "role_binding" rb ON rb.role_id = pb.bindings_id AND rb.deleted = ''
	WHERE pb.deleted = '' AND pb.bindings_type = 3
	  AND ((rb.user_type = 1 AND rb.user_id = ?)
	    OR (rb.user_type = 2 AND rb.user_id IN (
			SELECT gu2.group_id FROM "group_user" gu2
			WHERE gu2.deleted = '' AND gu2.user_id = ?)))
)
ORDER BY p.created_at DESC, p.id DESC
`

// PoliciesForUser returns every live policy bound to userID directly,
// via group membership, or via a role reachable directly or through a
// group.
func (s *Store) PoliciesForUser(ctx context.Context, userID string) ([]*models.Policy, error) {
	rows, err := s.conn.QueryContext(ctx, policiesForUserQuery, userID, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve policies for user %q: %w", userID, err)
	}
	defer closeQuietly(rows)

	var policies []*models.Policy
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan policy row: %w", err)
		}
		p := &models.Policy{}
		if err := json.Unmarshal([]byte(data), p); err != nil {
			return nil, fmt.Errorf("decode policy row: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policy rows: %w", err)
	}
	return policies, nil
}
