// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
Package models defines the persisted entity kinds of CIM.

Every kind embeds Meta and implements Object, so the storage layer can
address any entity by (kind, id) without knowing its shape. Complex
fields (claims, statements, redirect URI lists, connector data) are
plain Go values serialized as JSON by the backends.

Entity Categories:

1. Principals and Grouping:
  - User: end user with OIDC claims and salted password hash
  - Group, GroupUser: user grouping and membership
  - Role, RoleBinding: role vehicle with user or group members

2. Access Control:
  - Policy, Statement, Condition: ordered allow/deny rules
  - PolicyBinding: attaches a policy to a user, group or role

3. OAuth2 / OIDC Protocol State:
  - Client: registered relying party
  - Connector: configured identity backend
  - AuthRequest, AuthCode: login flow state, single use
  - RefreshToken, OfflineSession: offline access chains
  - Keys: the signing key singleton

4. Operations:
  - AuditEvent: append-only security event record

Identity and Deletion:

Object ids are opaque lower-case strings from NewID; globally unique
within a kind. Deletion is soft: MarkDeleted stamps the marker and
listings exclude marked rows. Referential guards live in the storage
registry, not here.

Filtering:

MatchesFilter implements the equality filter used both for list
queries on the in-memory backend and for scoping watch streams. Each
kind declares which fields are filterable; unknown keys are ignored.

See Also:

  - internal/storage: the Store contract and backends
  - internal/policy: statement evaluation
  - internal/oidc: the protocol engine consuming flow state
*/
package models
