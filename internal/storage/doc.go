// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
Package storage defines the persistence contract and the event-emitting
registry every CIM component talks to.

Layering:

	consumers (oidc, policy, api, keys)
	        |
	     Registry        soft-delete, referential guards, watch events
	        |
	     Backend         raw rows: memory, badgerdb, duckdb

Backend implementations store rows verbatim and know nothing about
business rules. The Registry adds everything the store contract
promises: id assignment on first put, soft-deletion with referential
guards, per-kind watch hubs with monotonic modify counters, and the
optimistic-concurrency update path for the signing key singleton.

Typed wrappers (Users, Groups, Clients, ...) give call sites their
entity type back without assertions:

	users := storage.Users(reg)
	u, err := users.Get(ctx, id)

Deletion semantics: Get on a soft-deleted row reports NotFound; Delete
of an already-deleted row succeeds without effect; Delete of a
referenced group, role, policy or user fails Forbidden.
*/
package storage
