// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
Package errs defines the typed error model shared by every layer.

Errors carry a kind (NotFound, Unauthorized, Forbidden, BadRequest,
Validates, Any) and a dotted code of the form

	Cim.<http status>.<internal id>

The HTTP layer parses the middle segment to pick the response status and
serializes the error as {"code": ..., "message": ...}. Business layers
raise typed errors at the site of violation; transport-level failures are
wrapped as Any with a stack captured at the raising site. Middle layers
must never downgrade a typed error to Any — Convert preserves an existing
*Error unchanged.

# Usage

	if user == nil {
	    return errs.NotFoundf("user %s not found", id)
	}

	if err := row.Scan(&v); err != nil {
	    return errs.Internal(err, "scan user row")
	}

Kind and code can be recovered from any wrapped error chain with KindOf
and CodeOf.
*/
package errs
