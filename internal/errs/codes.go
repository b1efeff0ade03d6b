// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package errs

// Dotted error codes. The middle segment is the HTTP status; the HTTP
// layer derives the response status from it, so a code must never carry a
// status that disagrees with its kind.
const (
	CodeBadRequest   = "Cim.400.BadRequest"
	CodeInvalidScope = "Cim.400.InvalidScope"
	CodeInvalidGrant = "Cim.400.InvalidGrant"
	CodeSessionGone  = "Cim.400.SessionExpired"
	CodePKCE         = "Cim.400.CodeChallenge"
	CodeRefreshReuse = "Cim.400.RefreshReused"

	CodeUnauthorized  = "Cim.401.Unauthorized"
	CodeInvalidClient = "Cim.401.InvalidClient"

	CodeForbidden    = "Cim.403.Forbidden"
	CodePolicyDenied = "Cim.403.PolicyDenied"
	CodeDeleteGuard  = "Cim.403.ReferencedEntity"
	CodeBadSignature = "Cim.403.InvalidSignature"

	CodeNotFound = "Cim.404.NotFound"

	CodeValidate = "Cim.422.Validate"

	CodeInternal = "Cim.500.Internal"
)
