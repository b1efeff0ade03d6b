// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package logging

import "strings"

// Redact masks a sensitive value for logging. Values longer than eight
// characters keep their first and last two characters so operators can
// correlate entries without exposing the secret. Shorter values are
// fully masked.
//
//	logging.Info().Str("client_secret", logging.Redact(secret)).Msg("client updated")
func Redact(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return "[redacted]"
	}
	return value[:2] + "..." + value[len(value)-2:]
}

// RedactEmail masks the local part of an email address, keeping the
// first character and the domain. Values without an @ are redacted in
// full.
//
//	logging.RedactEmail("alice@example.com") // "a***@example.com"
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return Redact(email)
	}
	return email[:1] + "***" + email[at:]
}

// RedactToken masks a bearer or refresh token, keeping only a short
// prefix for correlation.
func RedactToken(token string) string {
	if len(token) <= 12 {
		return "[redacted]"
	}
	return token[:6] + "..."
}
