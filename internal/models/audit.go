// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package models

import "github.com/goccy/go-json"

// Audit outcomes.
const (
	AuditOutcomeAllow = "allow"
	AuditOutcomeDeny  = "deny"
	AuditOutcomeError = "error"
)

// AuditEvent records one security-relevant action: a policy decision, a
// token grant, a login, or an entity mutation. Events flow through the
// audit pipeline and are persisted append-only.
type AuditEvent struct {
	Meta

	// Subject is the acting principal, empty for anonymous requests.
	Subject string `json:"subject,omitempty"`

	// Action names what happened, e.g. "token.grant", "policy.decide",
	// "user.delete".
	Action string `json:"action"`

	// Resource is what the action targeted.
	Resource string `json:"resource,omitempty"`

	// Outcome is allow, deny or error.
	Outcome string `json:"outcome"`

	// Code is the error envelope code for non-allow outcomes.
	Code string `json:"code,omitempty"`

	TraceID    string `json:"trace_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`

	// Detail carries action-specific context.
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Kind returns the storage kind name.
func (e *AuditEvent) Kind() string { return KindAuditEvent }

// MatchesFilter reports whether the event matches every filter entry.
func (e *AuditEvent) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := e.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		switch k {
		case "subject":
			if e.Subject != v {
				return false
			}
		case "action":
			if e.Action != v {
				return false
			}
		case "outcome":
			if e.Outcome != v {
				return false
			}
		}
	}
	return true
}
