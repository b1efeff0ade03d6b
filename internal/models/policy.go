// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
policy.go - Access Control Policy Models

A Policy is an ordered list of Statements. Each Statement allows or
denies a (subject, action, resource) triple, optionally gated by typed
conditions evaluated against the request context.

Pattern syntax: fields of subjects/actions/resources are either plain
strings (compared by equality) or angle-bracket globs where each <expr>
span is a raw regex subgroup. `foo<\d+>bar` compiles to `^foo(\d+)bar$`.

Decision rule: any matching Deny statement fails the request
immediately; otherwise at least one matching Allow statement is
required.
*/

package models

import (
	"strconv"

	"github.com/goccy/go-json"
)

// Effect is a statement's verdict when it matches.
type Effect string

// Statement effects.
const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Condition type names, used as the tag of Condition.Type.
const (
	ConditionEqualsSubject    = "EqualsSubject"
	ConditionCIDR             = "CIDR"
	ConditionStringCmp        = "StringCmp"
	ConditionStringMatch      = "StringMatch"
	ConditionBoolean          = "Boolean"
	ConditionNumericCmp       = "NumericCmp"
	ConditionTimeCmp          = "TimeCmp"
	ConditionResourceContains = "ResourceContains"
)

// Condition is a tagged record gating a statement on a request-context
// value. Options are interpreted per Type by the policy matcher.
type Condition struct {
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Statement is one atomic allow/deny rule.
type Statement struct {
	// Effect is Allow or Deny.
	Effect Effect `json:"effect"`

	// Subjects, Actions and Resources are pattern lists. A dimension
	// matches when any of its patterns matches the request value.
	Subjects  []string `json:"subjects"`
	Actions   []string `json:"actions"`
	Resources []string `json:"resources"`

	// Conditions maps request-context keys to checks. A key absent from
	// the request context is skipped.
	Conditions map[string]Condition `json:"conditions,omitempty"`

	// Meta is opaque annotation data carried with the statement.
	Meta json.RawMessage `json:"meta,omitempty"`
}

// Policy is an ordered list of statements owned by an account. A nil
// AccountID marks a system-wide policy.
type Policy struct {
	Meta

	AccountID string `json:"account_id,omitempty"`
	Desc      string `json:"desc,omitempty"`
	Version   string `json:"version,omitempty"`

	Statements []Statement `json:"statement"`
}

// Kind returns the storage kind name.
func (p *Policy) Kind() string { return KindPolicy }

// MatchesFilter reports whether the policy matches every filter entry.
func (p *Policy) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := p.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		if k == "account_id" && p.AccountID != v {
			return false
		}
	}
	return true
}

// PolicyBinding attaches a policy to a user, group or role.
type PolicyBinding struct {
	Meta

	PolicyID string `json:"policy_id"`

	// BindingsType is BindingUser, BindingGroup or BindingRole.
	BindingsType BindingType `json:"bindings_type"`

	// BindingsID is the principal id, per BindingsType.
	BindingsID string `json:"bindings_id"`
}

// Kind returns the storage kind name.
func (pb *PolicyBinding) Kind() string { return KindPolicyBinding }

// MatchesFilter reports whether the binding matches every filter entry.
func (pb *PolicyBinding) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := pb.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		switch k {
		case "policy_id":
			if pb.PolicyID != v {
				return false
			}
		case "bindings_id":
			if pb.BindingsID != v {
				return false
			}
		case "bindings_type":
			if strconv.Itoa(int(pb.BindingsType)) != v {
				return false
			}
		}
	}
	return true
}
