// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package policy

import (
	"testing"

	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
)

func statement(effect models.Effect, subjects, actions, resources []string) models.Statement {
	return models.Statement{
		Effect:    effect,
		Subjects:  subjects,
		Actions:   actions,
		Resources: resources,
	}
}

func request(subject, action, resource string) *Request {
	return &Request{Subject: subject, Action: action, Resource: resource}
}

func TestAllowedRequiresMatchingAllow(t *testing.T) {
	m := NewMatcher(0)
	statements := []models.Statement{
		statement(models.EffectAllow, []string{"u-1"}, []string{"get"}, []string{"doc:1"}),
	}

	if err := m.Allowed(statements, request("u-1", "get", "doc:1")); err != nil {
		t.Errorf("exact match denied: %v", err)
	}
	err := m.Allowed(statements, request("u-1", "delete", "doc:1"))
	if !errs.IsForbidden(err) {
		t.Fatalf("unmatched action: err = %v, want Forbidden", err)
	}
	if errs.CodeOf(err) != errs.CodePolicyDenied {
		t.Errorf("code = %q, want %q", errs.CodeOf(err), errs.CodePolicyDenied)
	}
}

func TestEmptyStatementsDeny(t *testing.T) {
	m := NewMatcher(0)
	if err := m.Allowed(nil, request("u-1", "get", "doc:1")); !errs.IsForbidden(err) {
		t.Errorf("empty statements: err = %v, want Forbidden", err)
	}
}

func TestDenyWinsOverAllow(t *testing.T) {
	m := NewMatcher(0)
	statements := []models.Statement{
		statement(models.EffectAllow, []string{"<.*>"}, []string{"<.*>"}, []string{"<.*>"}),
		statement(models.EffectDeny, []string{"u-1"}, []string{"delete"}, []string{"<.*>"}),
	}

	if err := m.Allowed(statements, request("u-1", "get", "doc:1")); err != nil {
		t.Errorf("allow-all path denied: %v", err)
	}
	if err := m.Allowed(statements, request("u-1", "delete", "doc:1")); !errs.IsForbidden(err) {
		t.Errorf("deny statement not enforced: err = %v", err)
	}
}

// A deny placed after the granting allow must still win.
func TestDenyAfterAllowStillDenies(t *testing.T) {
	m := NewMatcher(0)
	statements := []models.Statement{
		statement(models.EffectAllow, []string{"u-1"}, []string{"get"}, []string{"doc:1"}),
		statement(models.EffectDeny, []string{"u-1"}, []string{"get"}, []string{"doc:1"}),
	}
	if err := m.Allowed(statements, request("u-1", "get", "doc:1")); !errs.IsForbidden(err) {
		t.Errorf("trailing deny ignored: err = %v", err)
	}
}

func TestGlobDimensions(t *testing.T) {
	m := NewMatcher(0)
	statements := []models.Statement{
		statement(models.EffectAllow,
			[]string{"user:<.*>"},
			[]string{"<get|list>"},
			[]string{"api:<[0-9]+>"},
		),
	}

	tests := []struct {
		name string
		req  *Request
		ok   bool
	}{
		{"all globs match", request("user:alice", "get", "api:7"), true},
		{"list also allowed", request("user:bob", "list", "api:123"), true},
		{"subject prefix required", request("svc:alice", "get", "api:7"), false},
		{"action outside alternation", request("user:alice", "delete", "api:7"), false},
		{"resource must be numeric", request("user:alice", "get", "api:x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Allowed(statements, tt.req)
			if tt.ok && err != nil {
				t.Errorf("denied: %v", err)
			}
			if !tt.ok && !errs.IsForbidden(err) {
				t.Errorf("err = %v, want Forbidden", err)
			}
		})
	}
}

func TestConditionAbsentKeyIsSkipped(t *testing.T) {
	m := NewMatcher(0)
	st := statement(models.EffectAllow, []string{"u-1"}, []string{"get"}, []string{"doc:1"})
	st.Conditions = map[string]models.Condition{
		"source_ip": {Type: models.ConditionCIDR, Options: json.RawMessage(`{"cidrs":["10.0.0.0/8"]}`)},
	}

	// No source_ip in context: the condition neither blocks nor enables.
	if err := m.Allowed([]models.Statement{st}, request("u-1", "get", "doc:1")); err != nil {
		t.Errorf("absent condition key blocked the request: %v", err)
	}
}

func TestConditionGatesStatement(t *testing.T) {
	m := NewMatcher(0)
	st := statement(models.EffectAllow, []string{"u-1"}, []string{"get"}, []string{"doc:1"})
	st.Conditions = map[string]models.Condition{
		"mfa": {Type: models.ConditionBoolean, Options: json.RawMessage(`{"value":true}`)},
	}
	statements := []models.Statement{st}

	with := request("u-1", "get", "doc:1")
	with.Context = map[string]any{"mfa": true}
	if err := m.Allowed(statements, with); err != nil {
		t.Errorf("fulfilled condition denied: %v", err)
	}

	without := request("u-1", "get", "doc:1")
	without.Context = map[string]any{"mfa": false}
	if err := m.Allowed(statements, without); !errs.IsForbidden(err) {
		t.Errorf("unfulfilled condition: err = %v, want Forbidden", err)
	}
}

// A gated deny only fires when its condition holds.
func TestConditionOnDeny(t *testing.T) {
	m := NewMatcher(0)
	deny := statement(models.EffectDeny, []string{"<.*>"}, []string{"<.*>"}, []string{"<.*>"})
	deny.Conditions = map[string]models.Condition{
		"banned": {Type: models.ConditionBoolean, Options: json.RawMessage(`{"value":true}`)},
	}
	statements := []models.Statement{
		statement(models.EffectAllow, []string{"u-1"}, []string{"get"}, []string{"doc:1"}),
		deny,
	}

	req := request("u-1", "get", "doc:1")
	req.Context = map[string]any{"banned": false}
	if err := m.Allowed(statements, req); err != nil {
		t.Errorf("dormant deny fired: %v", err)
	}

	req.Context = map[string]any{"banned": true}
	if err := m.Allowed(statements, req); !errs.IsForbidden(err) {
		t.Errorf("armed deny ignored: err = %v", err)
	}
}

func TestBrokenPatternFailsClosed(t *testing.T) {
	m := NewMatcher(0)
	statements := []models.Statement{
		statement(models.EffectAllow, []string{"u-1"}, []string{"<unclosed"}, []string{"doc:1"}),
	}
	err := m.Allowed(statements, request("u-1", "get", "doc:1"))
	if err == nil {
		t.Fatal("broken pattern evaluated to a decision")
	}
	if !errs.IsBadRequest(err) {
		t.Errorf("err = %v, want BadRequest", err)
	}
}

func TestUnknownConditionTypeFailsClosed(t *testing.T) {
	m := NewMatcher(0)
	st := statement(models.EffectAllow, []string{"u-1"}, []string{"get"}, []string{"doc:1"})
	st.Conditions = map[string]models.Condition{
		"x": {Type: "Bogus"},
	}
	req := request("u-1", "get", "doc:1")
	req.Context = map[string]any{"x": "y"}

	if err := m.Allowed([]models.Statement{st}, req); !errs.IsBadRequest(err) {
		t.Errorf("err = %v, want BadRequest", err)
	}
}

func TestPatternCacheServesRepeatLookups(t *testing.T) {
	m := NewMatcher(2)
	statements := []models.Statement{
		statement(models.EffectAllow, []string{"<.*>"}, []string{"<.*>"}, []string{"<.*>"}),
	}

	for i := 0; i < 10; i++ {
		if err := m.Allowed(statements, request("u-1", "get", "doc:1")); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
	if _, err := m.cache.Get(cacheKeyGlob + "<.*>"); err != nil {
		t.Error("compiled pattern missing from cache after repeated use")
	}
}
