// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package authz

import (
	"context"
	"testing"
	"time"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/policy"
	"github.com/cimidp/cim/internal/storage"
	"github.com/cimidp/cim/internal/storage/memory"
)

type fixture struct {
	reg  *storage.Registry
	auth *Authorizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := storage.NewRegistry(memory.New(), 0)
	t.Cleanup(func() { _ = reg.Close() })
	return &fixture{reg: reg, auth: New(reg, policy.NewMatcher(0))}
}

func (f *fixture) putPolicy(t *testing.T, id string, statements ...models.Statement) {
	t.Helper()
	p := &models.Policy{Meta: models.Meta{ID: id}, Statements: statements}
	if err := storage.Policies(f.reg).Put(context.Background(), p, 0); err != nil {
		t.Fatalf("seeding policy %s: %v", id, err)
	}
}

func (f *fixture) bindPolicy(t *testing.T, policyID string, bt models.BindingType, principalID string) {
	t.Helper()
	b := &models.PolicyBinding{PolicyID: policyID, BindingsType: bt, BindingsID: principalID}
	if err := storage.PolicyBindings(f.reg).Put(context.Background(), b, 0); err != nil {
		t.Fatalf("binding policy %s: %v", policyID, err)
	}
}

func (f *fixture) enroll(t *testing.T, groupID, userID string) {
	t.Helper()
	gu := &models.GroupUser{GroupID: groupID, UserID: userID}
	if err := storage.GroupUsers(f.reg).Put(context.Background(), gu, 0); err != nil {
		t.Fatalf("enrolling %s in %s: %v", userID, groupID, err)
	}
}

func (f *fixture) bindRole(t *testing.T, roleID string, ut models.BindingType, principalID string) {
	t.Helper()
	rb := &models.RoleBinding{RoleID: roleID, UserType: ut, UserID: principalID}
	if err := storage.RoleBindings(f.reg).Put(context.Background(), rb, 0); err != nil {
		t.Fatalf("binding role %s: %v", roleID, err)
	}
}

func allowAll() models.Statement {
	return models.Statement{
		Effect:    models.EffectAllow,
		Subjects:  []string{"<.*>"},
		Actions:   []string{"<.*>"},
		Resources: []string{"<.*>"},
	}
}

func denyResource(resource string) models.Statement {
	return models.Statement{
		Effect:    models.EffectDeny,
		Subjects:  []string{"<.*>"},
		Actions:   []string{"<.*>"},
		Resources: []string{resource},
	}
}

func TestAuthorizeBindingPaths(t *testing.T) {
	tests := []struct {
		name string
		seed func(t *testing.T, f *fixture)
	}{
		{"direct user binding", func(t *testing.T, f *fixture) {
			f.putPolicy(t, "p1", allowAll())
			f.bindPolicy(t, "p1", models.BindingUser, "alice")
		}},
		{"via group", func(t *testing.T, f *fixture) {
			f.putPolicy(t, "p1", allowAll())
			f.enroll(t, "g1", "alice")
			f.bindPolicy(t, "p1", models.BindingGroup, "g1")
		}},
		{"via role bound to user", func(t *testing.T, f *fixture) {
			f.putPolicy(t, "p1", allowAll())
			f.bindRole(t, "r1", models.BindingUser, "alice")
			f.bindPolicy(t, "p1", models.BindingRole, "r1")
		}},
		{"via role bound to group", func(t *testing.T, f *fixture) {
			f.putPolicy(t, "p1", allowAll())
			f.enroll(t, "g1", "alice")
			f.bindRole(t, "r1", models.BindingGroup, "g1")
			f.bindPolicy(t, "p1", models.BindingRole, "r1")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.seed(t, f)

			req := &policy.Request{Subject: "alice", Action: "get", Resource: "/v1/users"}
			if err := f.auth.Authorize(context.Background(), req); err != nil {
				t.Errorf("Authorize = %v, want allow", err)
			}

			req.Subject = "mallory"
			if err := f.auth.Authorize(context.Background(), req); !errs.IsForbidden(err) {
				t.Errorf("Authorize(mallory) = %v, want Forbidden", err)
			}
		})
	}
}

func TestAuthorizeDenyWinsAcrossPaths(t *testing.T) {
	f := newFixture(t)

	// Group membership grants everything; a directly bound policy
	// carves out one resource.
	f.putPolicy(t, "allow-all", allowAll())
	f.enroll(t, "admins", "alice")
	f.bindPolicy(t, "allow-all", models.BindingGroup, "admins")

	f.putPolicy(t, "deny-keys", denyResource("/v1/keys"))
	f.bindPolicy(t, "deny-keys", models.BindingUser, "alice")

	denied := &policy.Request{Subject: "alice", Action: "get", Resource: "/v1/keys"}
	if err := f.auth.Authorize(context.Background(), denied); !errs.IsForbidden(err) {
		t.Errorf("Authorize(denied resource) = %v, want Forbidden", err)
	}

	allowed := &policy.Request{Subject: "alice", Action: "get", Resource: "/v1/users"}
	if err := f.auth.Authorize(context.Background(), allowed); err != nil {
		t.Errorf("Authorize(other resource) = %v, want allow", err)
	}
}

func TestAuthorizeNoReachablePolicies(t *testing.T) {
	f := newFixture(t)
	req := &policy.Request{Subject: "alice", Action: "get", Resource: "/v1/users"}
	if err := f.auth.Authorize(context.Background(), req); !errs.IsForbidden(err) {
		t.Errorf("Authorize with no bindings = %v, want Forbidden", err)
	}
}

func TestStatementsForDeduplicatesPolicies(t *testing.T) {
	f := newFixture(t)

	// One policy reachable twice: directly and through a group.
	f.putPolicy(t, "p1", allowAll())
	f.bindPolicy(t, "p1", models.BindingUser, "alice")
	f.enroll(t, "g1", "alice")
	f.bindPolicy(t, "p1", models.BindingGroup, "g1")

	statements, err := f.auth.StatementsFor(context.Background(), "alice")
	if err != nil {
		t.Fatalf("StatementsFor failed: %v", err)
	}
	if len(statements) != 1 {
		t.Errorf("got %d statements, want 1", len(statements))
	}
}

func TestStatementsForSkipsDeletedPolicy(t *testing.T) {
	f := newFixture(t)

	f.putPolicy(t, "p1", allowAll())
	f.putPolicy(t, "p2", denyResource("/v1/keys"))
	f.bindPolicy(t, "p1", models.BindingUser, "alice")
	f.bindPolicy(t, "p2", models.BindingUser, "alice")

	// Force-delete p2's document while its binding survives. The
	// registry's delete guard would normally refuse this, so go through
	// the backend directly.
	p2, err := storage.Policies(f.reg).Get(context.Background(), "p2")
	if err != nil {
		t.Fatalf("fetching p2: %v", err)
	}
	p2.MarkDeleted(time.Now())
	if err := f.reg.Backend().Put(context.Background(), p2, 0); err != nil {
		t.Fatalf("force-deleting p2: %v", err)
	}

	statements, err := f.auth.StatementsFor(context.Background(), "alice")
	if err != nil {
		t.Fatalf("StatementsFor failed: %v", err)
	}
	if len(statements) != 1 {
		t.Errorf("got %d statements, want only p1's", len(statements))
	}
}
