// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package authz resolves the policies reachable from a subject and
// feeds their statements to the policy matcher.
//
// A policy is reachable through three binding paths: a policy binding
// naming the user directly, a binding naming a group the user belongs
// to, or a binding naming a role attached to the user or to one of the
// user's groups. Backends with SQL resolve the walk in one query; the
// store-walk here reproduces the same output set for the rest.
package authz

import (
	"context"
	"strconv"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/policy"
	"github.com/cimidp/cim/internal/storage"
)

// PolicyLoader is implemented by backends that resolve the binding walk
// natively. When the registry's backend provides it, the resolver skips
// the store walk.
type PolicyLoader interface {
	PoliciesForUser(ctx context.Context, userID string) ([]*models.Policy, error)
}

// Authorizer answers allow/deny questions for subjects.
type Authorizer struct {
	matcher *policy.Matcher
	loader  PolicyLoader

	policies       storage.Typed[models.Policy, *models.Policy]
	policyBindings storage.Typed[models.PolicyBinding, *models.PolicyBinding]
	groupUsers     storage.Typed[models.GroupUser, *models.GroupUser]
	roleBindings   storage.Typed[models.RoleBinding, *models.RoleBinding]
}

// New creates an authorizer over reg, using the backend's native
// resolution when available.
func New(reg *storage.Registry, matcher *policy.Matcher) *Authorizer {
	a := &Authorizer{
		matcher:        matcher,
		policies:       storage.Policies(reg),
		policyBindings: storage.PolicyBindings(reg),
		groupUsers:     storage.GroupUsers(reg),
		roleBindings:   storage.RoleBindings(reg),
	}
	if loader, ok := reg.Backend().(PolicyLoader); ok {
		a.loader = loader
	}
	return a
}

// Authorize evaluates req against every statement reachable from its
// subject. A nil return means allowed; denials surface as Forbidden.
func (a *Authorizer) Authorize(ctx context.Context, req *policy.Request) error {
	statements, err := a.StatementsFor(ctx, req.Subject)
	if err != nil {
		return err
	}
	return a.matcher.Allowed(statements, req)
}

// StatementsFor flattens the reachable policies' statement vectors into
// one sequence, preserving per-policy order.
func (a *Authorizer) StatementsFor(ctx context.Context, subject string) ([]models.Statement, error) {
	policies, err := a.policiesFor(ctx, subject)
	if err != nil {
		return nil, err
	}
	var statements []models.Statement
	for _, p := range policies {
		statements = append(statements, p.Statements...)
	}
	return statements, nil
}

// policiesFor returns every live policy bound to userID through any
// path, each policy at most once.
func (a *Authorizer) policiesFor(ctx context.Context, userID string) ([]*models.Policy, error) {
	if a.loader != nil {
		return a.loader.PoliciesForUser(ctx, userID)
	}

	policyIDs := make(map[string]struct{})
	seen := func(id string) bool {
		_, ok := policyIDs[id]
		policyIDs[id] = struct{}{}
		return ok
	}

	var out []*models.Policy
	collect := func(bindingsType models.BindingType, bindingsID string) error {
		bindings, err := a.policyBindings.List(ctx, bindingFilter(map[string]string{
			"bindings_type": strconv.Itoa(int(bindingsType)),
			"bindings_id":   bindingsID,
		}))
		if err != nil {
			return err
		}
		for _, b := range bindings.Data {
			if seen(b.PolicyID) {
				continue
			}
			p, err := a.policies.Get(ctx, b.PolicyID)
			if errs.IsNotFound(err) {
				// Binding outlived its policy; skip rather than fail the
				// whole resolution.
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	}

	if err := collect(models.BindingUser, userID); err != nil {
		return nil, err
	}

	groupIDs, err := a.groupsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, groupID := range groupIDs {
		if err := collect(models.BindingGroup, groupID); err != nil {
			return nil, err
		}
	}

	roleIDs, err := a.rolesOf(ctx, userID, groupIDs)
	if err != nil {
		return nil, err
	}
	for _, roleID := range roleIDs {
		if err := collect(models.BindingRole, roleID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// groupsOf returns the ids of the groups userID belongs to.
func (a *Authorizer) groupsOf(ctx context.Context, userID string) ([]string, error) {
	memberships, err := a.groupUsers.List(ctx, bindingFilter(map[string]string{"user_id": userID}))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(memberships.Data))
	for _, m := range memberships.Data {
		ids = append(ids, m.GroupID)
	}
	return ids, nil
}

// rolesOf returns the ids of roles bound to the user directly or
// through any of its groups.
func (a *Authorizer) rolesOf(ctx context.Context, userID string, groupIDs []string) ([]string, error) {
	roleIDs := make(map[string]struct{})
	var out []string

	add := func(userType models.BindingType, principalID string) error {
		bindings, err := a.roleBindings.List(ctx, bindingFilter(map[string]string{
			"user_type": strconv.Itoa(int(userType)),
			"user_id":   principalID,
		}))
		if err != nil {
			return err
		}
		for _, b := range bindings.Data {
			if _, ok := roleIDs[b.RoleID]; ok {
				continue
			}
			roleIDs[b.RoleID] = struct{}{}
			out = append(out, b.RoleID)
		}
		return nil
	}

	if err := add(models.BindingUser, userID); err != nil {
		return nil, err
	}
	for _, groupID := range groupIDs {
		if err := add(models.BindingGroup, groupID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// bindingFilter builds the unbounded, countless listing the walk uses.
func bindingFilter(filter map[string]string) models.ListOpts {
	return models.ListOpts{Filter: filter, CountDisable: true}
}
