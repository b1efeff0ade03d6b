// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// Routes assembles the full HTTP surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(traceMiddleware)
	r.Use(observeMiddleware)
	r.Use(recoverMiddleware)
	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Authorization", "Content-Type", traceHeader},
			ExposedHeaders: []string{traceHeader},
		}))
	}

	r.Get("/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/jwks", s.handleJWKS)
	r.Get("/authorize", s.handleAuthorize)
	r.Get("/connectors/{connector_id}", s.handleConnector)
	r.Get("/callback", s.handleCallback)
	r.Post("/callback", s.handleSAMLCallback)
	r.Get("/login", s.handleLoginPage)
	r.Post("/login", s.handleLoginSubmit)
	r.Get("/approval", s.handleApprovalPage)
	r.Post("/approval", s.handleApprovalSubmit)
	r.Post("/token", s.handleToken)
	r.Get("/userinfo", s.handleUserinfo)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.config.EnforcePolicy {
			r.Use(s.requireBearer)
			r.Use(s.requirePolicy)
		}

		r.Post("/authorize", s.handleAuthzCheck)

		users := &resource[models.User, *models.User]{
			s:             s,
			store:         storage.Users(s.reg),
			kind:          models.KindUser,
			filterKeys:    []string{"id", "account_id", "email", "phone_number"},
			prepareCreate: s.prepareUser,
			postCreate:    s.bootstrapUser,
		}
		users.mount(r, "/users")

		groups := &resource[models.Group, *models.Group]{
			s:          s,
			store:      storage.Groups(s.reg),
			kind:       models.KindGroup,
			filterKeys: []string{"id", "account_id", "name"},
		}
		groups.mount(r, "/groups")

		groupUsers := &resource[models.GroupUser, *models.GroupUser]{
			s:          s,
			store:      storage.GroupUsers(s.reg),
			kind:       models.KindGroupUser,
			filterKeys: []string{"id", "group_id", "user_id"},
		}
		groupUsers.mount(r, "/group_users")

		roles := &resource[models.Role, *models.Role]{
			s:          s,
			store:      storage.Roles(s.reg),
			kind:       models.KindRole,
			filterKeys: []string{"id", "account_id", "name"},
		}
		roles.mount(r, "/roles")

		roleBindings := &resource[models.RoleBinding, *models.RoleBinding]{
			s:          s,
			store:      storage.RoleBindings(s.reg),
			kind:       models.KindRoleBinding,
			filterKeys: []string{"id", "role_id", "user_id", "user_type"},
		}
		roleBindings.mount(r, "/role_bindings")

		policies := &resource[models.Policy, *models.Policy]{
			s:          s,
			store:      storage.Policies(s.reg),
			kind:       models.KindPolicy,
			filterKeys: []string{"id", "account_id"},
		}
		policies.mount(r, "/policies")

		policyBindings := &resource[models.PolicyBinding, *models.PolicyBinding]{
			s:          s,
			store:      storage.PolicyBindings(s.reg),
			kind:       models.KindPolicyBinding,
			filterKeys: []string{"id", "policy_id", "bindings_id", "bindings_type"},
		}
		policyBindings.mount(r, "/policy_bindings")

		clients := &resource[models.Client, *models.Client]{
			s:          s,
			store:      storage.Clients(s.reg),
			kind:       models.KindClient,
			filterKeys: []string{"id", "account_id", "name"},
		}
		clients.mount(r, "/clients")

		connectors := &resource[models.Connector, *models.Connector]{
			s:          s,
			store:      storage.Connectors(s.reg),
			kind:       models.KindConnector,
			filterKeys: []string{"id", "connector_type", "name"},
		}
		connectors.mount(r, "/connectors")

		auditEvents := &resource[models.AuditEvent, *models.AuditEvent]{
			s:          s,
			store:      storage.AuditEvents(s.reg),
			kind:       models.KindAuditEvent,
			filterKeys: []string{"id", "subject", "action", "outcome"},
			readOnly:   true,
		}
		auditEvents.mount(r, "/audit_events")
	})

	return r
}
