// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package api adapts the provider to HTTP: the OIDC endpoints, the
// /v1 entity CRUD with list/watch, the authorization check endpoint
// and the operational surface (metrics, health).
//
// The package owns transport concerns only. Requests are bound and
// validated here, then handed to the engine, the store views or the
// authorizer; errors come back typed and are rendered once, at the
// outermost edge, as the {"code","message"} envelope.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cimidp/cim/internal/authz"
	"github.com/cimidp/cim/internal/keys"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/oidc"
	"github.com/cimidp/cim/internal/storage"
	"github.com/cimidp/cim/internal/tokens"
	"github.com/cimidp/cim/internal/web"
)

// AuditSink receives the policy-decision events the HTTP layer emits.
// The engine audits logins and grants on its own.
type AuditSink interface {
	Record(ctx context.Context, event *models.AuditEvent)
}

// Config holds the HTTP-layer settings.
type Config struct {
	// Issuer is the externally visible base URL.
	Issuer string

	// CORSOrigins lists the allowed CORS origins. Empty disables CORS
	// headers entirely.
	CORSOrigins []string

	// EnforcePolicy guards the /v1 routes with bearer authentication
	// and the policy engine.
	EnforcePolicy bool

	// WatchBufferSize is the per-watcher event buffer. Zero uses the
	// watch package default.
	WatchBufferSize int
}

// Server carries the handler dependencies.
type Server struct {
	config     Config
	reg        *storage.Registry
	engine     *oidc.Server
	tokens     *tokens.Service
	rotator    *keys.Rotator
	authorizer *authz.Authorizer
	pages      *web.Templates
	audit      AuditSink
	upgrader   websocket.Upgrader
	now        func() time.Time
}

// NewServer assembles the HTTP layer over its collaborators.
func NewServer(reg *storage.Registry, engine *oidc.Server, tok *tokens.Service,
	rotator *keys.Rotator, authorizer *authz.Authorizer, pages *web.Templates, config Config) *Server {
	return &Server{
		config:     config,
		reg:        reg,
		engine:     engine,
		tokens:     tok,
		rotator:    rotator,
		authorizer: authorizer,
		pages:      pages,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(config.CORSOrigins) == 0 {
					return true
				}
				for _, allowed := range config.CORSOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
		now: time.Now,
	}
}

// SetAuditSink attaches the audit pipeline. Safe to leave unset in
// tests.
func (s *Server) SetAuditSink(sink AuditSink) { s.audit = sink }

// record forwards an audit event when a sink is attached.
func (s *Server) record(ctx context.Context, event *models.AuditEvent) {
	if s.audit != nil {
		s.audit.Record(ctx, event)
	}
}
