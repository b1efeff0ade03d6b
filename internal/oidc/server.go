// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package oidc drives the protocol flows of the provider: it parses
// authorization requests, dispatches them to connectors, turns finished
// logins into codes and tokens, and serves the grant types of the token
// endpoint.
//
// The engine is transport-agnostic: methods take parsed inputs and
// return redirect URLs or token responses, and internal/api adapts them
// to HTTP.
package oidc

import (
	"context"
	"time"

	"github.com/cimidp/cim/internal/connector"
	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
	"github.com/cimidp/cim/internal/tokens"
)

// Config holds the protocol timings and the refresh rotation policy.
type Config struct {
	// Issuer is the externally visible base URL.
	Issuer string

	// Expiration is the AuthRequest TTL: how long a login attempt may
	// take end to end.
	Expiration time.Duration

	// AbsoluteLifetime caps a refresh chain's total life; zero disables
	// the cap.
	AbsoluteLifetime time.Duration

	// ValidIfNotUsedFor expires refresh tokens left unused this long;
	// zero disables the check.
	ValidIfNotUsedFor time.Duration

	// ReuseInterval is the grace window during which a just-rotated
	// refresh token is still accepted.
	ReuseInterval time.Duration

	// RotateRefreshTokens mints a new opaque token on each refresh.
	RotateRefreshTokens bool
}

// DefaultConfig returns the default protocol configuration.
func DefaultConfig() Config {
	return Config{
		Expiration:          24 * time.Hour,
		ReuseInterval:       3 * time.Second,
		RotateRefreshTokens: true,
	}
}

// AuditSink receives security-relevant events from the engine. The
// pipeline in internal/audit implements it; a nil sink drops events.
type AuditSink interface {
	Record(ctx context.Context, event *models.AuditEvent)
}

// Server is the protocol engine.
type Server struct {
	config Config
	tokens *tokens.Service
	opener *connector.Opener
	audit  AuditSink
	now    func() time.Time

	clients         storage.Typed[models.Client, *models.Client]
	connectors      storage.Typed[models.Connector, *models.Connector]
	authRequests    storage.Typed[models.AuthRequest, *models.AuthRequest]
	authCodes       storage.Typed[models.AuthCode, *models.AuthCode]
	refreshTokens   storage.Typed[models.RefreshToken, *models.RefreshToken]
	offlineSessions storage.Typed[models.OfflineSession, *models.OfflineSession]
}

// NewServer creates the engine over the store registry.
func NewServer(reg *storage.Registry, tok *tokens.Service, opener *connector.Opener, config Config) *Server {
	if config.Expiration <= 0 {
		config.Expiration = 24 * time.Hour
	}
	return &Server{
		config:          config,
		tokens:          tok,
		opener:          opener,
		now:             time.Now,
		clients:         storage.Clients(reg),
		connectors:      storage.Connectors(reg),
		authRequests:    storage.AuthRequests(reg),
		authCodes:       storage.AuthCodes(reg),
		refreshTokens:   storage.RefreshTokens(reg),
		offlineSessions: storage.OfflineSessions(reg),
	}
}

// SetAuditSink attaches the audit pipeline. Safe to leave unset in
// tests.
func (s *Server) SetAuditSink(sink AuditSink) { s.audit = sink }

// Issuer returns the configured issuer URL.
func (s *Server) Issuer() string { return s.config.Issuer }

// openConnector loads and instantiates the connector with the given id.
func (s *Server) openConnector(ctx context.Context, id string) (*models.Connector, connector.Connector, error) {
	row, err := s.connectors.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	impl, err := s.opener.Open(ctx, row)
	if err != nil {
		return nil, nil, err
	}
	return row, impl, nil
}

// refreshEnabled reports whether conn can refresh identities. Password
// connectors carry an explicit switch; callback connectors opt in by
// implementing RefreshConnector.
func refreshEnabled(conn connector.Connector) bool {
	if c, ok := conn.(connector.PasswordConnector); ok {
		return c.RefreshEnabled()
	}
	_, ok := conn.(connector.RefreshConnector)
	return ok
}

// refreshIdentity re-validates identity through the connector's refresh
// capability; connectors without one return the identity unchanged.
func refreshIdentity(ctx context.Context, conn connector.Connector, scopes connector.Scopes, identity connector.Identity) (connector.Identity, error) {
	if c, ok := conn.(connector.RefreshConnector); ok {
		return c.Refresh(ctx, scopes, identity)
	}
	return identity, nil
}

// record forwards an audit event to the sink when one is attached.
func (s *Server) record(ctx context.Context, event *models.AuditEvent) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, event)
}

// auditGrant records the outcome of a token-endpoint grant.
func (s *Server) auditGrant(ctx context.Context, grantType, clientID, subject string, err error) {
	outcome := models.AuditOutcomeAllow
	code := ""
	if err != nil {
		outcome = models.AuditOutcomeDeny
		code = errs.CodeOf(err)
	}
	s.record(ctx, &models.AuditEvent{
		Subject:  subject,
		Action:   "token.grant." + grantType,
		Resource: clientID,
		Outcome:  outcome,
		Code:     code,
	})
}
