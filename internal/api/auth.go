// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/logging"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/policy"
	"github.com/cimidp/cim/internal/tokens"
)

type claimsKeyType struct{}

var claimsKey claimsKeyType

// claimsFrom returns the verified bearer claims placed by
// requireBearer.
func claimsFrom(ctx context.Context) *tokens.Claims {
	claims, _ := ctx.Value(claimsKey).(*tokens.Claims)
	return claims
}

// requireBearer verifies the bearer access token and stores its claims
// in the request context.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		claims, err := s.tokens.Verify(r.Context(), raw)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// requirePolicy evaluates the authenticated subject against the policy
// engine: action is the lower-case HTTP method, resource the request
// path. Denials are audited.
func (s *Server) requirePolicy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r.Context())
		if claims == nil {
			writeErr(w, r, errs.Unauthorizedf("missing bearer token"))
			return
		}

		req := &policy.Request{
			Subject:  claims.Subject,
			Action:   strings.ToLower(r.Method),
			Resource: r.URL.Path,
		}
		if err := s.authorizer.Authorize(r.Context(), req); err != nil {
			s.auditDecision(r, req, err)
			writeErr(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auditDecision records one policy evaluation outcome.
func (s *Server) auditDecision(r *http.Request, req *policy.Request, err error) {
	outcome := models.AuditOutcomeAllow
	code := ""
	if err != nil {
		outcome = models.AuditOutcomeDeny
		code = errs.CodeOf(err)
	}
	detail, _ := json.Marshal(req)
	s.record(r.Context(), &models.AuditEvent{
		Subject:    req.Subject,
		Action:     "policy.decide",
		Resource:   req.Resource,
		Outcome:    outcome,
		Code:       code,
		TraceID:    logging.TraceIDFromContext(r.Context()),
		RemoteAddr: r.RemoteAddr,
		Detail:     detail,
	})
}
