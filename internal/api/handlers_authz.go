// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package api

import (
	"net/http"

	"github.com/cimidp/cim/internal/policy"
)

// authorizeCheckRequest is the body of POST /v1/authorize.
type authorizeCheckRequest struct {
	Subject  string         `json:"subject" validate:"required"`
	Action   string         `json:"action" validate:"required"`
	Resource string         `json:"resource" validate:"required"`
	Context  map[string]any `json:"context,omitempty"`
}

// handleAuthzCheck evaluates an explicit authorization question. Allow
// answers 200; denials surface as the 403 envelope.
func (s *Server) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	var in authorizeCheckRequest
	if err := decodeJSON(r, &in); err != nil {
		writeErr(w, r, err)
		return
	}

	req := &policy.Request{
		Subject:  in.Subject,
		Action:   in.Action,
		Resource: in.Resource,
		Context:  in.Context,
	}
	err := s.authorizer.Authorize(r.Context(), req)
	s.auditDecision(r, req, err)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": true})
}
