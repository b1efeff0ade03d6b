// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/logging"
)

// errEnvelope is the non-2xx response body.
type errEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Err(err).Msg("encoding response body")
	}
}

// writeErr renders err as the error envelope. This is the outermost
// conversion: internal errors log their captured stack here, typed
// errors pass through with their own status and message.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	e := errs.Convert(err)
	code := errs.CodeOf(e)
	status := errs.StatusFromCode(code)

	if errs.KindOf(e) == errs.KindAny {
		logging.CtxErr(r.Context(), e).
			Str("path", r.URL.Path).
			Bytes("stack", e.Stack()).
			Msg("request failed")
	} else {
		logging.CtxDebug(r.Context()).
			Str("path", r.URL.Path).
			Str("code", code).
			Msg(e.Error())
	}

	writeJSON(w, status, errEnvelope{Code: code, Message: errs.MessageOf(e)})
}
