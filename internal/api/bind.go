// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/validation"
)

// decodeJSON binds a JSON request body into v and runs struct
// validation on it.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errs.BadRequestf("invalid request body: %v", err)
	}
	return validation.Struct(v)
}

// listOpts builds list options from the query string. Only the allowed
// keys become filter entries; unknown query parameters are ignored so
// transport knobs like watch=1 never leak into filters.
func listOpts(r *http.Request, allowed []string) (models.ListOpts, error) {
	q := r.URL.Query()
	opts := models.ListOpts{}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, errs.BadRequestf("invalid limit %q", raw)
		}
		opts.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, errs.BadRequestf("invalid offset %q", raw)
		}
		opts.Offset = n
	}

	for _, key := range allowed {
		if v := q.Get(key); v != "" {
			if opts.Filter == nil {
				opts.Filter = map[string]string{}
			}
			opts.Filter[key] = v
		}
	}
	return opts, nil
}

// bearerToken extracts the bearer credential from the Authorization
// header.
func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errs.Unauthorizedf("missing bearer token")
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errs.Unauthorizedf("malformed Authorization header")
	}
	return parts[1], nil
}
