// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/logging"
	"github.com/cimidp/cim/internal/metrics"
)

// traceHeader round-trips a request id between client and server.
const traceHeader = "X-Trace-Id"

// traceMiddleware echoes the inbound trace id, or generates one, and
// threads it through the request context for log correlation.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(traceHeader)
		if id == "" {
			id = logging.NewTraceID()
		}
		w.Header().Set(traceHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithTraceID(r.Context(), id)))
	})
}

// observeMiddleware logs each request and feeds the HTTP metrics. The
// metric endpoint label is the chi route pattern, not the raw path, so
// parameterized routes collapse into one series.
func observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		duration := time.Since(start)
		metrics.RecordAPIRequest(r.Method, endpoint, ww.Status(), duration)
		logging.Ctx(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", duration).
			Msg("request")
	})
}

// recoverMiddleware turns handler panics into 500 envelopes instead of
// dropped connections.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				writeErr(w, r, errs.Internal(nil, "panic serving %s: %v", r.URL.Path, rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
