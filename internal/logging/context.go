// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Context keys for logging.
type contextKey string

const (
	// traceIDKey is the context key for request trace IDs.
	traceIDKey contextKey = "trace_id"

	// loggerKey is the context key for storing a logger instance.
	loggerKey contextKey = "logger"
)

// NewTraceID creates a new unique trace ID. Returns a full UUID so the
// value can be echoed back to clients in the X-Trace-Id header.
func NewTraceID() string {
	return uuid.New().String()
}

// ContextWithTraceID returns a new context with the given trace ID.
//
//	ctx = logging.ContextWithTraceID(ctx, logging.NewTraceID())
func ContextWithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceIDFromContext retrieves the trace ID from context.
// Returns empty string if not present.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithLogger stores a logger in the context.
// This is useful for passing pre-configured loggers through middleware.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves a logger from context.
// Returns the global logger if no logger is stored in context.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	return Logger()
}

// Ctx returns a logger with the trace ID from context automatically added.
// This is the recommended way to log inside handlers and services.
//
//	logging.Ctx(ctx).Info().Msg("Processing request")
//	// Output: {"level":"info","trace_id":"uuid","message":"Processing request"}
func Ctx(ctx context.Context) *zerolog.Logger {
	logger := LoggerFromContext(ctx)

	contextLogger := logger.With().Logger()
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		contextLogger = contextLogger.With().Str("trace_id", traceID).Logger()
	}

	return &contextLogger
}

// CtxWith returns a logger context builder with the trace ID pre-populated.
// Use this when you need to add additional fields beyond the trace ID.
//
//	logger := logging.CtxWith(ctx).Str("user_id", uid).Logger()
//	logger.Info().Msg("User action")
func CtxWith(ctx context.Context) zerolog.Context {
	logger := LoggerFromContext(ctx)
	logCtx := logger.With()

	if traceID := TraceIDFromContext(ctx); traceID != "" {
		logCtx = logCtx.Str("trace_id", traceID)
	}

	return logCtx
}

// CtxDebug starts a debug level message with the trace ID attached.
// Shorthand for Ctx(ctx).Debug().
func CtxDebug(ctx context.Context) *zerolog.Event {
	return Ctx(ctx).Debug()
}

// CtxInfo starts an info level message with the trace ID attached.
// Shorthand for Ctx(ctx).Info().
func CtxInfo(ctx context.Context) *zerolog.Event {
	return Ctx(ctx).Info()
}

// CtxWarn starts a warn level message with the trace ID attached.
// Shorthand for Ctx(ctx).Warn().
func CtxWarn(ctx context.Context) *zerolog.Event {
	return Ctx(ctx).Warn()
}

// CtxErr starts an error level message with the trace ID and error attached.
// Shorthand for Ctx(ctx).Err(err).
func CtxErr(ctx context.Context, err error) *zerolog.Event {
	return Ctx(ctx).Err(err)
}

// WithComponent creates a child logger with a component field.
//
//	hubLogger := logging.WithComponent("watch")
//	hubLogger.Info().Msg("Watcher registered")
func WithComponent(component string) zerolog.Logger {
	return With().Str("component", component).Logger()
}
