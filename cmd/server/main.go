// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package main is the entry point for the CIM server.
//
// CIM is a self-hosted OpenID Connect provider with a policy-based
// access-control engine. A single binary serves the OIDC protocol
// endpoints, the /v1 resource API with live watch streams, and the
// /v1/authorize policy check.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: environment variables over config.yaml over
//     defaults (Koanf v2)
//  2. Storage: memory, Badger or DuckDB backend behind the registry
//  3. Signing keys: rotator bootstraps and rotates the JWKS
//  4. Protocol engine: connectors, auth requests, token grants
//  5. Policy engine: statement matcher plus the binding resolver
//  6. Audit pipeline: watermill transport (in-process channel or NATS
//     JetStream), publisher and batching consumer
//  7. HTTP server: chi router under a suture supervisor tree
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: the listener
// drains in-flight requests, the audit consumer flushes its partial
// batch, and the key rotator stops.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cimidp/cim/internal/api"
	"github.com/cimidp/cim/internal/audit"
	"github.com/cimidp/cim/internal/authz"
	"github.com/cimidp/cim/internal/config"
	"github.com/cimidp/cim/internal/connector"
	"github.com/cimidp/cim/internal/events"
	"github.com/cimidp/cim/internal/keys"
	"github.com/cimidp/cim/internal/logging"
	"github.com/cimidp/cim/internal/metrics"
	"github.com/cimidp/cim/internal/oidc"
	"github.com/cimidp/cim/internal/policy"
	"github.com/cimidp/cim/internal/storage"
	"github.com/cimidp/cim/internal/storage/badgerdb"
	"github.com/cimidp/cim/internal/storage/duckdb"
	"github.com/cimidp/cim/internal/storage/memory"
	"github.com/cimidp/cim/internal/supervisor"
	"github.com/cimidp/cim/internal/tokens"
	"github.com/cimidp/cim/internal/web"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	metrics.SetAppInfo(version, runtime.Version())

	logging.Info().
		Str("version", version).
		Str("issuer", cfg.Issuer()).
		Str("backend", cfg.Storage.Backend).
		Bool("policy_enforce", cfg.Policy.Enforce).
		Msg("Starting CIM")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := openBackend(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open storage backend")
	}

	// Registry close tears down the backend too.
	reg := storage.NewRegistry(backend, cfg.Storage.WatchRingCapacity)
	defer func() {
		if err := reg.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing storage")
		}
	}()

	rotator := keys.NewRotator(reg, keys.Config{
		RotationFrequency: cfg.Auth.KeyRotationFrequency,
		VerificationKeep:  cfg.Auth.KeyRotationFrequency + cfg.Auth.TokenValidity,
		Enabled:           true,
	})

	tok := tokens.NewService(rotator, tokens.Config{
		Issuer:   cfg.Issuer(),
		Validity: cfg.Auth.TokenValidity,
	})

	engine := oidc.NewServer(reg, tok, connector.NewOpener(reg), oidc.Config{
		Issuer:              cfg.Issuer(),
		Expiration:          cfg.Auth.Expiration,
		AbsoluteLifetime:    cfg.Auth.AbsoluteLifetime,
		ValidIfNotUsedFor:   cfg.Auth.ValidIfNotUsedFor,
		ReuseInterval:       cfg.Auth.ReuseInterval,
		RotateRefreshTokens: cfg.Auth.RotateRefreshTokens,
	})

	authorizer := authz.New(reg, policy.NewMatcher(cfg.Policy.CacheSize))

	pages, err := web.New()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to parse page templates")
	}

	srv := api.NewServer(reg, engine, tok, rotator, authorizer, pages, api.Config{
		Issuer:        cfg.Issuer(),
		CORSOrigins:   cfg.Server.CORSOrigins,
		EnforcePolicy: cfg.Policy.Enforce,
	})

	// Supervisor tree: pipeline services restart independently of the
	// listener.
	tree := supervisor.New(logging.NewSlogLogger(), supervisor.Config{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddPipelineService(supervisor.NewRotatorService(rotator))

	if cfg.Audit.Enabled {
		transport, err := openTransport(ctx, cfg)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to open audit transport")
		}
		defer func() {
			if err := transport.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing audit transport")
			}
		}()

		topic := cfg.NATS.Topic
		recorder := audit.NewRecorder(
			events.NewPublisher(transport.Publisher(), events.DefaultBreakerSettings()),
			topic,
		)
		engine.SetAuditSink(recorder)
		srv.SetAuditSink(recorder)

		tree.AddPipelineService(audit.NewConsumer(reg, transport.Subscriber(), audit.Config{
			Topic:         topic,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
		}))
		logging.Info().Bool("nats", cfg.NATS.Enabled).Msg("Audit pipeline enabled")
	} else {
		logging.Info().Msg("Audit pipeline disabled (AUDIT_ENABLED=false)")
	}

	httpServer := newHTTPServer(ctx, cfg, srv.Routes())
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", httpServer.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}
	logging.Info().Msg("Server stopped gracefully")
}

// newHTTPServer builds the listener. Watch streams hold responses open
// indefinitely, so the global read/write timeouts stay off: headers are
// bounded by ReadHeaderTimeout and stream writes carry per-frame
// deadlines in the handler. BaseContext descends every request context
// from ctx, so canceling it reaches long-lived watch loops that
// Shutdown alone would never interrupt.
func newHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.Timeout,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

// openBackend opens the configured persistence backend.
func openBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendBadger:
		return badgerdb.Open(cfg.Storage.BadgerPath)
	case config.BackendDuckDB:
		return duckdb.Open(cfg.Storage.DuckDBPath)
	default:
		return memory.New(), nil
	}
}

// openTransport picks the audit transport: durable JetStream when NATS
// is enabled, an in-process channel otherwise.
func openTransport(ctx context.Context, cfg *config.Config) (events.Transport, error) {
	if cfg.NATS.Enabled {
		return events.NewNATS(ctx, events.NATSOptions{
			URL:            cfg.NATS.URL,
			EmbeddedServer: cfg.NATS.EmbeddedServer,
			StoreDir:       cfg.NATS.StoreDir,
			Topic:          cfg.NATS.Topic,
		})
	}
	return events.NewChannel(cfg.Audit.BufferSize), nil
}
