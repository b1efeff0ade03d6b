// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package supervisor runs the provider's long-lived services under a
// suture tree. The pipeline layer (key rotation, audit consumption) is
// isolated from the api layer, so a crashing consumer restarts without
// dropping the listener.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Config holds the tree's restart policy.
type Config struct {
	// FailureThreshold is the failure score that triggers backoff.
	FailureThreshold float64

	// FailureDecay is the failure score half-life in seconds.
	FailureDecay float64

	// FailureBackoff is how long a tripped supervisor waits before
	// restarting its services.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds each service's graceful stop.
	ShutdownTimeout time.Duration
}

// DefaultConfig mirrors suture's own defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the two-layer supervisor hierarchy.
type Tree struct {
	root     *suture.Supervisor
	pipeline *suture.Supervisor
	api      *suture.Supervisor
}

// New builds the tree. Suture events are logged through the slog
// bridge.
func New(logger *slog.Logger, config Config) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	rootSpec := suture.Spec{
		EventHook:        (&sutureslog.Handler{Logger: logger}).MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("cim", rootSpec)
	pipeline := suture.New("pipeline", childSpec)
	api := suture.New("api", childSpec)
	root.Add(pipeline)
	root.Add(api)

	return &Tree{root: root, pipeline: pipeline, api: api}
}

// AddPipelineService supervises a background service: the key rotator
// or the audit consumer.
func (t *Tree) AddPipelineService(svc suture.Service) suture.ServiceToken {
	return t.pipeline.Add(svc)
}

// AddAPIService supervises a request-serving service.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}
