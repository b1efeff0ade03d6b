// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPServer matches the *http.Server lifecycle.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService bridges the blocking ListenAndServe pattern to suture's
// context-aware Serve: the listener runs in a goroutine, and context
// cancellation triggers a bounded graceful shutdown.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server as a supervised service.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// String names the service in supervisor logs.
func (h *HTTPService) String() string { return "http-server" }

// Serve implements suture.Service.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// The serve context is gone; shutdown gets its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// Rotator matches the key rotator's lifecycle.
type Rotator interface {
	Start(ctx context.Context) error
	Stop() error
}

// RotatorService runs the key-rotation loop as a supervised service.
type RotatorService struct {
	rotator Rotator
}

// NewRotatorService wraps the rotator.
func NewRotatorService(rotator Rotator) *RotatorService {
	return &RotatorService{rotator: rotator}
}

// String names the service in supervisor logs.
func (r *RotatorService) String() string { return "key-rotator" }

// Serve implements suture.Service: the rotator's own loop does the
// work, this wrapper ties its lifetime to the supervisor.
func (r *RotatorService) Serve(ctx context.Context) error {
	if err := r.rotator.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := r.rotator.Stop(); err != nil {
		return err
	}
	return ctx.Err()
}
