// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package config loads and validates the server configuration.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: built-in values for every optional setting
//  2. Config File: optional YAML file (config.yaml) for persistent settings
//  3. Environment Variables: override any setting
package config

import (
	"fmt"
	"strings"
	"time"
)

// Storage backend names accepted in Storage.Backend.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendDuckDB = "duckdb"
)

// Config holds all server configuration.
type Config struct {
	// Endpoint is the externally visible base URL, used as the OIDC
	// issuer and for building redirect URLs.
	Endpoint string `koanf:"endpoint"`

	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	Auth    AuthConfig    `koanf:"auth"`
	Policy  PolicyConfig  `koanf:"policy"`
	Audit   AuditConfig   `koanf:"audit"`
	NATS    NATSConfig    `koanf:"nats"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `koanf:"host"`

	// Port is the listen port.
	Port int `koanf:"port"`

	// Timeout bounds request read/write.
	Timeout time.Duration `koanf:"timeout"`

	// ShutdownTimeout bounds graceful drain on stop.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// CORSOrigins lists the allowed CORS origins.
	CORSOrigins []string `koanf:"cors_origins"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is memory, badger or duckdb.
	Backend string `koanf:"backend"`

	// BadgerPath is the Badger data directory.
	BadgerPath string `koanf:"badger_path"`

	// DuckDBPath is the DuckDB database file.
	DuckDBPath string `koanf:"duckdb_path"`

	// WatchRingCapacity sizes each kind's event replay ring.
	WatchRingCapacity int `koanf:"watch_ring_capacity"`
}

// AuthConfig holds the OIDC protocol timings and refresh rotation
// policy.
type AuthConfig struct {
	// Expiration is the AuthRequest TTL.
	Expiration time.Duration `koanf:"expiration"`

	// TokenValidity is how long issued tokens live.
	TokenValidity time.Duration `koanf:"token_validity"`

	// KeyRotationFrequency is how long each signing key stays active.
	KeyRotationFrequency time.Duration `koanf:"key_rotation_frequency"`

	// AbsoluteLifetime caps a refresh chain's total life; zero disables
	// the cap.
	AbsoluteLifetime time.Duration `koanf:"absolute_lifetime"`

	// ValidIfNotUsedFor expires refresh tokens left unused this long;
	// zero disables the check.
	ValidIfNotUsedFor time.Duration `koanf:"valid_if_not_used_for"`

	// ReuseInterval is the grace window during which a just-rotated
	// refresh token is still accepted.
	ReuseInterval time.Duration `koanf:"reuse_interval"`

	// RotateRefreshTokens mints a new opaque token on each refresh.
	RotateRefreshTokens bool `koanf:"rotate_refresh_tokens"`
}

// PolicyConfig tunes the policy engine.
type PolicyConfig struct {
	// CacheSize bounds the compiled-pattern LRU.
	CacheSize int `koanf:"cache_size"`

	// Enforce guards /v1 CRUD routes with the policy engine. Disabled
	// setups still evaluate explicit /v1/authorize calls.
	Enforce bool `koanf:"enforce"`
}

// AuditConfig tunes the audit event pipeline.
type AuditConfig struct {
	// Enabled turns the pipeline on.
	Enabled bool `koanf:"enabled"`

	// BufferSize is the in-process channel depth between publisher and
	// consumer.
	BufferSize int `koanf:"buffer_size"`

	// BatchSize is how many events the consumer persists per write
	// burst.
	BatchSize int `koanf:"batch_size"`

	// FlushInterval bounds how long a partial batch waits.
	FlushInterval time.Duration `koanf:"flush_interval"`
}

// NATSConfig configures the optional JetStream transport for the audit
// pipeline. When disabled the pipeline runs over an in-process
// channel.
type NATSConfig struct {
	Enabled bool `koanf:"enabled"`

	// URL is the server address; ignored when EmbeddedServer is set.
	URL string `koanf:"url"`

	// EmbeddedServer runs a NATS server inside this process.
	EmbeddedServer bool `koanf:"embedded_server"`

	// StoreDir is the JetStream storage directory for the embedded
	// server.
	StoreDir string `koanf:"store_dir"`

	// Topic is the audit stream subject.
	Topic string `koanf:"topic"`
}

// LoggingConfig holds the log settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for errors that would only surface
// later at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Endpoint != "" && !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return fmt.Errorf("endpoint must be an http(s) URL, got %q", c.Endpoint)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Storage.BadgerPath == "" {
			return fmt.Errorf("storage.badger_path is required for the badger backend")
		}
	case BackendDuckDB:
		if c.Storage.DuckDBPath == "" {
			return fmt.Errorf("storage.duckdb_path is required for the duckdb backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, badger or duckdb, got %q", c.Storage.Backend)
	}

	if c.Auth.Expiration <= 0 {
		return fmt.Errorf("auth.expiration must be positive, got %s", c.Auth.Expiration)
	}
	if c.Auth.TokenValidity <= 0 {
		return fmt.Errorf("auth.token_validity must be positive, got %s", c.Auth.TokenValidity)
	}
	if c.Auth.KeyRotationFrequency <= 0 {
		return fmt.Errorf("auth.key_rotation_frequency must be positive, got %s", c.Auth.KeyRotationFrequency)
	}
	if c.Auth.ReuseInterval < 0 {
		return fmt.Errorf("auth.reuse_interval must not be negative, got %s", c.Auth.ReuseInterval)
	}

	if c.NATS.Enabled && !c.NATS.EmbeddedServer && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled without an embedded server")
	}

	return nil
}

// Issuer returns the OIDC issuer URL: the configured endpoint, falling
// back to the listener address.
func (c *Config) Issuer() string {
	if c.Endpoint != "" {
		return strings.TrimRight(c.Endpoint, "/")
	}
	return fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
}

// ListenAddr returns the host:port bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
