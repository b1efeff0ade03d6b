// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/cim/config.yaml",
	"/etc/cim/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CIM_CONFIG"

// defaultConfig returns a Config with every optional setting filled in.
func defaultConfig() *Config {
	return &Config{
		Endpoint: "",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5556,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Storage: StorageConfig{
			Backend:           BackendMemory,
			BadgerPath:        "/data/cim/badger",
			DuckDBPath:        "/data/cim/cim.duckdb",
			WatchRingCapacity: 100,
		},
		Auth: AuthConfig{
			Expiration:           24 * time.Hour,
			TokenValidity:        24 * time.Hour,
			KeyRotationFrequency: time.Hour,
			AbsoluteLifetime:     0,
			ValidIfNotUsedFor:    0,
			ReuseInterval:        3 * time.Second,
			RotateRefreshTokens:  true,
		},
		Policy: PolicyConfig{
			CacheSize: 256,
			Enforce:   false,
		},
		Audit: AuditConfig{
			Enabled:       true,
			BufferSize:    1024,
			BatchSize:     100,
			FlushInterval: 2 * time.Second,
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/cim/nats",
			Topic:          "cim.audit",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
// struct defaults, then an optional YAML file, then environment
// variables. The result is validated before it is returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, checking
// the environment override before the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices
// when they arrive as strings from the environment.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated string values to slices
// for known slice fields. Env vars come in as strings while the config
// expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config
// paths. Unmapped variables are skipped so random environment noise
// cannot pollute the config.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		"endpoint": "endpoint",

		"http_host":        "server.host",
		"http_port":        "server.port",
		"port":             "server.port",
		"http_timeout":     "server.timeout",
		"shutdown_timeout": "server.shutdown_timeout",
		"cors_origin":      "server.cors_origins",
		"cors_origins":     "server.cors_origins",

		"storage_backend":     "storage.backend",
		"badger_path":         "storage.badger_path",
		"duckdb_path":         "storage.duckdb_path",
		"watch_ring_capacity": "storage.watch_ring_capacity",

		"expiration":             "auth.expiration",
		"token_validity":         "auth.token_validity",
		"key_rotation_frequency": "auth.key_rotation_frequency",
		"absolute_lifetime":      "auth.absolute_lifetime",
		"valid_if_not_used_for":  "auth.valid_if_not_used_for",
		"reuse_interval":         "auth.reuse_interval",
		"rotate_refresh_tokens":  "auth.rotate_refresh_tokens",

		"cache_size":     "policy.cache_size",
		"policy_enforce": "policy.enforce",

		"audit_enabled":        "audit.enabled",
		"audit_buffer_size":    "audit.buffer_size",
		"audit_batch_size":     "audit.batch_size",
		"audit_flush_interval": "audit.flush_interval",

		"nats_enabled":   "nats.enabled",
		"nats_url":       "nats.url",
		"nats_embedded":  "nats.embedded_server",
		"nats_store_dir": "nats.store_dir",
		"nats_topic":     "nats.topic",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
