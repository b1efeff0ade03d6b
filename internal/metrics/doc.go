// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
Package metrics provides Prometheus metrics collection and export for observability.

All instruments are package-level and registered via promauto at init, so
importing any package that records metrics is enough to expose them. The
HTTP server mounts the exporter at /metrics.

# Overview

The package provides metrics for:
  - API request latency and throughput
  - Storage operation durations and error counts
  - Token issuance, verification, and grant outcomes
  - Connector login attempts
  - Signing key rotation outcomes
  - Policy decisions and the compiled-pattern cache
  - Watch subscriber counts, deliveries, and drops
  - Audit pipeline throughput and circuit breaker state

# Metrics Endpoint

Metrics are exposed at the /metrics endpoint in Prometheus text format:

	curl http://localhost:5556/metrics

# Naming

Every metric carries the cim_ prefix. Counters end in _total; histograms
in _seconds expose latencies with buckets tuned per group (sub-millisecond
for policy evaluation, broader for API requests).

# Usage

Record helpers wrap the common label plumbing:

	start := time.Now()
	err := store.Put(ctx, user, 0)
	metrics.RecordStoreOp("put", "user", time.Since(start), err)

Direct instrument access remains available for call sites with richer
context, such as the circuit breaker state callback in internal/events.
*/
package metrics
