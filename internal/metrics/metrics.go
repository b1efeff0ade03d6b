// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cim_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cim_api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	// Store Metrics
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cim_store_operation_duration_seconds",
			Help:    "Duration of storage operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "kind"},
	)

	StoreOpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_store_operation_errors_total",
			Help: "Total number of failed storage operations",
		},
		[]string{"operation", "kind"},
	)

	// Token Metrics
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_tokens_issued_total",
			Help: "Total number of tokens minted",
		},
		[]string{"token_type"}, // "id", "access", "refresh"
	)

	TokenVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_token_verifications_total",
			Help: "Total number of token verification attempts",
		},
		[]string{"result"}, // "ok", "invalid"
	)

	GrantRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_grant_requests_total",
			Help: "Total number of token endpoint grant requests",
		},
		[]string{"grant_type", "result"},
	)

	// Login Metrics
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_login_attempts_total",
			Help: "Total number of connector login attempts",
		},
		[]string{"connector", "result"},
	)

	// Key Rotation Metrics
	KeyRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_key_rotations_total",
			Help: "Total number of signing key rotation attempts",
		},
		[]string{"outcome"}, // "rotated", "bootstrapped", "skipped", "conflict", "error"
	)

	KeyRotationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cim_key_rotation_duration_seconds",
			Help:    "Duration of signing key rotations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Policy Metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_policy_decisions_total",
			Help: "Total number of policy evaluations",
		},
		[]string{"outcome"}, // "allow", "deny", "error"
	)

	PolicyEvalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cim_policy_eval_duration_seconds",
			Help:    "Duration of policy evaluations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	PolicyCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cim_policy_pattern_cache_hits_total",
			Help: "Total number of compiled-pattern cache hits",
		},
	)

	PolicyCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cim_policy_pattern_cache_misses_total",
			Help: "Total number of compiled-pattern cache misses",
		},
	)

	// Watch Metrics
	WatchSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cim_watch_subscribers",
			Help: "Current number of live watch subscribers",
		},
		[]string{"kind"},
	)

	WatchEventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_watch_events_delivered_total",
			Help: "Total number of watch events fanned out",
		},
		[]string{"kind"},
	)

	WatchDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_watch_drops_total",
			Help: "Total number of watch subscriptions dropped",
		},
		[]string{"kind"},
	)

	// Audit Pipeline Metrics
	AuditEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cim_audit_events_published_total",
			Help: "Total number of audit events published",
		},
	)

	AuditPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cim_audit_publish_errors_total",
			Help: "Total number of audit publish failures",
		},
	)

	AuditEventsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cim_audit_events_persisted_total",
			Help: "Total number of audit events written to the store",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cim_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breakers",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cim_app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cim_app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordAPIRequest records one served API request.
func RecordAPIRequest(method, endpoint string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordStoreOp records one storage operation.
func RecordStoreOp(operation, kind string, duration time.Duration, err error) {
	StoreOpDuration.WithLabelValues(operation, kind).Observe(duration.Seconds())
	if err != nil {
		StoreOpErrors.WithLabelValues(operation, kind).Inc()
	}
}

// RecordTokenIssued records a minted token by type.
func RecordTokenIssued(tokenType string) {
	TokensIssued.WithLabelValues(tokenType).Inc()
}

// RecordTokenVerification records a verification attempt.
func RecordTokenVerification(ok bool) {
	result := "ok"
	if !ok {
		result = "invalid"
	}
	TokenVerifications.WithLabelValues(result).Inc()
}

// RecordGrant records a token endpoint grant request.
func RecordGrant(grantType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	GrantRequests.WithLabelValues(grantType, result).Inc()
}

// RecordLogin records a connector login attempt.
func RecordLogin(connector string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	LoginAttempts.WithLabelValues(connector, result).Inc()
}

// RecordKeyRotation records one rotation attempt with its outcome.
func RecordKeyRotation(outcome string, duration time.Duration) {
	KeyRotations.WithLabelValues(outcome).Inc()
	KeyRotationDuration.Observe(duration.Seconds())
}

// RecordPolicyDecision records one policy evaluation.
func RecordPolicyDecision(outcome string, duration time.Duration) {
	PolicyDecisions.WithLabelValues(outcome).Inc()
	PolicyEvalDuration.Observe(duration.Seconds())
}

// RecordPolicyCacheLookup records a compiled-pattern cache hit or miss.
func RecordPolicyCacheLookup(hit bool) {
	if hit {
		PolicyCacheHits.Inc()
	} else {
		PolicyCacheMisses.Inc()
	}
}

// RecordWatchSubscribed adjusts the live subscriber gauge.
func RecordWatchSubscribed(kind string, delta int) {
	WatchSubscribers.WithLabelValues(kind).Add(float64(delta))
}

// RecordWatchDelivery records fanned-out watch events.
func RecordWatchDelivery(kind string, count int) {
	WatchEventsDelivered.WithLabelValues(kind).Add(float64(count))
}

// RecordWatchDrop records a watcher disconnected after its event
// buffer overflowed.
func RecordWatchDrop(kind string) {
	WatchDrops.WithLabelValues(kind).Inc()
}

// RecordAuditPublish records an audit publish attempt.
func RecordAuditPublish(err error) {
	if err != nil {
		AuditPublishErrors.Inc()
		return
	}
	AuditEventsPublished.Inc()
}

// SetAppInfo sets the build information gauge once at startup.
func SetAppInfo(version, goVersion string) {
	AppInfo.WithLabelValues(version, goVersion).Set(1)
}
