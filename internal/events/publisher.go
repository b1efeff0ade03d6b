// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package events

import (
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/logging"
)

// BreakerSettings tunes the circuit breaker guarding publishes.
type BreakerSettings struct {
	// FailureThreshold is how many consecutive failures open the
	// breaker.
	FailureThreshold uint32

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
}

// DefaultBreakerSettings returns the publish breaker defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, Timeout: 30 * time.Second}
}

// Publisher wraps a transport publisher with a circuit breaker so a
// dead broker sheds load fast instead of stalling every request that
// emits an event.
type Publisher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[any]

	mu     sync.RWMutex
	closed bool
}

// NewPublisher wraps pub with breaker protection.
func NewPublisher(pub message.Publisher, settings BreakerSettings) *Publisher {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = DefaultBreakerSettings().FailureThreshold
	}
	if settings.Timeout == 0 {
		settings.Timeout = DefaultBreakerSettings().Timeout
	}
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "events-publish",
		Timeout: settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("publish breaker state changed")
		},
	})
	return &Publisher{publisher: pub, breaker: breaker}
}

// Publish sends msg to topic through the breaker.
func (p *Publisher) Publish(topic string, msg *message.Message) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return errs.Internal(nil, "publisher is closed")
	}

	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.publisher.Publish(topic, msg)
	})
	return err
}

// State returns the breaker state for health reporting.
func (p *Publisher) State() string {
	return p.breaker.State().String()
}

// Close marks the publisher closed. The underlying transport is closed
// by its owner.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
