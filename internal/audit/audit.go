// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
Package audit persists security-relevant events append-only.

Logins, token grants, policy decisions and entity mutations are
published as messages on the events transport and consumed in batches
into the audit_event store. Publishing is fire-and-forget behind a
circuit breaker: a broken pipeline degrades auditing, never the
request path.
*/
package audit

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/cimidp/cim/internal/events"
	"github.com/cimidp/cim/internal/logging"
	"github.com/cimidp/cim/internal/metrics"
	"github.com/cimidp/cim/internal/models"
)

// DefaultTopic is the subject audit events travel on.
const DefaultTopic = "audit.events"

// Config tunes the pipeline.
type Config struct {
	// Topic is the transport subject. Defaults to DefaultTopic.
	Topic string

	// BatchSize is how many events the consumer persists per write
	// burst.
	BatchSize int

	// FlushInterval bounds how long a partial batch waits.
	FlushInterval time.Duration
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	return c
}

// Recorder publishes audit events. It satisfies the engine's audit
// sink and never surfaces pipeline failures to callers.
type Recorder struct {
	pub   *events.Publisher
	topic string
	now   func() time.Time
}

// NewRecorder creates a recorder publishing on topic.
func NewRecorder(pub *events.Publisher, topic string) *Recorder {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Recorder{pub: pub, topic: topic, now: time.Now}
}

// Record stamps and publishes one event. Failures are logged and
// counted, not returned: audit must not take down the operation it
// describes.
func (r *Recorder) Record(ctx context.Context, event *models.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		metrics.RecordAuditPublish(err)
		logging.Err(err).Str("action", event.Action).Msg("encoding audit event")
		return
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("action", event.Action)
	msg.Metadata.Set("outcome", event.Outcome)

	err = r.pub.Publish(r.topic, msg)
	metrics.RecordAuditPublish(err)
	if err != nil {
		logging.Err(err).
			Str("action", event.Action).
			Str("subject", event.Subject).
			Msg("publishing audit event")
	}
}

// decodeEvent parses a message payload back into an event.
func decodeEvent(msg *message.Message) (*models.AuditEvent, error) {
	var event models.AuditEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
