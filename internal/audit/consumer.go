// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package audit

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/cimidp/cim/internal/logging"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// pending pairs a decoded event with its message so the ack happens
// only after the event is persisted.
type pending struct {
	event *models.AuditEvent
	msg   *message.Message
}

// Consumer drains the audit topic into the store in batches. It runs
// as a supervised service: Serve blocks until the context ends or the
// subscription dies.
type Consumer struct {
	sub    message.Subscriber
	store  storage.Typed[models.AuditEvent, *models.AuditEvent]
	config Config
}

// NewConsumer creates the consumer over reg's audit_event store.
func NewConsumer(reg *storage.Registry, sub message.Subscriber, config Config) *Consumer {
	return &Consumer{
		sub:    sub,
		store:  storage.AuditEvents(reg),
		config: config.withDefaults(),
	}
}

// String names the service in supervisor logs.
func (c *Consumer) String() string { return "audit-consumer" }

// Serve consumes until ctx is done. Events are persisted in batches of
// BatchSize, with partial batches flushed every FlushInterval.
func (c *Consumer) Serve(ctx context.Context) error {
	msgs, err := c.sub.Subscribe(ctx, c.config.Topic)
	if err != nil {
		return err
	}

	batch := make([]pending, 0, c.config.BatchSize)
	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				c.flush(batch)
				return ctx.Err()
			}
			event, err := decodeEvent(msg)
			if err != nil {
				// A payload that cannot decode never will: drop it.
				logging.Err(err).Str("message_id", msg.UUID).Msg("dropping undecodable audit event")
				msg.Ack()
				continue
			}
			batch = append(batch, pending{event: event, msg: msg})
			if len(batch) >= c.config.BatchSize {
				c.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				c.flush(batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			c.flush(batch)
			return ctx.Err()
		}
	}
}

// flush persists a batch, acking persisted messages and nacking the
// rest for redelivery. Event ids are stable, so a redelivered event
// overwrites its earlier copy instead of duplicating it.
func (c *Consumer) flush(batch []pending) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stored := 0
	for _, p := range batch {
		if err := c.store.Put(ctx, p.event, 0); err != nil {
			logging.Err(err).Str("event_id", p.event.ID).Msg("persisting audit event")
			p.msg.Nack()
			continue
		}
		p.msg.Ack()
		stored++
	}
	logging.Debug().Int("stored", stored).Int("batch", len(batch)).Msg("audit batch flushed")
}
