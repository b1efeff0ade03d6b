// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package events provides the message transport behind the audit
// pipeline: an in-process channel by default, NATS JetStream when
// configured. Producers and consumers see only the watermill
// publisher/subscriber interfaces, so the two transports are
// interchangeable.
package events

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Transport bundles a publisher and subscriber over one medium.
type Transport interface {
	Publisher() message.Publisher
	Subscriber() message.Subscriber
	Close() error
}

// channelTransport runs over an in-process go channel. Messages are
// lost on restart; installations that need durable audit delivery
// enable the NATS transport instead.
type channelTransport struct {
	ch *gochannel.GoChannel
}

// NewChannel creates the in-process transport. buffer bounds how many
// published messages may sit unconsumed before publishes block.
func NewChannel(buffer int) Transport {
	if buffer <= 0 {
		buffer = 256
	}
	return &channelTransport{
		ch: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(buffer),
		}, NewLogger()),
	}
}

func (t *channelTransport) Publisher() message.Publisher   { return t.ch }
func (t *channelTransport) Subscriber() message.Subscriber { return t.ch }
func (t *channelTransport) Close() error                   { return t.ch.Close() }
