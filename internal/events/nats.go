// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package events

import (
	"context"
	"errors"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/logging"
)

// NATSOptions configures the JetStream transport.
type NATSOptions struct {
	// URL is the server address. Ignored when EmbeddedServer is set.
	URL string

	// EmbeddedServer runs a NATS server inside this process.
	EmbeddedServer bool

	// StoreDir is the JetStream storage directory for the embedded
	// server.
	StoreDir string

	// StreamName is the JetStream stream holding the audit subjects.
	StreamName string

	// Topic is the subject the stream captures.
	Topic string
}

const (
	defaultStreamName = "CIM_AUDIT"
	natsReadyTimeout  = 10 * time.Second
)

// natsTransport is the durable JetStream transport, optionally backed
// by an embedded server.
type natsTransport struct {
	server     *server.Server
	publisher  message.Publisher
	subscriber message.Subscriber
}

// NewNATS connects the JetStream transport, starting an embedded
// server first when configured. The audit stream is provisioned before
// any publisher or subscriber touches it.
func NewNATS(ctx context.Context, opts NATSOptions) (Transport, error) {
	if opts.StreamName == "" {
		opts.StreamName = defaultStreamName
	}

	t := &natsTransport{}
	url := opts.URL
	if opts.EmbeddedServer {
		ns, err := startEmbeddedServer(opts.StoreDir)
		if err != nil {
			return nil, err
		}
		t.server = ns
		url = ns.ClientURL()
		logging.Info().Str("url", url).Msg("embedded NATS server ready")
	}

	if err := ensureStream(ctx, url, opts); err != nil {
		t.shutdownServer()
		return nil, err
	}

	logger := NewLogger()
	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false, // the stream is provisioned above
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		t.shutdownServer()
		return nil, errs.Internal(err, "creating NATS publisher")
	}
	t.publisher = pub

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              url,
		QueueGroupPrefix: "cim-audit",
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		AckWaitTimeout:   30 * time.Second,
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			AckAsync:      false,
			DurablePrefix: "cim-audit",
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.BindStream(opts.StreamName),
				natsgo.MaxDeliver(5),
				natsgo.AckWait(30 * time.Second),
			},
		},
	}, logger)
	if err != nil {
		_ = pub.Close()
		t.shutdownServer()
		return nil, errs.Internal(err, "creating NATS subscriber")
	}
	t.subscriber = sub
	return t, nil
}

func (t *natsTransport) Publisher() message.Publisher   { return t.publisher }
func (t *natsTransport) Subscriber() message.Subscriber { return t.subscriber }

// Close drains the publisher and subscriber, then stops the embedded
// server when one is running.
func (t *natsTransport) Close() error {
	err := errors.Join(t.publisher.Close(), t.subscriber.Close())
	t.shutdownServer()
	return err
}

func (t *natsTransport) shutdownServer() {
	if t.server == nil {
		return
	}
	t.server.Shutdown()
	t.server.WaitForShutdown()
}

// startEmbeddedServer boots an in-process NATS server with JetStream
// on a random port.
func startEmbeddedServer(storeDir string) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		ServerName: "cim-embedded",
		Host:       "127.0.0.1",
		Port:       server.RANDOM_PORT,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
	})
	if err != nil {
		return nil, errs.Internal(err, "configuring embedded NATS server")
	}
	go ns.Start()
	if !ns.ReadyForConnections(natsReadyTimeout) {
		ns.Shutdown()
		return nil, errs.Internal(nil, "embedded NATS server not ready after %s", natsReadyTimeout)
	}
	return ns, nil
}

// ensureStream provisions the audit stream idempotently.
func ensureStream(ctx context.Context, url string, opts NATSOptions) error {
	nc, err := natsgo.Connect(url)
	if err != nil {
		return errs.Internal(err, "connecting to NATS at %s", url)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return errs.Internal(err, "opening JetStream context")
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       opts.StreamName,
		Subjects:   []string{opts.Topic},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return errs.Internal(err, "provisioning stream %s", opts.StreamName)
	}
	return nil
}
