// Package nats provides a NATS Core channel store. Groups map to NATS queue
// groups. Core NATS keeps nothing, so entries published while no member of a
// group is subscribed are lost to that group.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/assignflow/transport"
	"github.com/drblury/assignflow/transport/bridge"
)

// TransportName is the name used to register this store.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS store with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a NATS Core publisher and a queue-group subscriber per group.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Store, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, errors.New("nats: URL is required")
	}
	marshaler := &nats.NATSMarshaler{}
	jetStream := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
			JetStream: jetStream,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	newSubscriber := func(group string) (message.Subscriber, error) {
		return SubscriberFactory(
			nats.SubscriberConfig{
				URL:              url,
				QueueGroupPrefix: group,
				Unmarshaler:      marshaler,
				JetStream:        jetStream,
			},
			logger,
		)
	}

	return bridge.New(bridge.Options{
		Name:          TransportName,
		Publisher:     publisher,
		NewSubscriber: newSubscriber,
		Logger:        logger,
	})
}

// Capabilities returns the capabilities of this store.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
