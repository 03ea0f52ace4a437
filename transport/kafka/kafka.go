// Package kafka provides a Kafka channel store. Each assignflow consumer group
// is a Kafka consumer group, so Kafka offsets carry the group cursor.
package kafka

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/IBM/sarama"

	"github.com/drblury/assignflow/transport"
	"github.com/drblury/assignflow/transport/bridge"
)

// TransportName is the name used to register this store.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka store with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a Kafka publisher and one subscriber per consumer group.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Store, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	newSubscriber := func(group string) (message.Subscriber, error) {
		return SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           kafka.DefaultMarshaler{},
				ConsumerGroup:         group,
				OverwriteSaramaConfig: saramaConfig(),
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

// saramaConfig makes a new consumer group start at the oldest retained offset.
func saramaConfig() *sarama.Config {
	cfg := kafka.DefaultSaramaSubscriberConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	return cfg
}

// Capabilities returns the capabilities of this store.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
