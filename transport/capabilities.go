package transport

// Capabilities describes the delivery features of a store backend.
type Capabilities struct {
	// Name is the human-readable name of the store.
	Name string

	// SupportsConsumerGroups indicates independent groups each see every entry.
	SupportsConsumerGroups bool

	// SupportsWorkerClaim indicates unacknowledged entries only move to another
	// consumer when a worker claims them (see Claimer).
	SupportsWorkerClaim bool

	// SupportsNativeRedelivery indicates the backend redelivers unacknowledged
	// entries on its own once the processing window expires.
	SupportsNativeRedelivery bool

	// SupportsOrdering indicates entries reach the group in arrival order.
	SupportsOrdering bool

	// SupportsDepth indicates Depth reports live queue length.
	SupportsDepth bool

	// SupportsTrimming indicates the store honours a max retained length.
	SupportsTrimming bool

	// Durable indicates entries survive a restart of the process owning the store.
	Durable bool

	// MaxMessageSize is the maximum entry size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// AtLeastOnce returns true if an entry whose consumer dies before acking is
// eventually handed to another consumer.
func (c Capabilities) AtLeastOnce() bool {
	return c.SupportsWorkerClaim || c.SupportsNativeRedelivery
}

// RequiresClaimLoop returns true if workers must periodically claim stale
// entries for at-least-once delivery to hold.
func (c Capabilities) RequiresClaimLoop() bool {
	return c.SupportsWorkerClaim && !c.SupportsNativeRedelivery
}

// Predefined capability sets for the built-in stores.
var (
	// RedisCapabilities for Redis Streams.
	RedisCapabilities = Capabilities{
		Name:                   "redis",
		SupportsConsumerGroups: true,
		SupportsWorkerClaim:    true,
		SupportsOrdering:       true,
		SupportsDepth:          true,
		SupportsTrimming:       true,
		Durable:                true,
		MaxMessageSize:         536870912, // 512MB bulk string limit
	}

	// PebbleCapabilities for the embedded Pebble log.
	PebbleCapabilities = Capabilities{
		Name:                   "pebble",
		SupportsConsumerGroups: true,
		SupportsWorkerClaim:    true,
		SupportsOrdering:       true,
		SupportsDepth:          true,
		SupportsTrimming:       true,
		Durable:                true,
	}

	// NATSJetStreamCapabilities for NATS JetStream durable pull consumers.
	NATSJetStreamCapabilities = Capabilities{
		Name:                     "nats-jetstream",
		SupportsConsumerGroups:   true,
		SupportsNativeRedelivery: true,
		SupportsOrdering:         true,
		SupportsDepth:            true,
		SupportsTrimming:         true,
		Durable:                  true,
		MaxMessageSize:           1048576, // Default 1MB
	}

	// ChannelCapabilities for the in-memory Go channel bridge. Pending sends
	// race each other, so arrival order is not kept.
	ChannelCapabilities = Capabilities{
		Name:                     "channel",
		SupportsConsumerGroups:   true,
		SupportsNativeRedelivery: true,
		SupportsDepth:            true,
	}

	// KafkaCapabilities for Apache Kafka consumer groups.
	KafkaCapabilities = Capabilities{
		Name:                     "kafka",
		SupportsConsumerGroups:   true,
		SupportsNativeRedelivery: true,
		SupportsOrdering:         true,
		Durable:                  true,
		MaxMessageSize:           1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ, one durable queue per group.
	RabbitMQCapabilities = Capabilities{
		Name:                     "rabbitmq",
		SupportsConsumerGroups:   true,
		SupportsNativeRedelivery: true,
		SupportsOrdering:         true,
		Durable:                  true,
	}

	// NATSCapabilities for NATS Core queue groups. Nothing is retained, so
	// entries published before a group joins are lost.
	NATSCapabilities = Capabilities{
		Name:                   "nats",
		SupportsConsumerGroups: true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// AWSCapabilities for SNS fan-out into one SQS queue per group.
	AWSCapabilities = Capabilities{
		Name:                     "aws",
		SupportsConsumerGroups:   true,
		SupportsNativeRedelivery: true,
		Durable:                  true,
		MaxMessageSize:           262144, // 256KB
	}

	// HTTPCapabilities for HTTP push delivery.
	HTTPCapabilities = Capabilities{
		Name: "http",
	}
)

// GetCapabilities returns the capabilities for a store by name.
// Returns a zero Capabilities struct if the store is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
