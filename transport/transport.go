// Package transport defines the channel store contract used by assignflow and
// the registry that builds a store from configuration. Each backend (redis,
// pebble, nats-jetstream, or a Watermill broker through the bridge package)
// lives in its own sub-package and registers itself here.
package transport

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
)

// CheckNames returns ErrTopicRequired, ErrGroupRequired or ErrConsumerRequired
// for the first blank name, in that order. Operations pass only the names
// they take.
func CheckNames(names ...string) error {
	required := [...]error{errspkg.ErrTopicRequired, errspkg.ErrGroupRequired, errspkg.ErrConsumerRequired}
	for i, name := range names {
		if i < len(required) && strings.TrimSpace(name) == "" {
			return required[i]
		}
	}
	return nil
}

// DataField names the single field every entry carries.
const DataField = "data"

// Entry is one record read from a topic on behalf of a consumer group.
type Entry struct {
	// ID is assigned by the store and is what Ack expects. It is unrelated to
	// the assignment id carried inside Data.
	ID string
	// Data is the value of the entry's DataField. Nil when the field is missing.
	Data []byte
	// Deliveries counts how often the entry was handed out, 0 when the store
	// cannot tell.
	Deliveries int64
}

// Store is an append-only, per-topic log with independent consumer groups.
//
// Within a group each entry is handed to at most one consumer at a time and
// entries are delivered in arrival order to the group as a whole. Entries that
// are read but never acknowledged are redelivered, either by the broker itself
// or through Claimer.
type Store interface {
	// Append adds data to the end of topic and returns the entry id.
	Append(ctx context.Context, topic string, data []byte) (string, error)
	// EnsureGroup creates group on topic starting at the oldest retained entry.
	// It is idempotent and never moves an existing group's cursor.
	EnsureGroup(ctx context.Context, topic, group string) error
	// Read returns up to count entries never delivered to group before, waiting
	// at most block for the first one. An empty result is not an error.
	Read(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]Entry, error)
	// Ack marks entries as handled by group. Unknown ids are ignored.
	Ack(ctx context.Context, topic, group string, ids ...string) error
	// Depth reports entries of topic not yet acknowledged by group: pending
	// plus never delivered. Stores that cannot tell return ErrDepthUnsupported.
	Depth(ctx context.Context, topic, group string) (int64, error)
	Close() error
}

// Claimer is implemented by stores that rely on consumers to take over
// entries whose original consumer stopped before acknowledging them.
type Claimer interface {
	// Claim transfers to consumer up to count entries of group that have been
	// pending longer than minIdle, and returns them.
	Claim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)
}

// Pinger is implemented by stores that can verify connectivity up front.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Builder is the function signature for creating a store from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Store, error)

// Config provides the configuration values needed by stores. Each backend only
// reads the values that concern it.
type Config interface {
	// GetTransport returns the store name used for registry lookup.
	GetTransport() string

	GetRedisURL() string
	GetPebbleDir() string

	GetKafkaBrokers() []string
	GetRabbitMQURL() string
	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	// GetStreamMaxLen caps retained entries per topic; 0 keeps everything.
	GetStreamMaxLen() int64
	// GetClaimMinIdle is the processing window after which an unacknowledged
	// entry may go to another consumer. Brokers use it as their ack deadline.
	GetClaimMinIdle() time.Duration
}

// StaticConfig is a plain Config implementation for callers that build stores
// without the full assignflow configuration.
type StaticConfig struct {
	Transport          string
	RedisURL           string
	PebbleDir          string
	KafkaBrokers       []string
	RabbitMQURL        string
	NATSURL            string
	HTTPServerAddress  string
	HTTPPublisherURL   string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
	StreamMaxLen       int64
	ClaimMinIdle       time.Duration
}

func (c *StaticConfig) GetTransport() string           { return c.Transport }
func (c *StaticConfig) GetRedisURL() string            { return c.RedisURL }
func (c *StaticConfig) GetPebbleDir() string           { return c.PebbleDir }
func (c *StaticConfig) GetKafkaBrokers() []string      { return c.KafkaBrokers }
func (c *StaticConfig) GetRabbitMQURL() string         { return c.RabbitMQURL }
func (c *StaticConfig) GetNATSURL() string             { return c.NATSURL }
func (c *StaticConfig) GetHTTPServerAddress() string   { return c.HTTPServerAddress }
func (c *StaticConfig) GetHTTPPublisherURL() string    { return c.HTTPPublisherURL }
func (c *StaticConfig) GetAWSRegion() string           { return c.AWSRegion }
func (c *StaticConfig) GetAWSAccountID() string        { return c.AWSAccountID }
func (c *StaticConfig) GetAWSAccessKeyID() string      { return c.AWSAccessKeyID }
func (c *StaticConfig) GetAWSSecretAccessKey() string  { return c.AWSSecretAccessKey }
func (c *StaticConfig) GetAWSEndpoint() string         { return c.AWSEndpoint }
func (c *StaticConfig) GetStreamMaxLen() int64         { return c.StreamMaxLen }
func (c *StaticConfig) GetClaimMinIdle() time.Duration { return c.ClaimMinIdle }

// CapabilitiesProvider is implemented by stores that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// QueueIntrospector is implemented by Watermill publishers or subscribers that
// can report how many messages are waiting on a topic.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}
