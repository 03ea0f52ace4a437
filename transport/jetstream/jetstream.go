// Package jetstream provides a NATS JetStream channel store. Each topic is a
// stream, each consumer group a durable pull consumer with explicit acks, so
// JetStream itself redelivers entries whose consumer never acknowledged them.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/transport"
)

// TransportName is the name used to register this store.
const TransportName = "nats-jetstream"

const (
	// DefaultAckWait is the processing window when none is configured.
	DefaultAckWait = 60 * time.Second

	// minFetchWait keeps non-blocking reads from hammering the server.
	minFetchWait = 10 * time.Millisecond
)

// Connect allows overriding the connection for testing.
var Connect = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

func init() {
	Register()
}

// Register registers the JetStream store with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build connects to cfg.GetNATSURL() and opens a JetStream context.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Store, error) {
	config := Config{
		URL:     cfg.GetNATSURL(),
		AckWait: cfg.GetClaimMinIdle(),
		MaxMsgs: cfg.GetStreamMaxLen(),
	}
	return New(config, logger)
}

// Capabilities returns the capabilities of this store.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// AckWait is how long an entry may stay unacknowledged before JetStream
	// hands it to another consumer of the group.
	AckWait time.Duration

	// MaxMsgs caps retained entries per stream. Zero keeps everything.
	MaxMsgs int64

	// Replicas is the number of stream replicas (for clustering).
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

type groupKey struct {
	topic string
	group string
}

type groupState struct {
	sub      *nats.Subscription
	inflight map[string]*nats.Msg
}

// Store implements transport.Store and transport.Pinger on JetStream.
type Store struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	streams map[string]bool
	groups  map[groupKey]*groupState
	closed  bool
}

// New connects to NATS and opens a JetStream context.
func New(cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if cfg.URL == "" {
		return nil, errors.New("nats-jetstream: URL is required")
	}

	nc, err := Connect(cfg.URL, nats.Name("assignflow"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("Connected to NATS JetStream channel store", watermill.LogFields{
		"url":      nc.ConnectedUrlRedacted(),
		"ack_wait": cfg.AckWait.String(),
	})

	return &Store{
		nc:      nc,
		js:      js,
		config:  cfg,
		logger:  logger,
		streams: make(map[string]bool),
		groups:  make(map[groupKey]*groupState),
	}, nil
}

// StreamName maps a topic onto a valid JetStream stream name.
func StreamName(topic string) string {
	return sanitize(topic)
}

// DurableName maps a consumer group onto a valid durable consumer name.
func DurableName(group string) string {
	return sanitize(group)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, name)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats-jetstream: flush: %w", err)
	}
	if _, err := s.js.AccountInfo(nats.Context(ctx)); err != nil {
		return fmt.Errorf("nats-jetstream: account info: %w", err)
	}
	return nil
}

// ensureStream must be called with s.mu held.
func (s *Store) ensureStream(ctx context.Context, topic string) error {
	if s.streams[topic] {
		return nil
	}
	name := StreamName(topic)
	_, err := s.js.StreamInfo(name, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNotFound) {
		streamCfg := &nats.StreamConfig{
			Name:      name,
			Subjects:  []string{topic},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			Replicas:  s.config.Replicas,
			MaxMsgs:   -1,
		}
		if s.config.MaxMsgs > 0 {
			streamCfg.MaxMsgs = s.config.MaxMsgs
		}
		_, err = s.js.AddStream(streamCfg, nats.Context(ctx))
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("nats-jetstream: ensure stream %s: %w", name, err)
	}
	s.streams[topic] = true
	return nil
}

func (s *Store) Append(ctx context.Context, topic string, data []byte) (string, error) {
	if err := transport.CheckNames(topic); err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errspkg.ErrStoreClosed
	}
	err := s.ensureStream(ctx, topic)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	ack, err := s.js.Publish(topic, data, nats.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("nats-jetstream: publish to %s: %w", topic, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

func (s *Store) EnsureGroup(ctx context.Context, topic, group string) error {
	if err := transport.CheckNames(topic, group); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errspkg.ErrStoreClosed
	}
	if err := s.ensureStream(ctx, topic); err != nil {
		return err
	}
	_, err := s.ensureGroup(ctx, topic, group)
	return err
}

// ensureGroup must be called with s.mu held.
func (s *Store) ensureGroup(ctx context.Context, topic, group string) (*groupState, error) {
	key := groupKey{topic: topic, group: group}
	if gs, ok := s.groups[key]; ok {
		return gs, nil
	}

	stream := StreamName(topic)
	durable := DurableName(group)
	_, err := s.js.ConsumerInfo(stream, durable, nats.Context(ctx))
	if errors.Is(err, nats.ErrConsumerNotFound) {
		_, err = s.js.AddConsumer(stream, &nats.ConsumerConfig{
			Durable:       durable,
			FilterSubject: topic,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       s.config.AckWait,
			DeliverPolicy: nats.DeliverAllPolicy,
			MaxAckPending: -1,
		}, nats.Context(ctx))
		if errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("nats-jetstream: ensure consumer %s on %s: %w", durable, stream, err)
	}

	sub, err := s.js.PullSubscribe(topic, durable, nats.Bind(stream, durable))
	if err != nil {
		return nil, fmt.Errorf("nats-jetstream: subscribe %s: %w", durable, err)
	}
	gs := &groupState{sub: sub, inflight: make(map[string]*nats.Msg)}
	s.groups[key] = gs
	return gs, nil
}

// Read fetches from the group's durable consumer. The consumer name only
// identifies the caller in logs; JetStream tracks delivery per group.
func (s *Store) Read(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]transport.Entry, error) {
	if err := transport.CheckNames(topic, group, consumer); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errspkg.ErrStoreClosed
	}
	gs, err := s.ensureGroup(ctx, topic, group)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	wait := block
	if wait < minFetchWait {
		wait = minFetchWait
	}
	msgs, err := gs.sub.Fetch(count, nats.MaxWait(wait))
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nats-jetstream: fetch %s/%s: %w", topic, group, err)
	}

	entries := make([]transport.Entry, 0, len(msgs))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		md, err := msg.Metadata()
		if err != nil {
			s.logger.Error("Dropping JetStream message without metadata", err, watermill.LogFields{
				"topic":    topic,
				"consumer": consumer,
			})
			continue
		}
		id := strconv.FormatUint(md.Sequence.Stream, 10)
		gs.inflight[id] = msg
		entries = append(entries, transport.Entry{
			ID:         id,
			Data:       msg.Data,
			Deliveries: int64(md.NumDelivered),
		})
	}
	return entries, nil
}

func (s *Store) Ack(ctx context.Context, topic, group string, ids ...string) error {
	s.mu.Lock()
	gs, ok := s.groups[groupKey{topic: topic, group: group}]
	var msgs []*nats.Msg
	if ok {
		for _, id := range ids {
			if msg, found := gs.inflight[id]; found {
				msgs = append(msgs, msg)
				delete(gs.inflight, id)
			}
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, msg := range msgs {
		if err := msg.Ack(nats.Context(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("nats-jetstream: ack on %s/%s: %w", topic, group, err)
	}
	return nil
}

// Depth is the consumer's undelivered plus unacknowledged count.
func (s *Store) Depth(ctx context.Context, topic, group string) (int64, error) {
	if err := transport.CheckNames(topic, group); err != nil {
		return 0, err
	}
	info, err := s.js.ConsumerInfo(StreamName(topic), DurableName(group), nats.Context(ctx))
	if errors.Is(err, nats.ErrConsumerNotFound) {
		stream, serr := s.js.StreamInfo(StreamName(topic), nats.Context(ctx))
		if errors.Is(serr, nats.ErrStreamNotFound) {
			return 0, nil
		}
		if serr != nil {
			return 0, fmt.Errorf("nats-jetstream: stream info %s: %w", topic, serr)
		}
		return int64(stream.State.Msgs), nil
	}
	if errors.Is(err, nats.ErrStreamNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("nats-jetstream: consumer info %s/%s: %w", topic, group, err)
	}
	return int64(info.NumPending) + int64(info.NumAckPending), nil
}

// Close unsubscribes every group and closes the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	groups := s.groups
	s.groups = make(map[groupKey]*groupState)
	s.mu.Unlock()

	for key, gs := range groups {
		if err := gs.sub.Unsubscribe(); err != nil {
			s.logger.Error("Failed to unsubscribe", err, watermill.LogFields{
				"topic": key.topic,
				"group": key.group,
			})
		}
	}
	s.nc.Close()
	return nil
}
