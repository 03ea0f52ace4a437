// Package bridge adapts a Watermill publisher and per-group subscribers to
// transport.Store, so any Watermill broker can carry assignments.
//
// Each (topic, group) pair gets one subscription whose message channel is
// shared by every consumer of that group in this process. Entry ids are
// Watermill message UUIDs. Unacknowledged messages are left to the broker's
// own redelivery and are nacked when the store closes.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/transport"
)

// SubscriberFactory returns the subscriber that serves group. Factories may
// return the same subscriber for several groups.
type SubscriberFactory func(group string) (message.Subscriber, error)

// Options configures a bridge store.
type Options struct {
	// Name prefixes errors and log lines, usually the transport name.
	Name string

	Publisher     message.Publisher
	NewSubscriber SubscriberFactory

	Logger watermill.LoggerAdapter

	// LocalDepth computes depth from what this store appended and acked.
	// Only correct when this store is the single writer and reader.
	LocalDepth bool

	// OnSubscribed runs after every successful Subscribe call.
	OnSubscribed func(sub message.Subscriber) error

	// Closers run after publisher and subscribers are closed.
	Closers []func() error
}

type groupKey struct {
	topic string
	group string
}

type subscription struct {
	messages <-chan *message.Message
	inflight map[string]*message.Message
	acked    int64
}

// Store implements transport.Store on top of Watermill.
type Store struct {
	opts   Options
	logger watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subscribers map[string]message.Subscriber
	subs        map[groupKey]*subscription
	appended    map[string]int64
	closed      bool
}

// New creates a bridge store. Publisher and NewSubscriber are required.
func New(opts Options) (*Store, error) {
	if opts.Publisher == nil {
		return nil, errors.New("bridge: publisher is required")
	}
	if opts.NewSubscriber == nil {
		return nil, errors.New("bridge: subscriber factory is required")
	}
	if opts.Name == "" {
		opts.Name = "bridge"
	}
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		opts:        opts,
		logger:      logger.With(watermill.LogFields{"transport": opts.Name}),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[string]message.Subscriber),
		subs:        make(map[groupKey]*subscription),
		appended:    make(map[string]int64),
	}, nil
}

// SingleSubscriber returns a factory that serves every group with sub.
func SingleSubscriber(sub message.Subscriber) SubscriberFactory {
	return func(string) (message.Subscriber, error) { return sub, nil }
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
	s.mu.Unlock()

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	if err := s.opts.Publisher.Publish(topic, msg); err != nil {
		return "", fmt.Errorf("%s: publish to %s: %w", s.opts.Name, topic, err)
	}

	s.mu.Lock()
	s.appended[topic]++
	s.mu.Unlock()
	return msg.UUID, nil
}

func (s *Store) EnsureGroup(ctx context.Context, topic, group string) error {
	if err := transport.CheckNames(topic, group); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.subscribe(topic, group)
	return err
}

// subscribe must be called with s.mu held.
func (s *Store) subscribe(topic, group string) (*subscription, error) {
	if s.closed {
		return nil, errspkg.ErrStoreClosed
	}
	key := groupKey{topic: topic, group: group}
	if sub, ok := s.subs[key]; ok {
		return sub, nil
	}

	subscriber, ok := s.subscribers[group]
	if !ok {
		var err error
		subscriber, err = s.opts.NewSubscriber(group)
		if err != nil {
			return nil, fmt.Errorf("%s: create subscriber for %s: %w", s.opts.Name, group, err)
		}
		s.subscribers[group] = subscriber
	}

	if initializer, ok := subscriber.(message.SubscribeInitializer); ok {
		if err := initializer.SubscribeInitialize(topic); err != nil {
			return nil, fmt.Errorf("%s: initialize %s for %s: %w", s.opts.Name, topic, group, err)
		}
	}

	messages, err := subscriber.Subscribe(s.ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("%s: subscribe %s for %s: %w", s.opts.Name, topic, group, err)
	}
	if s.opts.OnSubscribed != nil {
		if err := s.opts.OnSubscribed(subscriber); err != nil {
			return nil, fmt.Errorf("%s: after subscribe: %w", s.opts.Name, err)
		}
	}

	sub := &subscription{messages: messages, inflight: make(map[string]*message.Message)}
	s.subs[key] = sub
	s.logger.Debug("Subscribed consumer group", watermill.LogFields{"topic": topic, "group": group})
	return sub, nil
}

// Read waits up to block for the first message, then takes whatever else is
// immediately available up to count.
func (s *Store) Read(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]transport.Entry, error) {
	if err := transport.CheckNames(topic, group, consumer); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}
	s.mu.Lock()
	sub, err := s.subscribe(topic, group)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var msgs []*message.Message
	first, ok, err := s.receive(ctx, sub, block)
	if err != nil || !ok {
		return nil, err
	}
	msgs = append(msgs, first)

drain:
	for len(msgs) < count {
		select {
		case msg, open := <-sub.messages:
			if !open {
				break drain
			}
			msgs = append(msgs, msg)
		default:
			break drain
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]transport.Entry, 0, len(msgs))
	for _, msg := range msgs {
		sub.inflight[msg.UUID] = msg
		entries = append(entries, transport.Entry{ID: msg.UUID, Data: msg.Payload})
	}
	s.logger.Trace("Read entries", watermill.LogFields{
		"topic":    topic,
		"group":    group,
		"consumer": consumer,
		"count":    len(entries),
	})
	return entries, nil
}

func (s *Store) receive(ctx context.Context, sub *subscription, block time.Duration) (*message.Message, bool, error) {
	if block <= 0 {
		select {
		case msg, open := <-sub.messages:
			if !open {
				return nil, false, s.subscriptionEnded()
			}
			return msg, true, nil
		default:
			return nil, false, nil
		}
	}

	timer := time.NewTimer(block)
	defer timer.Stop()
	select {
	case msg, open := <-sub.messages:
		if !open {
			return nil, false, s.subscriptionEnded()
		}
		return msg, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-s.ctx.Done():
		return nil, false, errspkg.ErrStoreClosed
	}
}

func (s *Store) subscriptionEnded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errspkg.ErrStoreClosed
	}
	return fmt.Errorf("%s: subscription closed by broker", s.opts.Name)
}

func (s *Store) Ack(ctx context.Context, topic, group string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[groupKey{topic: topic, group: group}]
	if !ok {
		return nil
	}
	for _, id := range ids {
		msg, found := sub.inflight[id]
		if !found {
			continue
		}
		delete(sub.inflight, id)
		msg.Ack()
		sub.acked++
	}
	return nil
}

// Depth uses local bookkeeping when enabled, otherwise asks the publisher or
// the group's subscriber for a pending count.
func (s *Store) Depth(ctx context.Context, topic, group string) (int64, error) {
	if err := transport.CheckNames(topic, group); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.LocalDepth {
		var acked int64
		if sub, ok := s.subs[groupKey{topic: topic, group: group}]; ok {
			acked = sub.acked
		}
		depth := s.appended[topic] - acked
		if depth < 0 {
			depth = 0
		}
		return depth, nil
	}

	candidates := []any{s.opts.Publisher}
	if sub, ok := s.subscribers[group]; ok {
		candidates = append(candidates, sub)
	}
	for _, candidate := range candidates {
		if introspector, ok := candidate.(transport.QueueIntrospector); ok {
			return introspector.GetPendingCount(topic)
		}
	}
	return 0, errspkg.ErrDepthUnsupported
}

// Close nacks in-flight messages and closes the publisher, every subscriber
// and the configured closers.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, sub := range s.subs {
		for _, msg := range sub.inflight {
			msg.Nack()
		}
		sub.inflight = nil
	}
	subscribers := s.subscribers
	s.mu.Unlock()

	s.cancel()

	var errs []error
	closed := map[any]bool{}
	closeOnce := func(c interface{ Close() error }) {
		if closed[c] {
			return
		}
		closed[c] = true
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	closeOnce(s.opts.Publisher)
	for _, sub := range subscribers {
		closeOnce(sub)
	}
	for _, closer := range s.opts.Closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: close: %w", s.opts.Name, err)
	}
	return nil
}
