package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
)

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][]*message.Message
	err       error
	closed    int
}

func (p *fakePublisher) Publish(topic string, msgs ...*message.Message) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = map[string][]*message.Message{}
	}
	p.published[topic] = append(p.published[topic], msgs...)
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed++
	return nil
}

type pendingPublisher struct {
	fakePublisher
	pending int64
}

func (p *pendingPublisher) GetPendingCount(string) (int64, error) { return p.pending, nil }

type fakeSubscriber struct {
	out         chan *message.Message
	topics      []string
	initialized []string
	closed      int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{out: make(chan *message.Message, 16)}
}

func (s *fakeSubscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	s.topics = append(s.topics, topic)
	return s.out, nil
}

func (s *fakeSubscriber) SubscribeInitialize(topic string) error {
	s.initialized = append(s.initialized, topic)
	return nil
}

func (s *fakeSubscriber) Close() error {
	s.closed++
	return nil
}

func newFakeStore(t *testing.T, opts Options) (*Store, *fakePublisher, *fakeSubscriber) {
	t.Helper()
	pub := &fakePublisher{}
	sub := newFakeSubscriber()
	if opts.Publisher == nil {
		opts.Publisher = pub
	}
	opts.NewSubscriber = SingleSubscriber(sub)
	store, err := New(opts)
	require.NoError(t, err)
	return store, pub, sub
}

func TestNewRequiresPublisherAndSubscriber(t *testing.T) {
	_, err := New(Options{NewSubscriber: SingleSubscriber(newFakeSubscriber())})
	assert.ErrorContains(t, err, "publisher is required")

	_, err = New(Options{Publisher: &fakePublisher{}})
	assert.ErrorContains(t, err, "subscriber factory is required")
}

func TestAppendPublishesMessage(t *testing.T) {
	store, pub, _ := newFakeStore(t, Options{Name: "test"})

	id, err := store.Append(context.Background(), "assignments.grid", []byte(`{"id":"1"}`))
	require.NoError(t, err)

	require.Len(t, pub.published["assignments.grid"], 1)
	msg := pub.published["assignments.grid"][0]
	assert.Equal(t, id, msg.UUID)
	assert.Equal(t, `{"id":"1"}`, string(msg.Payload))
}

func TestAppendWrapsPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	store, _, _ := newFakeStore(t, Options{Name: "kafka", Publisher: pub})

	_, err := store.Append(context.Background(), "t", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka: publish to t")
	assert.Contains(t, err.Error(), "broker down")
}

func TestEnsureGroupSubscribesOnce(t *testing.T) {
	var hooks int
	store, _, sub := newFakeStore(t, Options{
		OnSubscribed: func(message.Subscriber) error { hooks++; return nil },
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, store.EnsureGroup(context.Background(), "topic", "workers"))
	}
	assert.Equal(t, []string{"topic"}, sub.topics)
	assert.Equal(t, []string{"topic"}, sub.initialized)
	assert.Equal(t, 1, hooks)
}

func TestEnsureGroupSubscriberFactoryError(t *testing.T) {
	store, err := New(Options{
		Publisher: &fakePublisher{},
		NewSubscriber: func(group string) (message.Subscriber, error) {
			return nil, errors.New("no queue")
		},
	})
	require.NoError(t, err)

	err = store.EnsureGroup(context.Background(), "topic", "workers")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create subscriber for workers")
}

func TestReadDrainsAvailableMessages(t *testing.T) {
	store, _, sub := newFakeStore(t, Options{})
	for _, payload := range []string{"a", "b", "c"} {
		sub.out <- message.NewMessage(watermill.NewUUID(), []byte(payload))
	}

	entries, err := store.Read(context.Background(), "topic", "workers", "c1", 2, time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", string(entries[0].Data))
	assert.Equal(t, "b", string(entries[1].Data))

	rest, err := store.Read(context.Background(), "topic", "workers", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", string(rest[0].Data))
}

func TestReadEmpty(t *testing.T) {
	store, _, _ := newFakeStore(t, Options{})

	entries, err := store.Read(context.Background(), "topic", "workers", "c1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	start := time.Now()
	entries, err = store.Read(context.Background(), "topic", "workers", "c1", 10, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestReadHonoursContext(t *testing.T) {
	store, _, _ := newFakeStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Read(ctx, "topic", "workers", "c1", 1, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadAfterBrokerClosedSubscription(t *testing.T) {
	store, _, sub := newFakeStore(t, Options{Name: "amqp"})
	close(sub.out)

	_, err := store.Read(context.Background(), "topic", "workers", "c1", 1, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription closed by broker")
}

func TestAckAcknowledgesInflightMessages(t *testing.T) {
	store, _, sub := newFakeStore(t, Options{})
	msg := message.NewMessage(watermill.NewUUID(), []byte("a"))
	sub.out <- msg

	entries, err := store.Read(context.Background(), "topic", "workers", "c1", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, store.Ack(context.Background(), "topic", "workers", entries[0].ID, "unknown"))
	select {
	case <-msg.Acked():
	default:
		t.Fatal("message was not acked")
	}

	require.NoError(t, store.Ack(context.Background(), "topic", "workers", entries[0].ID))
	require.NoError(t, store.Ack(context.Background(), "other", "workers", entries[0].ID))
}

func TestDepth(t *testing.T) {
	t.Run("unsupported without introspection", func(t *testing.T) {
		store, _, _ := newFakeStore(t, Options{})
		_, err := store.Depth(context.Background(), "topic", "workers")
		assert.ErrorIs(t, err, errspkg.ErrDepthUnsupported)
	})

	t.Run("publisher introspection", func(t *testing.T) {
		pub := &pendingPublisher{pending: 7}
		store, _, _ := newFakeStore(t, Options{Publisher: pub})
		depth, err := store.Depth(context.Background(), "topic", "workers")
		require.NoError(t, err)
		assert.Equal(t, int64(7), depth)
	})

	t.Run("local bookkeeping", func(t *testing.T) {
		store, _, sub := newFakeStore(t, Options{LocalDepth: true})
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := store.Append(ctx, "topic", []byte("x"))
			require.NoError(t, err)
		}
		depth, err := store.Depth(ctx, "topic", "workers")
		require.NoError(t, err)
		assert.Equal(t, int64(3), depth)

		msg := message.NewMessage(watermill.NewUUID(), []byte("x"))
		sub.out <- msg
		entries, err := store.Read(ctx, "topic", "workers", "c1", 1, time.Second)
		require.NoError(t, err)
		require.NoError(t, store.Ack(ctx, "topic", "workers", entries[0].ID))

		depth, err = store.Depth(ctx, "topic", "workers")
		require.NoError(t, err)
		assert.Equal(t, int64(2), depth)
	})
}

func TestCloseNacksInflightAndClosesOnce(t *testing.T) {
	var closerCalls int
	store, pub, sub := newFakeStore(t, Options{
		Closers: []func() error{func() error { closerCalls++; return nil }},
	})
	msg := message.NewMessage(watermill.NewUUID(), []byte("a"))
	sub.out <- msg
	_, err := store.Read(context.Background(), "topic", "workers", "c1", 1, time.Second)
	require.NoError(t, err)
	require.NoError(t, store.EnsureGroup(context.Background(), "topic", "other"))

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	select {
	case <-msg.Nacked():
	default:
		t.Fatal("in-flight message was not nacked")
	}
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed, "a subscriber shared by groups is closed once")
	assert.Equal(t, 1, closerCalls)

	_, err = store.Append(context.Background(), "topic", []byte("x"))
	assert.ErrorIs(t, err, errspkg.ErrStoreClosed)
	assert.ErrorIs(t, store.EnsureGroup(context.Background(), "topic", "new"), errspkg.ErrStoreClosed)
}

func TestGoChannelRoundTrip(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	store, err := New(Options{
		Name:          "channel",
		Publisher:     pubSub,
		NewSubscriber: SingleSubscriber(pubSub),
		LocalDepth:    true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	_, err = store.Append(ctx, "assignments.grid", []byte("early"))
	require.NoError(t, err)
	require.NoError(t, store.EnsureGroup(ctx, "assignments.grid", "workers.grid"))

	entries, err := store.Read(ctx, "assignments.grid", "workers.grid", "c1", 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "early", string(entries[0].Data))

	require.NoError(t, store.Ack(ctx, "assignments.grid", "workers.grid", entries[0].ID))
	depth, err := store.Depth(ctx, "assignments.grid", "workers.grid")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}
